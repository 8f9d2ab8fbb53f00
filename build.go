package omm

import (
	"container/list"
	"encoding/binary"

	"github.com/gogpu/omm/gpucore"
)

// arrayBufferSize is the byte size of the baked opacity array for count
// triangles, with conservative alignment padding at both ends.
func arrayBufferSize(count uint32, level uint16, format gpucore.OpacityFormat) uint64 {
	bits := uint64(gpucore.MicroTrianglesPerTriangle(level)) * uint64(format.Bits())
	perTriangle := (bits + 7) / 8
	return uint64(count)*perTriangle + 2*gpucore.BufferAlignment
}

// indexTypeFor picks 16-bit triangle indices whenever they fit.
func indexTypeFor(count uint32) gpucore.IndexType {
	if count <= 0xFFFF {
		return gpucore.IndexTypeUint16
	}
	return gpucore.IndexTypeUint32
}

// finalBufferSize is the byte size of everything the item keeps after the
// build: triangle descriptors, triangle indices and the micromap itself,
// each padded at both ends.
func finalBufferSize(count uint32, micromapSize uint64) uint64 {
	descSize := uint64(count)*gpucore.TriangleDescSize + 2*gpucore.BufferAlignment
	idxSize := uint64(count)*uint64(indexTypeFor(count).Bytes()) + 2*gpucore.BufferAlignment
	return descSize + idxSize + micromapSize + 2*gpucore.BufferAlignment
}

// buildPass walks the baked list in insertion order, recording micromap
// builds until the budget runs out. The first build of a frame always
// proceeds regardless of budget: builds are comparatively cheap at any
// size and a single oversized item must not starve forever. All recorded
// builds are issued as one batch behind a single transfer-to-build barrier;
// each consumed array buffer is released back to the memory manager
// immediately, shrinking the item's footprint to its final size.
func (m *Manager) buildPass(budget *uint32) {
	var builds []gpucore.MicromapBuild
	var promoted []*cacheItem
	var scratchUsed uint64
	first := true

	var next *list.Element
	for e := m.baked.Front(); e != nil; e = next {
		next = e.Next()
		it := m.items[e.Value.(uint64)]
		micro := it.microTriangles()
		if !first && micro > *budget {
			break
		}
		res := m.buildItem(it, &builds, &scratchUsed)
		switch {
		case res == ResultSuccess:
			if micro >= *budget {
				*budget = 0
			} else {
				*budget -= micro
			}
			first = false
			m.baked.Remove(e)
			it.stateElem = m.built.PushBack(it.hash)
			it.state = stateBuilt
			promoted = append(promoted, it)
		case res.retryable():
			// Scratch growth failed; retry next frame.
		default:
			Logger().Warn("omm: build failed, black-listing", "hash", it.hash)
			m.blackList[it.hash] = struct{}{}
			m.destroyItem(it)
		}
		if *budget == 0 && !first {
			break
		}
	}

	if len(builds) == 0 {
		return
	}
	m.dev.MemoryBarrier(gpucore.Barrier{Src: gpucore.ScopeTransfer, Dst: gpucore.ScopeMicromapBuild})
	if err := m.dev.BuildMicromaps(builds); err != nil {
		Logger().Warn("omm: micromap batch build failed", "err", err, "count", len(builds))
		for _, it := range promoted {
			m.blackList[it.hash] = struct{}{}
			m.destroyItem(it)
		}
		return
	}
	for _, it := range promoted {
		m.mem.releaseBuffers(it.arrayBuffer)
		m.mem.release(it.arrayBufferSize)
		it.arrayBuffer = gpucore.InvalidID
		it.arrayBufferSize = 0
		Logger().Debug("omm: built", "hash", it.hash, "size", it.micromapBufferSize)
	}
}

// buildItem creates the item's final buffers, uploads triangle descriptors
// and indices, and records one build against the shared scratch buffer.
func (m *Manager) buildItem(it *cacheItem, builds *[]gpucore.MicromapBuild, scratchUsed *uint64) Result {
	usage := gpucore.MicromapUsage{
		Count:            it.triangleCount,
		SubdivisionLevel: it.subdivisionLevel,
		Format:           it.format,
	}
	sizes, err := m.dev.MicromapBuildSizes(usage)
	if err != nil {
		return ResultFailure
	}
	if !m.ensureScratch(*scratchUsed + sizes.BuildScratchSize) {
		return ResultOutOfMemory
	}

	// Each triangle's descriptor points at its slice of the baked array.
	bits := uint64(gpucore.MicroTrianglesPerTriangle(it.subdivisionLevel)) * uint64(it.format.Bits())
	perTriangle := uint32((bits + 7) / 8)
	descData := make([]byte, it.triangleCount*gpucore.TriangleDescSize)
	for i := uint32(0); i < it.triangleCount; i++ {
		binary.LittleEndian.PutUint32(descData[i*8:], i*perTriangle)
		binary.LittleEndian.PutUint16(descData[i*8+4:], it.subdivisionLevel)
		binary.LittleEndian.PutUint16(descData[i*8+6:], uint16(it.format))
	}
	descBuf, err := m.dev.CreateBuffer(uint64(len(descData)),
		gpucore.BufferUsageCopyDst|gpucore.BufferUsageMicromapBuildInput, "omm triangle descs")
	if err != nil {
		return ResultFailure
	}
	m.dev.WriteBuffer(descBuf, 0, descData)

	it.indexType = indexTypeFor(it.triangleCount)
	idxData := make([]byte, uint64(it.triangleCount)*uint64(it.indexType.Bytes()))
	for i := uint32(0); i < it.triangleCount; i++ {
		if it.indexType == gpucore.IndexTypeUint16 {
			binary.LittleEndian.PutUint16(idxData[i*2:], uint16(i))
		} else {
			binary.LittleEndian.PutUint32(idxData[i*4:], i)
		}
	}
	idxBuf, err := m.dev.CreateBuffer(uint64(len(idxData)),
		gpucore.BufferUsageCopyDst|gpucore.BufferUsageAccelBuildInput, "omm triangle indices")
	if err != nil {
		m.mem.releaseBuffers(descBuf)
		return ResultFailure
	}
	m.dev.WriteBuffer(idxBuf, 0, idxData)

	mmBuf, err := m.dev.CreateBuffer(sizes.MicromapSize,
		gpucore.BufferUsageMicromapStorage, "omm micromap storage")
	if err != nil {
		m.mem.releaseBuffers(descBuf, idxBuf)
		return ResultFailure
	}
	micromap, err := m.dev.CreateMicromap(mmBuf, sizes.MicromapSize)
	if err != nil {
		m.mem.releaseBuffers(descBuf, idxBuf, mmBuf)
		return ResultFailure
	}

	*builds = append(*builds, gpucore.MicromapBuild{
		Target:             micromap,
		Usage:              usage,
		ArrayBuffer:        it.arrayBuffer,
		TriangleDescBuffer: descBuf,
		Scratch:            m.scratch,
		ScratchOffset:      *scratchUsed,
	})
	*scratchUsed += sizes.BuildScratchSize

	it.descBuffer = descBuf
	it.indexBuffer = idxBuf
	it.micromapBuffer = mmBuf
	it.micromap = micromap
	return ResultSuccess
}

// ensureScratch grows the shared build scratch buffer to at least size.
// The buffer only grows within a frame; OnFinishedBuilding drops it. A
// replaced buffer goes through the release ring, so builds already
// recorded against it stay valid for this frame.
func (m *Manager) ensureScratch(size uint64) bool {
	if m.scratchSize >= size {
		return true
	}
	grown := m.scratchSize * 2
	if grown < size {
		grown = size
	}
	buf, err := m.dev.CreateBuffer(grown, gpucore.BufferUsageScratch, "omm build scratch")
	if err != nil {
		Logger().Warn("omm: scratch buffer growth failed", "err", err, "size", grown)
		return false
	}
	if m.scratch != gpucore.InvalidID {
		m.mem.releaseBuffers(m.scratch)
	}
	m.scratch = buf
	m.scratchSize = grown
	return true
}

// OnBlasBuild must be called once per frame after binding and before
// acceleration structure build submission. If any Built item was bound
// this frame it issues the write-visibility barrier and promotes every
// Built item to Ready in one batch.
func (m *Manager) OnBlasBuild() {
	if !m.needsBarrier {
		return
	}
	m.dev.MemoryBarrier(gpucore.Barrier{Src: gpucore.ScopeMicromapBuild, Dst: gpucore.ScopeAccelBuild})
	for e := m.built.Front(); e != nil; e = e.Next() {
		it := m.items[e.Value.(uint64)]
		if it.state == stateBuilt {
			it.state = stateReady
		}
	}
	m.needsBarrier = false
}
