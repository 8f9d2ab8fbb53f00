package omm

import (
	"container/list"

	"github.com/gogpu/omm/gpucore"
)

// bakePass walks the unprocessed list in order, issuing budgeted bake
// dispatches. Fully baked items promote to Baked and sever their source
// link; transient non-success outcomes leave items in place for the next
// frame; Failure and Rejected black-list and destroy.
func (m *Manager) bakePass(budget *uint32) {
	var next *list.Element
	for e := m.unprocessed.Front(); e != nil; e = next {
		next = e.Next()
		if *budget == 0 {
			return
		}
		it := m.items[e.Value.(uint64)]
		res := m.bakeItem(it, budget)
		switch {
		case res == ResultSuccess:
			m.unprocessed.Remove(e)
			it.stateElem = m.baked.PushBack(it.hash)
			it.state = stateBaked
			m.unlinkSourceData(it.hash)
			delete(m.estimates, it.hash)
			Logger().Debug("omm: baked", "hash", it.hash,
				"microTriangles", it.bake.MicroTrianglesToBake)
		case res == ResultOutOfBudget:
			return
		case res.retryable():
			// Out of memory or textures not resident; retried next frame.
		default:
			if res == ResultFailure {
				Logger().Warn("omm: bake failed, black-listing", "hash", it.hash)
			} else {
				Logger().Debug("omm: mesh rejected for baking", "hash", it.hash)
			}
			m.blackList[it.hash] = struct{}{}
			m.destroyItem(it)
		}
	}
}

// bakeItem advances one item's bake, reserving its full device footprint
// (baked array plus final build buffers, one combined allocation) on first
// touch and dispatching up to the remaining budget.
func (m *Manager) bakeItem(it *cacheItem, budget *uint32) Result {
	sd := m.sourceData[it.hash]
	if sd == nil {
		return ResultFailure
	}
	inst, ok := m.instances[sd.instanceID]
	if !ok {
		return ResultFailure
	}

	if !m.texturesResident(inst) {
		return ResultDependenciesUnavailable
	}

	est := m.estimateFor(it, sd, inst)
	if !est.done {
		// The estimate stalls when the instance is no longer being drawn;
		// nobody will refresh it again, so schedule its teardown.
		if inst.LastUpdatedFrame() != m.frame {
			m.deferInstanceDestroy(sd.instanceID)
		}
		return ResultDependenciesUnavailable
	}
	if est.rejected(m.opts.MinValidTrianglePercentage) {
		return ResultRejected
	}

	if it.state == stateUnprocessed {
		if res := m.reserveItemMemory(it); res != ResultSuccess {
			return res
		}
		it.state = stateBaking
		it.bake = gpucore.BakeState{MicroTrianglesToBake: it.microTriangles()}
	}

	secondary := uint32(gpucore.InvalidTextureIndex)
	if inst.MaterialType() == MaterialRayPortal {
		secondary = inst.SecondaryOpacityTextureIndex()
	}
	desc := &gpucore.BakeDesc{
		SubdivisionLevel:        it.subdivisionLevel,
		Format:                  it.format,
		TriangleOffset:          sd.triangleOffset,
		TriangleCount:           sd.triangleCount,
		Texcoords:               inst,
		OpacityTexture:          inst.OpacityTextureIndex(),
		SecondaryOpacityTexture: secondary,
		TexelsPerMicroTriangle:  est.taps,
		MaxTexelTaps:            m.opts.MaxTexelTaps,
		CostPerExtraTexelTap:    m.opts.CostPerExtraTexelTap,
		TransparencyThreshold:   m.opts.TransparencyThreshold,
		OpaquenessThreshold:     m.opts.OpaquenessThreshold,
	}
	consumed, err := m.dev.DispatchBakeOpacity(desc, &it.bake, *budget, it.arrayBuffer)
	if err != nil {
		return ResultFailure
	}
	if consumed > *budget {
		consumed = *budget
	}
	*budget -= consumed

	if it.bake.Done() {
		return ResultSuccess
	}
	return ResultOutOfBudget
}

// estimateFor returns the item's texel-density estimate, creating and
// advancing it as the per-frame triangle budget allows. A whole-instance
// estimate staged before the item's hash was known is sliced into the
// item's range instead of recomputing.
func (m *Manager) estimateFor(it *cacheItem, sd *cachedSourceData, inst Instance) *texelEstimate {
	if est, ok := m.estimates[it.hash]; ok {
		if !est.done {
			m.advanceEstimate(est, inst, sd.triangleOffset, sd.triangleCount)
		}
		return est
	}
	if st, ok := m.staged[sd.instanceID]; ok && st.done && sd.quadSlice != QuadSliceNone &&
		uint32(len(st.taps)) >= sd.triangleOffset+sd.triangleCount {
		est := &texelEstimate{
			taps: st.taps[sd.triangleOffset : sd.triangleOffset+sd.triangleCount],
			next: sd.triangleCount,
			done: true,
		}
		for _, t := range est.taps {
			if t == 0 {
				est.invalid++
			}
		}
		m.estimates[it.hash] = est
		return est
	}
	est := &texelEstimate{}
	m.estimates[it.hash] = est
	m.advanceEstimate(est, inst, sd.triangleOffset, sd.triangleCount)
	return est
}

// reserveItemMemory makes the item's single combined allocation: the
// temporary baked-array buffer plus the final build buffers' sizes, so a
// bake never starts that could not also be built.
func (m *Manager) reserveItemMemory(it *cacheItem) Result {
	sizes, err := m.dev.MicromapBuildSizes(gpucore.MicromapUsage{
		Count:            it.triangleCount,
		SubdivisionLevel: it.subdivisionLevel,
		Format:           it.format,
	})
	if err != nil {
		return ResultFailure
	}
	arraySize := arrayBufferSize(it.triangleCount, it.subdivisionLevel, it.format)
	finalSize := finalBufferSize(it.triangleCount, sizes.MicromapSize)
	if !m.mem.allocate(arraySize + finalSize) {
		m.missingMemory += arraySize + finalSize
		return ResultOutOfMemory
	}

	buf, err := m.dev.CreateBuffer(arraySize,
		gpucore.BufferUsageStorage|gpucore.BufferUsageMicromapBuildInput, "omm array")
	if err != nil {
		m.mem.release(arraySize + finalSize)
		Logger().Warn("omm: array buffer creation failed", "err", err, "size", arraySize)
		return ResultFailure
	}
	it.arrayBuffer = buf
	it.arrayBufferSize = arraySize
	it.micromapBufferSize = finalSize
	return ResultSuccess
}
