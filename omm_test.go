package omm

import (
	"errors"

	"github.com/gogpu/omm/gpucore"
)

// fakeDevice is an in-package gpucore.Device recording every call so tests
// can assert on resource lifecycles, barriers and build batches. Baking
// completes one micro-triangle per budget unit regardless of taps.
type fakeDevice struct {
	total, free uint64
	memErr      error

	nextID    uint64
	buffers   map[gpucore.BufferID]uint64
	micromaps map[gpucore.MicromapID]gpucore.BufferID

	barriers []gpucore.Barrier
	builds   [][]gpucore.MicromapBuild

	createErr error
	bakeErr   error
	buildErr  error

	lastBake *gpucore.BakeDesc

	destroyedBuffers   []gpucore.BufferID
	destroyedMicromaps []gpucore.MicromapID

	dispatches int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		total:     8 << 30,
		free:      8 << 30,
		buffers:   make(map[gpucore.BufferID]uint64),
		micromaps: make(map[gpucore.MicromapID]gpucore.BufferID),
	}
}

func (d *fakeDevice) MemoryInfo() (gpucore.MemoryInfo, error) {
	if d.memErr != nil {
		return gpucore.MemoryInfo{}, d.memErr
	}
	return gpucore.MemoryInfo{Total: d.total, Free: d.free}, nil
}

func (d *fakeDevice) CreateBuffer(size uint64, usage gpucore.BufferUsage, label string) (gpucore.BufferID, error) {
	if d.createErr != nil {
		return gpucore.InvalidID, d.createErr
	}
	d.nextID++
	id := gpucore.BufferID(d.nextID)
	d.buffers[id] = size
	return id, nil
}

func (d *fakeDevice) DestroyBuffer(id gpucore.BufferID) {
	delete(d.buffers, id)
	d.destroyedBuffers = append(d.destroyedBuffers, id)
}

func (d *fakeDevice) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) {}

func (d *fakeDevice) MicromapBuildSizes(usage gpucore.MicromapUsage) (gpucore.MicromapBuildSizes, error) {
	return gpucore.MicromapBuildSizes{
		MicromapSize:     uint64(usage.Count)*64 + 256,
		BuildScratchSize: 1024,
	}, nil
}

func (d *fakeDevice) CreateMicromap(buffer gpucore.BufferID, size uint64) (gpucore.MicromapID, error) {
	d.nextID++
	id := gpucore.MicromapID(d.nextID)
	d.micromaps[id] = buffer
	return id, nil
}

func (d *fakeDevice) DestroyMicromap(id gpucore.MicromapID) {
	delete(d.micromaps, id)
	d.destroyedMicromaps = append(d.destroyedMicromaps, id)
}

func (d *fakeDevice) DispatchBakeOpacity(desc *gpucore.BakeDesc, state *gpucore.BakeState, budget uint32, dst gpucore.BufferID) (uint32, error) {
	if d.bakeErr != nil {
		return 0, d.bakeErr
	}
	d.dispatches++
	d.lastBake = desc
	remaining := state.MicroTrianglesToBake - state.MicroTrianglesBaked
	n := remaining
	if budget < n {
		n = budget
	}
	state.MicroTrianglesBaked += n
	state.BakedLastDispatch = n
	return n, nil
}

func (d *fakeDevice) BuildMicromaps(builds []gpucore.MicromapBuild) error {
	if d.buildErr != nil {
		return d.buildErr
	}
	batch := make([]gpucore.MicromapBuild, len(builds))
	copy(batch, builds)
	d.builds = append(d.builds, batch)
	return nil
}

func (d *fakeDevice) MemoryBarrier(b gpucore.Barrier) { d.barriers = append(d.barriers, b) }
func (d *fakeDevice) Submit()                         {}
func (d *fakeDevice) WaitIdle()                       {}

// fakeTextures is an in-package TextureSet with uniform residency and
// extent for all valid indices, plus per-index residency overrides.
type fakeTextures struct {
	resident      bool
	nonResident   map[uint32]bool
	width, height uint32
}

func (t *fakeTextures) IsResident(index, minMipCount uint32) bool {
	if index == gpucore.InvalidTextureIndex {
		return true
	}
	if t.nonResident[index] {
		return false
	}
	return t.resident
}

func (t *fakeTextures) Extent(index uint32) (uint32, uint32, bool) {
	if index == gpucore.InvalidTextureIndex || t.width == 0 {
		return 0, 0, false
	}
	return t.width, t.height, true
}

// fakeInstance is a fully controllable scene instance.
type fakeInstance struct {
	id            uint64
	frameAge      uint32
	lastUpdated   uint32
	animated      bool
	material      MaterialType
	materialHash  uint64
	alpha         AlphaState
	stage         TextureStage
	transform     [6]float32
	texCoordHash  uint64
	indexHash     uint64
	vertexHash    uint64
	triangleCount uint32
	opacityTex    uint32
	secondaryTex  uint32
	quadCount     uint32
	noTexcoords   bool
	uv            [3][2]float32
}

// newFakeInstance returns an accepted-by-default candidate: an aged,
// alpha-tested opaque-material instance whose UV triangle spans the whole
// texture.
func newFakeInstance(id uint64, tris uint32) *fakeInstance {
	return &fakeInstance{
		id:            id,
		frameAge:      10,
		material:      MaterialOpaque,
		materialHash:  0x1000 + id,
		alpha:         AlphaState{AlphaTestEnabled: true},
		texCoordHash:  0x2000 + id,
		indexHash:     0x3000 + id,
		vertexHash:    0x4000 + id,
		triangleCount: tris,
		opacityTex:    0,
		secondaryTex:  gpucore.InvalidTextureIndex,
		uv:            [3][2]float32{{0, 0}, {1, 0}, {0, 1}},
	}
}

// newFakeQuadInstance returns a quad-batched candidate with quads
// billboards and distinct per-slice identity hashes.
func newFakeQuadInstance(id uint64, quads uint32) *fakeInstance {
	inst := newFakeInstance(id, 2*quads)
	inst.quadCount = quads
	return inst
}

func (f *fakeInstance) ID() uint64                 { return f.id }
func (f *fakeInstance) FrameAge() uint32           { return f.frameAge }
func (f *fakeInstance) LastUpdatedFrame() uint32   { return f.lastUpdated }
func (f *fakeInstance) Animated() bool             { return f.animated }
func (f *fakeInstance) MaterialType() MaterialType { return f.material }
func (f *fakeInstance) MaterialHash() uint64       { return f.materialHash }
func (f *fakeInstance) AlphaState() AlphaState     { return f.alpha }
func (f *fakeInstance) TextureStage() TextureStage { return f.stage }
func (f *fakeInstance) TextureTransform() [6]float32 {
	return f.transform
}
func (f *fakeInstance) TexCoordHash() uint64                 { return f.texCoordHash }
func (f *fakeInstance) IndexHash() uint64                    { return f.indexHash }
func (f *fakeInstance) VertexOpacityHash() uint64            { return f.vertexHash }
func (f *fakeInstance) TriangleCount() uint32                { return f.triangleCount }
func (f *fakeInstance) OpacityTextureIndex() uint32          { return f.opacityTex }
func (f *fakeInstance) SecondaryOpacityTextureIndex() uint32 { return f.secondaryTex }
func (f *fakeInstance) QuadCount() uint32                    { return f.quadCount }

func (f *fakeInstance) QuadTexCoordHash(slice uint32) uint64 {
	return f.texCoordHash + uint64(slice)*0x10 + 1
}

func (f *fakeInstance) QuadVertexOpacityHash(slice uint32) uint64 {
	return f.vertexHash + uint64(slice)*0x10 + 1
}

func (f *fakeInstance) TriangleTexcoords(tri uint32) ([3][2]float32, bool) {
	if f.noTexcoords {
		return [3][2]float32{}, false
	}
	return f.uv, true
}

// testOptions relaxes the acceptance filters and the tap cap so a default
// fake instance moves through the pipeline in one frame on a 64x64 texture.
func testOptions() Options {
	o := DefaultOptions()
	o.SubdivisionLevel = 2
	o.MaxTexelTaps = 4096
	o.MinResidentMips = 1
	o.MinInstanceFrameAge = 0
	o.MinNumRequests = 0
	o.MinFramesRequested = 0
	o.MinInstanceFrameAgeQuads = 0
	o.MinNumRequestsQuads = 0
	o.MinFramesRequestedQuads = 0
	return o
}

func newTestManager(opts Options) (*Manager, *fakeDevice, *fakeTextures) {
	dev := newFakeDevice()
	tex := &fakeTextures{resident: true, width: 64, height: 64}
	return NewManager(dev, tex, opts), dev, tex
}

var errFake = errors.New("injected failure")
