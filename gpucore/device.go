package gpucore

// Device abstracts the GPU backend consumed by the opacity micromap cache.
//
// Implementations live under backend/ (backend/native for the CPU reference
// device, backend/wgpu for the WebGPU device). All methods are called from
// the frame submission goroutine only, except where an implementation
// documents otherwise.
//
// Resource lifecycle:
//   - Resources are created via Create* methods
//   - Resources must be explicitly destroyed via Destroy* methods
//   - Destroying a resource while referenced by in-flight GPU work is
//     undefined behavior; the cache defers destruction behind its
//     pending-release ring to avoid this
//   - IDs become invalid after destruction and must not be reused
type Device interface {
	// MemoryInfo samples device-local memory telemetry. The cache calls
	// this at frame boundaries to recompute its budget.
	MemoryInfo() (MemoryInfo, error)

	// CreateBuffer creates a GPU buffer. The label is for debugging only.
	// Returns the buffer ID or an error if allocation fails.
	CreateBuffer(size uint64, usage BufferUsage, label string) (BufferID, error)

	// DestroyBuffer releases a GPU buffer.
	DestroyBuffer(id BufferID)

	// WriteBuffer writes data to a buffer at the given byte offset.
	// The data is copied to the GPU immediately or staged for later upload.
	WriteBuffer(id BufferID, offset uint64, data []byte)

	// MicromapBuildSizes queries the device for the storage and scratch
	// requirements of building a micromap with the given usage.
	MicromapBuildSizes(usage MicromapUsage) (MicromapBuildSizes, error)

	// CreateMicromap creates a micromap object backed by size bytes of the
	// given buffer.
	CreateMicromap(buffer BufferID, size uint64) (MicromapID, error)

	// DestroyMicromap releases a micromap object. The backing buffer is
	// destroyed separately.
	DestroyMicromap(id MicromapID)

	// DispatchBakeOpacity issues baking work classifying micro-triangles of
	// the described geometry into dst. The dispatch consumes at most budget
	// cost units (micro-triangles weighted by their texel-tap cost),
	// resuming from state and advancing it. It returns the budget consumed.
	//
	// A single item may require many dispatches across frames; state
	// persists the progress in between.
	DispatchBakeOpacity(desc *BakeDesc, state *BakeState, budget uint32, dst BufferID) (uint32, error)

	// BuildMicromaps builds all described micromaps in one batch. The caller
	// must order prior transfer writes against the build with MemoryBarrier.
	BuildMicromaps(builds []MicromapBuild) error

	// MemoryBarrier orders prior writes in b.Src before subsequent reads
	// in b.Dst.
	MemoryBarrier(b Barrier)

	// Submit submits recorded work to the GPU.
	Submit()

	// WaitIdle blocks until all submitted work completes. Use sparingly;
	// this is a full GPU-CPU synchronization.
	WaitIdle()
}

// TexcoordSource provides per-triangle texture coordinates of the geometry
// being baked. Implemented by scene instances.
type TexcoordSource interface {
	// TriangleTexcoords returns the three texture coordinates of triangle
	// tri, or ok=false when texcoord data is unavailable.
	TriangleTexcoords(tri uint32) (uv [3][2]float32, ok bool)
}

// BakeDesc describes one opacity bake operation over a contiguous triangle
// range of a source geometry.
type BakeDesc struct {
	// SubdivisionLevel and Format select the micro-triangle resolution and
	// state encoding.
	SubdivisionLevel uint16
	Format           OpacityFormat

	// TriangleOffset and TriangleCount select the baked range within the
	// source geometry. A quad-sliced request bakes a two-triangle range at
	// offset 2*sliceIndex.
	TriangleOffset uint32
	TriangleCount  uint32

	// Texcoords provides the source texture coordinates.
	Texcoords TexcoordSource

	// OpacityTexture is the texture slot sampled for opacity.
	// SecondaryOpacityTexture is sampled additionally for ray-portal
	// materials, or InvalidTextureIndex.
	OpacityTexture          uint32
	SecondaryOpacityTexture uint32

	// TexelsPerMicroTriangle holds the per-triangle conservative estimate of
	// texel taps per micro-triangle, indexed by triangle within the whole
	// geometry. A zero entry means the triangle exceeded MaxTexelTaps and
	// must be classified unknown-opaque without sampling.
	TexelsPerMicroTriangle []uint16

	// MaxTexelTaps caps the sampling footprint per micro-triangle.
	MaxTexelTaps uint32

	// CostPerExtraTexelTap is the relative cost of each texel tap beyond the
	// first; a micro-triangle with N taps consumes 1+(N-1)*cost budget units.
	CostPerExtraTexelTap float32

	// TransparencyThreshold and OpaquenessThreshold classify sampled alpha:
	// alpha <= TransparencyThreshold is transparent, alpha >=
	// OpaquenessThreshold is opaque, anything between is unknown.
	TransparencyThreshold float32
	OpaquenessThreshold   float32
}

// BakeState is the resumable progress of a multi-frame bake.
type BakeState struct {
	// MicroTrianglesToBake is the total micro-triangle count of the item.
	MicroTrianglesToBake uint32

	// MicroTrianglesBaked counts completed micro-triangles; baking is done
	// when it reaches MicroTrianglesToBake.
	MicroTrianglesBaked uint32

	// BakedLastDispatch is the count completed by the most recent dispatch.
	BakedLastDispatch uint32
}

// Done reports whether every micro-triangle has been baked.
func (s *BakeState) Done() bool {
	return s.MicroTrianglesBaked >= s.MicroTrianglesToBake
}
