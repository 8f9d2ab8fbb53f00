package gpucore

// Resource IDs
//
// These opaque IDs represent GPU resources. Each device implementation
// maintains a mapping between IDs and actual backend resources.
// IDs are uint64 to accommodate various backend handle sizes.

// BufferID is an opaque handle to a GPU buffer.
type BufferID uint64

// MicromapID is an opaque handle to a built opacity micromap object.
type MicromapID uint64

// InvalidID is the zero value, representing an invalid/null resource.
const InvalidID = 0

// InvalidTextureIndex marks an absent texture slot reference.
const InvalidTextureIndex = ^uint32(0)

// BufferUsage is a bitmask specifying how a buffer will be used.
type BufferUsage uint32

// Buffer usage flags.
const (
	// BufferUsageCopySrc indicates the buffer can be used as a copy source.
	BufferUsageCopySrc BufferUsage = 1 << 0

	// BufferUsageCopyDst indicates the buffer can be used as a copy destination.
	BufferUsageCopyDst BufferUsage = 1 << 1

	// BufferUsageStorage indicates the buffer can be bound as a storage buffer,
	// e.g. as the write target of the opacity bake pass.
	BufferUsageStorage BufferUsage = 1 << 2

	// BufferUsageMicromapBuildInput indicates the buffer is read by micromap builds
	// (baked opacity arrays, triangle descriptors, triangle indices).
	BufferUsageMicromapBuildInput BufferUsage = 1 << 3

	// BufferUsageMicromapStorage indicates the buffer backs a built micromap object.
	BufferUsageMicromapStorage BufferUsage = 1 << 4

	// BufferUsageAccelBuildInput indicates the buffer is read by acceleration
	// structure builds referencing a bound micromap.
	BufferUsageAccelBuildInput BufferUsage = 1 << 5

	// BufferUsageScratch indicates transient build scratch memory.
	BufferUsageScratch BufferUsage = 1 << 6
)

// OpacityFormat selects how many opacity states a micromap encodes per
// micro-triangle.
type OpacityFormat uint8

const (
	// OpacityFormat2State encodes transparent/opaque, one bit per micro-triangle.
	OpacityFormat2State OpacityFormat = 1

	// OpacityFormat4State adds unknown-transparent/unknown-opaque,
	// two bits per micro-triangle.
	OpacityFormat4State OpacityFormat = 2
)

// Bits returns the number of bits the format stores per micro-triangle.
func (f OpacityFormat) Bits() uint32 {
	if f == OpacityFormat2State {
		return 1
	}
	return 2
}

// String returns the format name.
func (f OpacityFormat) String() string {
	switch f {
	case OpacityFormat2State:
		return "2-state"
	case OpacityFormat4State:
		return "4-state"
	default:
		return "unknown"
	}
}

// Opacity states written by the bake pass. The 2-state format only uses
// OpacityTransparent and OpacityOpaque.
const (
	OpacityTransparent        = 0
	OpacityOpaque             = 1
	OpacityUnknownTransparent = 2
	OpacityUnknownOpaque      = 3
)

// IndexType is the element width of a micromap triangle index buffer.
type IndexType uint8

const (
	// IndexTypeUint16 uses 2-byte indices, valid for up to 65535 triangles.
	IndexTypeUint16 IndexType = iota

	// IndexTypeUint32 uses 4-byte indices.
	IndexTypeUint32
)

// Bytes returns the size of one index element.
func (t IndexType) Bytes() uint32 {
	if t == IndexTypeUint16 {
		return 2
	}
	return 4
}

// BufferAlignment is the conservative alignment applied to both ends of
// device buffers when budgeting their size.
const BufferAlignment = 256

// TriangleDescSize is the byte size of one triangle descriptor in the
// micromap triangle array buffer (data offset, format, subdivision level).
const TriangleDescSize = 8

// MicroTrianglesPerTriangle returns 4^level, the number of micro-triangles a
// uniformly subdivided triangle yields at the given subdivision level.
func MicroTrianglesPerTriangle(level uint16) uint32 {
	return 1 << (2 * uint32(level))
}

// MicromapUsage describes one group of uniformly formatted triangles in a
// micromap build, used to query build sizes from the device.
type MicromapUsage struct {
	// Count is the number of triangles in the group.
	Count uint32

	// SubdivisionLevel is the per-triangle subdivision level.
	SubdivisionLevel uint16

	// Format is the opacity encoding of every triangle in the group.
	Format OpacityFormat
}

// MicromapBuildSizes reports device requirements for building a micromap.
type MicromapBuildSizes struct {
	// MicromapSize is the byte size of the buffer backing the built micromap.
	MicromapSize uint64

	// BuildScratchSize is the transient scratch required during the build.
	BuildScratchSize uint64
}

// MicromapBuild describes one micromap build operation.
type MicromapBuild struct {
	// Target is the micromap object to build into.
	Target MicromapID

	// Usage describes the triangle group being built.
	Usage MicromapUsage

	// ArrayBuffer holds the baked per-micro-triangle opacity states.
	ArrayBuffer BufferID

	// TriangleDescBuffer holds one TriangleDescSize descriptor per triangle.
	TriangleDescBuffer BufferID

	// Scratch is the transient scratch buffer; ScratchOffset is the byte
	// offset of this build's slice within it.
	Scratch       BufferID
	ScratchOffset uint64
}

// MicromapBinding is the acceleration-structure-facing handle of a built
// micromap. Binding writes it into the geometry descriptor submitted to
// acceleration structure builds.
type MicromapBinding struct {
	Micromap     MicromapID
	IndexBuffer  BufferID
	IndexType    IndexType
	BaseTriangle uint32
}

// SyncScope names a pipeline scope participating in a memory barrier.
type SyncScope uint8

const (
	// ScopeTransfer covers buffer upload writes.
	ScopeTransfer SyncScope = iota

	// ScopeMicromapBuild covers micromap build reads and writes.
	ScopeMicromapBuild

	// ScopeAccelBuild covers acceleration structure build reads.
	ScopeAccelBuild
)

// Barrier orders writes in Src before reads in Dst.
type Barrier struct {
	Src SyncScope
	Dst SyncScope
}

// MemoryInfo reports device-local memory telemetry.
type MemoryInfo struct {
	// Total is the device-local heap budget in bytes.
	Total uint64

	// Free is the currently unallocated portion of Total.
	Free uint64
}
