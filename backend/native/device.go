package native

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/omm/gpucore"
	"github.com/gogpu/omm/texture"
)

// Sentinel errors returned by the native device.
var (
	// ErrOutOfMemory indicates the simulated device heap cannot satisfy an
	// allocation.
	ErrOutOfMemory = errors.New("native: out of device memory")

	// ErrBufferNotFound indicates an operation referenced a destroyed or
	// never-created buffer.
	ErrBufferNotFound = errors.New("native: buffer not found")

	// ErrMicromapNotFound indicates an operation referenced a destroyed or
	// never-created micromap.
	ErrMicromapNotFound = errors.New("native: micromap not found")

	// ErrInvalidSize indicates a zero-sized resource request.
	ErrInvalidSize = errors.New("native: invalid size")
)

// DefaultHeapSize is the simulated device-local heap used when the caller
// does not specify one.
const DefaultHeapSize = 4 << 30

type buffer struct {
	size  uint64
	usage gpucore.BufferUsage
	label string
	data  []byte
}

type micromap struct {
	buffer gpucore.BufferID
	size   uint64
}

// Device is the CPU reference implementation of gpucore.Device. All state
// lives in host memory; the opacity bake runs synchronously on the calling
// goroutine.
type Device struct {
	mu sync.Mutex

	textures *texture.Registry

	heapSize uint64
	used     uint64

	nextID    uint64
	buffers   map[gpucore.BufferID]*buffer
	micromaps map[gpucore.MicromapID]*micromap

	barriers []gpucore.Barrier
	submits  int
	builds   int
}

// New creates a native device sampling textures from the given registry.
// heapSize is the simulated device-local heap in bytes; zero selects
// DefaultHeapSize.
func New(textures *texture.Registry, heapSize uint64) *Device {
	if heapSize == 0 {
		heapSize = DefaultHeapSize
	}
	return &Device{
		textures:  textures,
		heapSize:  heapSize,
		buffers:   make(map[gpucore.BufferID]*buffer),
		micromaps: make(map[gpucore.MicromapID]*micromap),
	}
}

// MemoryInfo reports the simulated heap telemetry.
func (d *Device) MemoryInfo() (gpucore.MemoryInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return gpucore.MemoryInfo{
		Total: d.heapSize,
		Free:  d.heapSize - d.used,
	}, nil
}

// CreateBuffer allocates a host-backed buffer against the simulated heap.
func (d *Device) CreateBuffer(size uint64, usage gpucore.BufferUsage, label string) (gpucore.BufferID, error) {
	if size == 0 {
		return gpucore.InvalidID, ErrInvalidSize
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.used+size > d.heapSize {
		return gpucore.InvalidID, fmt.Errorf("%w: %d bytes requested, %d free", ErrOutOfMemory, size, d.heapSize-d.used)
	}

	d.nextID++
	id := gpucore.BufferID(d.nextID)
	d.buffers[id] = &buffer{
		size:  size,
		usage: usage,
		label: label,
		data:  make([]byte, size),
	}
	d.used += size
	return id, nil
}

// DestroyBuffer releases a buffer. Unknown IDs are ignored.
func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[id]
	if !ok {
		return
	}
	d.used -= b.size
	delete(d.buffers, id)
}

// WriteBuffer copies data into a buffer at the given offset. Writes past the
// end of the buffer are truncated.
func (d *Device) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[id]
	if !ok || offset >= b.size {
		return
	}
	copy(b.data[offset:], data)
}

// MicromapBuildSizes reports deterministic storage and scratch requirements.
// The micromap stores the packed opacity bits of every triangle plus a fixed
// header, rounded to BufferAlignment.
func (d *Device) MicromapBuildSizes(usage gpucore.MicromapUsage) (gpucore.MicromapBuildSizes, error) {
	perTriangle := gpucore.MicroTrianglesPerTriangle(usage.SubdivisionLevel)
	bitsPerTriangle := uint64(perTriangle) * uint64(usage.Format.Bits())
	bytesPerTriangle := (bitsPerTriangle + 7) / 8
	storage := alignUp(uint64(usage.Count)*bytesPerTriangle, gpucore.BufferAlignment) + gpucore.BufferAlignment
	scratch := alignUp(1024+uint64(usage.Count)*gpucore.TriangleDescSize, gpucore.BufferAlignment)
	return gpucore.MicromapBuildSizes{
		MicromapSize:     storage,
		BuildScratchSize: scratch,
	}, nil
}

// CreateMicromap creates a micromap object backed by the given buffer.
func (d *Device) CreateMicromap(buf gpucore.BufferID, size uint64) (gpucore.MicromapID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.buffers[buf]; !ok {
		return gpucore.InvalidID, ErrBufferNotFound
	}

	d.nextID++
	id := gpucore.MicromapID(d.nextID)
	d.micromaps[id] = &micromap{buffer: buf, size: size}
	return id, nil
}

// DestroyMicromap releases a micromap object. Unknown IDs are ignored.
func (d *Device) DestroyMicromap(id gpucore.MicromapID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.micromaps, id)
}

// BuildMicromaps copies each baked opacity array into its micromap backing
// buffer. The caller has already ordered the array writes with a barrier.
func (d *Device) BuildMicromaps(builds []gpucore.MicromapBuild) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range builds {
		b := &builds[i]
		mm, ok := d.micromaps[b.Target]
		if !ok {
			return fmt.Errorf("build %d: %w", i, ErrMicromapNotFound)
		}
		src, ok := d.buffers[b.ArrayBuffer]
		if !ok {
			return fmt.Errorf("build %d: array: %w", i, ErrBufferNotFound)
		}
		if _, ok := d.buffers[b.TriangleDescBuffer]; !ok {
			return fmt.Errorf("build %d: descriptors: %w", i, ErrBufferNotFound)
		}
		dst, ok := d.buffers[mm.buffer]
		if !ok {
			return fmt.Errorf("build %d: storage: %w", i, ErrBufferNotFound)
		}
		copy(dst.data, src.data)
		d.builds++
	}
	return nil
}

// MemoryBarrier records the barrier. The CPU device executes everything
// synchronously, so ordering is already guaranteed.
func (d *Device) MemoryBarrier(b gpucore.Barrier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.barriers = append(d.barriers, b)
}

// Submit is a no-op beyond counting; work runs eagerly.
func (d *Device) Submit() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submits++
}

// WaitIdle is a no-op; work runs eagerly.
func (d *Device) WaitIdle() {}

// AllocatedBytes returns the bytes currently allocated from the simulated
// heap.
func (d *Device) AllocatedBytes() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

// BufferCount returns the number of live buffers.
func (d *Device) BufferCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

// MicromapCount returns the number of live micromap objects.
func (d *Device) MicromapCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.micromaps)
}

// BufferData returns a copy of a buffer's contents, or nil for unknown IDs.
func (d *Device) BufferData(id gpucore.BufferID) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[id]
	if !ok {
		return nil
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Barriers returns the barriers recorded so far.
func (d *Device) Barriers() []gpucore.Barrier {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]gpucore.Barrier, len(d.barriers))
	copy(out, d.barriers)
	return out
}

// BuildCount returns the number of micromap build operations executed.
func (d *Device) BuildCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.builds
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}
