package wgpu

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/omm/gpucore"
	"github.com/gogpu/omm/texture"
)

// Sentinel errors returned by the wgpu device.
var (
	// ErrNoHALProvider indicates the device provider does not expose HAL
	// device and queue handles.
	ErrNoHALProvider = errors.New("wgpu: provider does not expose HAL types")

	// ErrOutOfMemory indicates the simulated device heap cannot satisfy an
	// allocation.
	ErrOutOfMemory = errors.New("wgpu: out of device memory")

	// ErrBufferNotFound indicates an operation referenced a destroyed or
	// never-created buffer.
	ErrBufferNotFound = errors.New("wgpu: buffer not found")

	// ErrMicromapNotFound indicates an operation referenced a destroyed or
	// never-created micromap.
	ErrMicromapNotFound = errors.New("wgpu: micromap not found")
)

// DefaultHeapSize is the simulated device-local heap used when the caller
// does not specify one.
const DefaultHeapSize = 4 << 30

type trackedBuffer struct {
	buf   hal.Buffer
	size  uint64
	usage gpucore.BufferUsage
}

type trackedMicromap struct {
	backing gpucore.BufferID
	size    uint64
}

// Device implements gpucore.Device on gogpu/wgpu HAL.
//
// All resource operations are protected by a mutex, matching the HAL usage
// contract; the bake dispatch itself submits synchronously and waits for
// completion, so a dispatch never overlaps the next frame's writes.
type Device struct {
	mu     sync.RWMutex
	device hal.Device
	queue  hal.Queue

	textures *texture.Registry

	heapSize uint64
	used     uint64

	nextID    uint64
	buffers   map[gpucore.BufferID]*trackedBuffer
	micromaps map[gpucore.MicromapID]*trackedMicromap

	baker *opacityBaker
}

// New creates a wgpu device from a shared GPU device provider. The provider
// must implement HalDevice() any and HalQueue() any returning hal.Device and
// hal.Queue; gogpu device contexts satisfy this. heapSize is the simulated
// device-local heap in bytes; zero selects DefaultHeapSize.
func New(provider any, textures *texture.Registry, heapSize uint64) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoHALProvider
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNoHALProvider)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNoHALProvider)
	}
	return NewWithHAL(device, queue, textures, heapSize)
}

// NewWithHAL creates a wgpu device directly from HAL handles.
func NewWithHAL(device hal.Device, queue hal.Queue, textures *texture.Registry, heapSize uint64) (*Device, error) {
	if heapSize == 0 {
		heapSize = DefaultHeapSize
	}
	d := &Device{
		device:    device,
		queue:     queue,
		textures:  textures,
		heapSize:  heapSize,
		buffers:   make(map[gpucore.BufferID]*trackedBuffer),
		micromaps: make(map[gpucore.MicromapID]*trackedMicromap),
	}

	baker, err := newOpacityBaker(device)
	if err != nil {
		return nil, fmt.Errorf("wgpu: bake pipeline: %w", err)
	}
	d.baker = baker

	log.Printf("wgpu: opacity micromap device ready (heap %d MiB)", heapSize>>20)
	return d, nil
}

// Close releases the bake pipeline. Buffers and micromaps still tracked are
// destroyed as well.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, b := range d.buffers {
		d.device.DestroyBuffer(b.buf)
		delete(d.buffers, id)
	}
	d.used = 0
	clear(d.micromaps)

	if d.baker != nil {
		d.baker.destroy(d.device)
		d.baker = nil
	}
}

// MemoryInfo reports the simulated heap telemetry.
func (d *Device) MemoryInfo() (gpucore.MemoryInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return gpucore.MemoryInfo{
		Total: d.heapSize,
		Free:  d.heapSize - d.used,
	}, nil
}

// CreateBuffer creates a HAL buffer and accounts it against the simulated
// heap.
func (d *Device) CreateBuffer(size uint64, usage gpucore.BufferUsage, label string) (gpucore.BufferID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.used+size > d.heapSize {
		return gpucore.InvalidID, fmt.Errorf("%w: %d bytes requested, %d free", ErrOutOfMemory, size, d.heapSize-d.used)
	}

	buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: convertBufferUsage(usage),
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("wgpu: create buffer %q: %w", label, err)
	}

	d.nextID++
	id := gpucore.BufferID(d.nextID)
	d.buffers[id] = &trackedBuffer{buf: buf, size: size, usage: usage}
	d.used += size
	return id, nil
}

// DestroyBuffer releases a buffer. Unknown IDs are ignored.
func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	b, ok := d.buffers[id]
	if ok {
		d.used -= b.size
		delete(d.buffers, id)
	}
	d.mu.Unlock()

	if ok {
		d.device.DestroyBuffer(b.buf)
	}
}

// WriteBuffer uploads data to a buffer through the queue.
func (d *Device) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) {
	d.mu.RLock()
	b, ok := d.buffers[id]
	d.mu.RUnlock()

	if ok && len(data) > 0 {
		d.queue.WriteBuffer(b.buf, offset, data)
	}
}

// MicromapBuildSizes reports deterministic storage and scratch requirements.
// WebGPU has no micromap size query; the storage holds the packed opacity
// bits of every triangle plus a fixed header, rounded to BufferAlignment.
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
	d.micromaps[id] = &trackedMicromap{backing: buf, size: size}
	return id, nil
}

// DestroyMicromap releases a micromap object. The backing buffer is owned
// and destroyed by the caller.
func (d *Device) DestroyMicromap(id gpucore.MicromapID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.micromaps, id)
}

// BuildMicromaps copies each baked opacity array into its micromap backing
// buffer in a single submission, then waits for completion.
func (d *Device) BuildMicromaps(builds []gpucore.MicromapBuild) error {
	if len(builds) == 0 {
		return nil
	}

	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "omm_build",
	})
	if err != nil {
		return fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("omm_build"); err != nil {
		return fmt.Errorf("wgpu: begin encoding: %w", err)
	}

	d.mu.RLock()
	for i := range builds {
		b := &builds[i]
		mm, ok := d.micromaps[b.Target]
		if !ok {
			d.mu.RUnlock()
			encoder.DiscardEncoding()
			return fmt.Errorf("wgpu: build %d: %w", i, ErrMicromapNotFound)
		}
		src, ok := d.buffers[b.ArrayBuffer]
		if !ok {
			d.mu.RUnlock()
			encoder.DiscardEncoding()
			return fmt.Errorf("wgpu: build %d: array: %w", i, ErrBufferNotFound)
		}
		dst, ok := d.buffers[mm.backing]
		if !ok {
			d.mu.RUnlock()
			encoder.DiscardEncoding()
			return fmt.Errorf("wgpu: build %d: storage: %w", i, ErrBufferNotFound)
		}

		size := src.size
		if size > mm.size {
			size = mm.size
		}
		encoder.CopyBufferToBuffer(src.buf, dst.buf, []hal.BufferCopy{
			{SrcOffset: 0, DstOffset: 0, Size: size},
		})
	}
	d.mu.RUnlock()

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("wgpu: end encoding: %w", err)
	}
	defer cmdBuf.Destroy()

	return d.submitAndWait(cmdBuf)
}

// MemoryBarrier is a no-op: WebGPU synchronizes buffer access between
// submissions implicitly, and bake and build dispatches each wait for
// completion before returning.
func (d *Device) MemoryBarrier(gpucore.Barrier) {}

// Submit is a no-op; every dispatch and build submits eagerly.
func (d *Device) Submit() {}

// WaitIdle blocks until all submitted GPU work completes.
func (d *Device) WaitIdle() {
	_ = d.device.WaitIdle()
}

// submitAndWait submits one command buffer and blocks until the queue
// reports the submission complete. The HAL owns the synchronization
// primitives; Submit hands back a monotonic submission index.
func (d *Device) submitAndWait(cmdBuf hal.CommandBuffer) error {
	idx, err := d.queue.Submit([]hal.CommandBuffer{cmdBuf})
	if err != nil {
		return fmt.Errorf("wgpu: submit: %w", err)
	}
	if d.queue.PollCompleted() >= idx {
		return nil
	}
	if err := d.device.WaitIdle(); err != nil {
		return fmt.Errorf("wgpu: wait for GPU: %w", err)
	}
	return nil
}

// convertBufferUsage maps cache buffer usages onto WebGPU ones. Micromap
// build inputs are copy sources (builds are buffer copies), micromap storage
// is a copy destination, and everything is CopyDst so queue uploads work.
func convertBufferUsage(usage gpucore.BufferUsage) gputypes.BufferUsage {
	result := gputypes.BufferUsageCopyDst

	if usage&gpucore.BufferUsageCopySrc != 0 {
		result |= gputypes.BufferUsageCopySrc
	}
	if usage&gpucore.BufferUsageStorage != 0 {
		result |= gputypes.BufferUsageStorage
	}
	if usage&gpucore.BufferUsageMicromapBuildInput != 0 {
		result |= gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc
	}
	if usage&gpucore.BufferUsageMicromapStorage != 0 {
		result |= gputypes.BufferUsageStorage
	}
	if usage&gpucore.BufferUsageAccelBuildInput != 0 {
		result |= gputypes.BufferUsageStorage
	}
	if usage&gpucore.BufferUsageScratch != 0 {
		result |= gputypes.BufferUsageStorage
	}
	return result
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}
