// Package gpucore provides the GPU abstractions shared by the opacity
// micromap cache and its backends.
//
// This package defines the [Device] interface, which abstracts over GPU
// backend implementations, allowing the same cache and build pipeline to
// work with:
//   - backend/wgpu (Pure Go WebGPU via gogpu/wgpu)
//   - backend/native (CPU reference device, used by tests and as fallback)
//
// # Resource Management
//
// GPU resources are managed via opaque IDs ([BufferID], [MicromapID]).
// The [Device] interface provides creation and destruction methods for each
// resource type. Devices are responsible for tracking the mapping between
// IDs and actual GPU resources. The cache is the exclusive owner of every
// buffer it creates and releases buffers back through its memory manager
// before destroying the owning cache entry.
//
// # Baking and Building
//
// Baking ([Device.DispatchBakeOpacity]) classifies each micro-triangle of a
// source triangle as transparent, opaque, or unknown by sampling an opacity
// texture. Building ([Device.BuildMicromaps]) packages baked arrays into
// opaque micromap objects that acceleration structure builds consume via
// [MicromapBinding].
package gpucore
