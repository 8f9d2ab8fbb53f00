// Package wgpu implements gpucore.Device over gogpu/wgpu HAL.
//
// The device is constructed from a shared hal.Device and hal.Queue, either
// directly or through a gpucontext device provider. The opacity bake runs as
// a WGSL compute shader compiled to SPIR-V with gogpu/naga; one invocation
// classifies one micro-triangle and packs its state into the baked array
// with atomic OR.
//
// WebGPU has no opacity micromap objects, so micromap builds are realized as
// buffer copies into the micromap backing storage, and the resulting
// MicromapBinding carries the buffer contents a ray tracing integration can
// consume. Memory telemetry is simulated from a configurable heap size since
// the HAL exposes no budget query.
package wgpu
