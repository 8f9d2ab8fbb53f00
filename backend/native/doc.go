// Package native provides a CPU reference implementation of gpucore.Device.
//
// The native device keeps every buffer in host memory and runs the opacity
// bake pass on the CPU, sampling texture alpha through a texture.Registry.
// Micromap builds copy the baked opacity array into the micromap backing
// buffer, and memory telemetry is simulated from a configurable heap size.
//
// It exists for correctness testing and for running the cache on machines
// without ray tracing hardware; the results are bit-exact with what the GPU
// bake shader produces for the same inputs.
package native
