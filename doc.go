// Package omm provides an opacity micromap cache and build pipeline for
// ray-tracing backends.
//
// # Overview
//
// An opacity micromap (OMM) classifies every micro-triangle of a source
// triangle as transparent, opaque, or unknown, letting a ray-tracing
// backend skip full shading of known-transparent and known-opaque regions.
// Generating micromaps is expensive, so this package maintains an LRU
// cache of built micromaps keyed by a 64-bit content hash of the source
// material, texture-sampling, and topology identity, and produces new ones
// through a budgeted, multi-frame pipeline:
//
//	register → bake (compute, budgeted) → build → barrier → ready → bind
//
// # Quick Start
//
//	textures := texture.NewRegistry()
//	dev := native.New(textures, 1<<30) // or backend/wgpu
//	mgr := omm.NewManager(dev, textures, omm.DefaultOptions())
//
//	// Each frame:
//	mgr.OnFrameStart()
//	mgr.RegisterBuildRequest(instance)
//	mgr.BuildMicromaps(lastCameraCutFrame, frameTime)
//	hash := mgr.TryBind(instance, omm.QuadSliceNone, &binding)
//	mgr.OnBlasBuild()
//	mgr.OnFrameEnd()
//
// # Memory model
//
// Device memory is governed by an internal budget recomputed from device
// telemetry with hysteresis. Released buffers pass through a ring delayed
// by the number of frames the GPU may still reference them. When the
// budget collapses to zero the cache clears itself and the feature
// silently disables until memory recovers.
//
// # Concurrency
//
// All Manager methods must be called from the single frame submission
// goroutine. The only internally guarded state is the hash-collision
// registry, which geometry preparation may query concurrently.
//
// Logging is disabled by default; see SetLogger.
package omm
