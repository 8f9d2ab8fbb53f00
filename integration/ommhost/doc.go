// Package ommhost wires the opacity micromap cache into a gogpu-hosted
// application. It accepts the host's gpucontext.DeviceProvider and builds
// the wgpu backend device and the cache manager on top of the host's
// shared HAL device and queue.
//
// The data flow is:
//
//	gpucontext.DeviceProvider -> wgpu.Device -> omm.Manager
//
// # Usage
//
//	mgr, dev, err := ommhost.NewManager(app.GPUContextProvider(), registry, 0, omm.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer dev.Close()
//
//	// per frame:
//	mgr.OnFrameStart(frameTime)
//	mgr.RegisterBuildRequest(inst)
//	mgr.BuildMicromaps(maxRequests)
//	mgr.OnFrameEnd()
//
// # Integration Without Circular Imports
//
// The provider is narrowed to HAL handles by the wgpu backend itself, so
// this package depends only on the gpucontext interfaces, not on gogpu.
package ommhost
