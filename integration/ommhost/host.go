package ommhost

import (
	"errors"

	"github.com/gogpu/gpucontext"

	"github.com/gogpu/omm"
	"github.com/gogpu/omm/backend/wgpu"
	"github.com/gogpu/omm/texture"
)

// ErrNilProvider is returned when a nil DeviceProvider is passed.
var ErrNilProvider = errors.New("ommhost: nil DeviceProvider")

// NewDevice creates a wgpu backend device on the host's shared GPU device.
// The provider must also expose HalDevice() any and HalQueue() any returning
// wgpu/hal handles; gogpu device contexts do. heapSize is the simulated
// device-local heap in bytes, zero selects the backend default.
func NewDevice(provider gpucontext.DeviceProvider, textures *texture.Registry, heapSize uint64) (*wgpu.Device, error) {
	if provider == nil {
		return nil, ErrNilProvider
	}
	return wgpu.New(provider, textures, heapSize)
}

// NewManager creates a cache manager backed by the host's shared GPU device.
// The returned device is owned by the caller; close it after the manager is
// no longer used.
func NewManager(provider gpucontext.DeviceProvider, textures *texture.Registry, heapSize uint64, opts omm.Options) (*omm.Manager, *wgpu.Device, error) {
	dev, err := NewDevice(provider, textures, heapSize)
	if err != nil {
		return nil, nil, err
	}
	return omm.NewManager(dev, textures, opts), dev, nil
}
