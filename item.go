package omm

import (
	"container/list"

	"github.com/gogpu/omm/gpucore"
)

// itemState is the lifecycle state of a cache item. Transitions only move
// forward; the only way back is destruction.
type itemState uint8

const (
	// stateUnprocessed: registered, no device memory reserved yet.
	stateUnprocessed itemState = iota

	// stateBaking: memory reserved, bake in progress, possibly across frames.
	stateBaking

	// stateBaked: fully baked; source geometry no longer needed.
	stateBaked

	// stateBuilt: micromap built, write-visibility barrier still pending.
	stateBuilt

	// stateReady: barrier issued; safe to bind into new builds.
	stateReady
)

func (s itemState) String() string {
	switch s {
	case stateUnprocessed:
		return "Unprocessed"
	case stateBaking:
		return "Baking"
	case stateBaked:
		return "Baked"
	case stateBuilt:
		return "Built"
	case stateReady:
		return "Ready"
	default:
		return "Invalid"
	}
}

// cacheItem is the durable cache entry for one content hash. The cache
// exclusively owns the item's device buffers; they are released back to the
// memory manager before the item is erased.
type cacheItem struct {
	hash  uint64
	state itemState

	subdivisionLevel uint16
	format           gpucore.OpacityFormat
	triangleCount    uint32

	// lastUsedFrame is the frame the item was last bound (or created).
	lastUsedFrame uint32

	// quadSliced orders the item after all standard requests in the
	// unprocessed list.
	quadSliced bool

	// Reserved byte sizes charged against the memory budget. The array
	// buffer share is released as soon as the build consumes it.
	arrayBufferSize    uint64
	micromapBufferSize uint64

	// Device resources, populated as the item advances.
	arrayBuffer    gpucore.BufferID
	indexBuffer    gpucore.BufferID
	descBuffer     gpucore.BufferID
	micromapBuffer gpucore.BufferID
	micromap       gpucore.MicromapID
	indexType      gpucore.IndexType

	bake gpucore.BakeState

	// List memberships. stateElem lives in exactly one of the manager's
	// state lists (nil while a Baking item is delisted after losing its
	// source instance); lruElem always lives in the LRU list. Both elements
	// hold the item's hash, so removal is key-based.
	stateElem *list.Element
	lruElem   *list.Element
}

// deviceSize is the item's total footprint charged against the budget.
func (it *cacheItem) deviceSize() uint64 {
	return it.arrayBufferSize + it.micromapBufferSize
}

// compatibleWith validates that a request with equal hash also agrees on the
// fields the hash is assumed to determine. Disagreement means a collision.
func (it *cacheItem) compatibleWith(triangleCount uint32, format gpucore.OpacityFormat) bool {
	return it.triangleCount == triangleCount && it.format == format
}

// microTriangles is the item's total micro-triangle count.
func (it *cacheItem) microTriangles() uint32 {
	return it.triangleCount * gpucore.MicroTrianglesPerTriangle(it.subdivisionLevel)
}

// cachedSourceData links an item still needing geometry reads back to its
// source instance. At most one per hash; the reference is weak (an ID
// resolved through the manager's instance registry) and is dropped as soon
// as baking completes.
type cachedSourceData struct {
	instanceID uint64

	// triangleOffset is 2*quadSlice for quad-sliced requests, else 0.
	triangleOffset uint32
	triangleCount  uint32
	quadSlice      int
}
