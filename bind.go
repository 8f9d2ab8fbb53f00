package omm

import "github.com/gogpu/omm/gpucore"

// TryBind looks up the micromap an instance (or one quad slice of it,
// pass QuadSliceNone otherwise) would register and, when Built or Ready,
// writes its handle into binding and returns the content hash. It returns
// EmptyHash when binding is disabled, the budget is zero, the instance is
// not a candidate, the hash is unknown or black-listed, or the item is
// still moving through the pipeline.
//
// TryBind may be called zero or many times per item per frame; apart from
// refreshing the item's last-used recency it never mutates cache state, so
// repeated calls in one frame return the same hash.
func (m *Manager) TryBind(inst Instance, quadSlice int, binding *gpucore.MicromapBinding) uint64 {
	if !m.opts.EnableBinding || m.mem.budget == 0 {
		return EmptyHash
	}
	if !m.supportsInstance(inst) {
		return EmptyHash
	}

	count := inst.TriangleCount()
	if quadSlice != QuadSliceNone {
		count = 2
	}
	format := m.opts.format(inst.AlphaState())
	h := m.requestHash(inst, quadSlice, count, format)
	if h == EmptyHash {
		return EmptyHash
	}
	if _, black := m.blackList[h]; black {
		return EmptyHash
	}
	it, ok := m.items[h]
	if !ok {
		return EmptyHash
	}
	if !it.compatibleWith(count, format) {
		Logger().Warn("omm: incompatible bind for cached item, black-listing", "hash", h)
		m.destroyItem(it)
		m.blackList[h] = struct{}{}
		return EmptyHash
	}

	// Every lookup hit counts as use, whatever the state: an item being
	// rebound while still baking must not be evicted out from under its
	// requester.
	it.lastUsedFrame = m.frame
	m.lru.MoveToFront(it.lruElem)

	if it.state != stateBuilt && it.state != stateReady {
		return EmptyHash
	}

	base := uint32(0)
	if quadSlice != QuadSliceNone {
		base = 2 * uint32(quadSlice)
	}
	*binding = gpucore.MicromapBinding{
		Micromap:     it.micromap,
		IndexBuffer:  it.indexBuffer,
		IndexType:    it.indexType,
		BaseTriangle: base,
	}
	m.boundThisFrame[h] = struct{}{}
	if it.state == stateBuilt {
		m.needsBarrier = true
	}
	return h
}
