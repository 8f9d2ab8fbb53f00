package omm

import "github.com/gogpu/omm/gpucore"

const bytesPerMB = 1024 * 1024

// releaseSlot is one frame's worth of deferred releases: budget bytes to
// return and device resources to destroy once the GPU can no longer
// reference them.
type releaseSlot struct {
	bytes     uint64
	buffers   []gpucore.BufferID
	micromaps []gpucore.MicromapID
}

// memoryManager tracks the cache's device memory against a budget
// recomputed each frame from device telemetry.
//
// Releases are deferred: buffers referenced by already-submitted
// acceleration structure builds must stay valid until the GPU is done with
// them, so released amounts and handles sit in a fixed-length ring for as
// many frames as work may remain in flight. Only the oldest slot is folded
// back into the usable pool, and its resources destroyed, at frame start.
type memoryManager struct {
	dev  gpucore.Device
	opts *Options

	used       uint64
	budget     uint64
	prevBudget uint64

	// ring[len-1] is the current frame's pending-release slot; ring[0] is
	// the oldest and the only one through which used ever decreases.
	ring []releaseSlot

	// End-of-previous-frame free memory sample. The budget computation
	// takes min(now, end of previous frame) to guard against intra-frame
	// allocation spikes briefly inflating the reading.
	frameEndFree     uint64
	haveFrameEndFree bool
}

func newMemoryManager(dev gpucore.Device, opts *Options) *memoryManager {
	slots := opts.MaxFramesInFlight
	if opts.RetainPreviousAccelStructure {
		slots++
	}
	return &memoryManager{
		dev:  dev,
		opts: opts,
		ring: make([]releaseSlot, slots),
	}
}

// onFrameStart destroys the oldest pending-release slot's resources, folds
// its bytes back into the usable pool, and opens a fresh slot.
func (m *memoryManager) onFrameStart() {
	oldest := m.ring[0]
	copy(m.ring, m.ring[1:])
	m.ring[len(m.ring)-1] = releaseSlot{}

	for _, id := range oldest.micromaps {
		m.dev.DestroyMicromap(id)
	}
	for _, id := range oldest.buffers {
		m.dev.DestroyBuffer(id)
	}
	freed := oldest.bytes
	if freed > m.used {
		freed = m.used
	}
	m.used -= freed
}

// available is the headroom under the current budget.
func (m *memoryManager) available() uint64 {
	if m.used >= m.budget {
		return 0
	}
	return m.budget - m.used
}

// allocate reserves size bytes. It fails without side effects when size
// exceeds the available headroom.
func (m *memoryManager) allocate(size uint64) bool {
	if size > m.available() {
		return false
	}
	m.used += size
	return true
}

// release returns size bytes through the pending-release ring. The memory
// stays counted as used for the full ring delay.
func (m *memoryManager) release(size uint64) {
	m.ring[len(m.ring)-1].bytes += size
}

// releaseBuffers queues buffers for destruction behind the ring delay.
// Invalid IDs are skipped.
func (m *memoryManager) releaseBuffers(ids ...gpucore.BufferID) {
	slot := &m.ring[len(m.ring)-1]
	for _, id := range ids {
		if id != gpucore.InvalidID {
			slot.buffers = append(slot.buffers, id)
		}
	}
}

// releaseMicromap queues a micromap for destruction behind the ring delay.
func (m *memoryManager) releaseMicromap(id gpucore.MicromapID) {
	if id != gpucore.InvalidID {
		slot := &m.ring[len(m.ring)-1]
		slot.micromaps = append(slot.micromaps, id)
	}
}

// pendingReleaseTotal is the memory already queued to come back through the
// ring. Eviction stops once this covers the missing amount.
func (m *memoryManager) pendingReleaseTotal() uint64 {
	var total uint64
	for i := range m.ring {
		total += m.ring[i].bytes
	}
	return total
}

// budgetDecreased reports whether this frame's budget is below the
// previous frame's, which forces eviction of even recently used items.
func (m *memoryManager) budgetDecreased() bool {
	return m.budget < m.prevBudget
}

// updateBudget recomputes the budget from device telemetry once per frame,
// before any allocation.
//
// The budget is only recomputed when free memory leaves the hysteresis band
// [floor, floor+buffer]; inside the band the previous value is kept so that
// telemetry noise does not feed back into build/evict churn. The candidate
// is min(percentage of total, absolute cap), further capped so the rest of
// the system keeps at least the floor of free memory. A candidate below the
// minimum viable size collapses to zero, disabling the cache.
func (m *memoryManager) updateBudget() {
	m.prevBudget = m.budget

	info, err := m.dev.MemoryInfo()
	if err != nil {
		Logger().Warn("omm: memory telemetry unavailable, keeping budget",
			"err", err, "budget", m.budget)
		return
	}
	free := info.Free
	if m.haveFrameEndFree && m.frameEndFree < free {
		free = m.frameEndFree
	}

	floor := m.opts.MinFreeMemoryMB * bytesPerMB
	if free >= floor && free <= floor+m.opts.FreeMemoryBufferMB*bytesPerMB {
		return
	}

	budget := uint64(m.opts.MaxBudgetPercentage * float64(info.Total))
	if hardCap := m.opts.MaxBudgetMB * bytesPerMB; budget > hardCap {
		budget = hardCap
	}
	// Never claim memory the rest of the system needs to stay above the
	// floor. The cache's own used memory counts as reclaimable headroom.
	headroom := m.used + free
	if headroom > floor {
		headroom -= floor
	} else {
		headroom = 0
	}
	if budget > headroom {
		budget = headroom
	}
	if budget < m.opts.MinBudgetMB*bytesPerMB {
		budget = 0
	}
	if budget != m.budget {
		Logger().Info("omm: memory budget changed",
			"budget", budget, "previous", m.budget, "used", m.used, "free", free)
	}
	m.budget = budget
}

// noteFrameEndFreeMemory samples free memory at frame end for the next
// frame's min() guard.
func (m *memoryManager) noteFrameEndFreeMemory() {
	info, err := m.dev.MemoryInfo()
	if err != nil {
		return
	}
	m.frameEndFree = info.Free
	m.haveFrameEndFree = true
}
