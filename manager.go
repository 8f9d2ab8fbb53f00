package omm

import (
	"container/list"
	"math"
	"time"

	"github.com/gogpu/omm/gpucore"
	"github.com/gogpu/omm/internal/collision"
)

// Manager is the opacity micromap cache: it registers build requests from
// scene instances, bakes and builds micromaps under per-frame budgets, and
// binds finished micromaps into acceleration structure geometry.
//
// All methods must be called from the single frame submission goroutine.
// Construct one Manager per device; there is no global state.
type Manager struct {
	dev      gpucore.Device
	textures TextureSet
	opts     Options

	mem        *memoryManager
	collisions *collision.Registry

	// frame is the cache's own frame counter, advanced by OnFrameStart.
	frame uint32

	items      map[uint64]*cacheItem
	sourceData map[uint64]*cachedSourceData
	blackList  map[uint64]struct{}
	reqStats   map[uint64]*requestStats

	// State lists hold item hashes: unprocessed (Unprocessed and Baking,
	// ascending triangle count with quad-sliced requests last), baked and
	// built (insertion order; built also holds Ready items). lru is the
	// recency list, front = most recently used.
	unprocessed *list.List
	baked       *list.List
	built       *list.List
	lru         *list.List

	// Weak instance registry: live instances with pending requests, keyed
	// by ID, plus the set of pending hashes each instance backs.
	instances         map[uint64]Instance
	pendingByInstance map[uint64]map[uint64]struct{}
	instanceHashes    map[uint64]uint64
	deferredDestroys  []uint64

	// Texel-density estimates by item hash, plus whole-instance estimates
	// staged before the instance's item hashes are known.
	estimates      map[uint64]*texelEstimate
	staged         map[uint64]*texelEstimate
	estimateBudget uint32

	// boundThisFrame tracks hashes bound into this frame's acceleration
	// structure geometry; their buffers must outlive the frame.
	boundThisFrame map[uint64]struct{}

	// needsBarrier is set when a Built (not yet Ready) item was bound and
	// OnBlasBuild must order the build writes before AS reads.
	needsBarrier bool

	// missingMemory accumulates allocation shortfalls this frame, feeding
	// next frame's eviction pressure.
	missingMemory   uint64
	hasEnoughMemory bool

	scratch     gpucore.BufferID
	scratchSize uint64

	pendingOpts *Options

	numRequestsThisFrame uint32
}

// NewManager creates a Manager over the given device and texture set.
// Invalid numeric option fields are replaced by their defaults.
func NewManager(dev gpucore.Device, textures TextureSet, opts Options) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		dev:      dev,
		textures: textures,
		opts:     opts,

		collisions: collision.NewRegistry(),

		items:      make(map[uint64]*cacheItem),
		sourceData: make(map[uint64]*cachedSourceData),
		blackList:  make(map[uint64]struct{}),
		reqStats:   make(map[uint64]*requestStats),

		unprocessed: list.New(),
		baked:       list.New(),
		built:       list.New(),
		lru:         list.New(),

		instances:         make(map[uint64]Instance),
		pendingByInstance: make(map[uint64]map[uint64]struct{}),
		instanceHashes:    make(map[uint64]uint64),

		estimates: make(map[uint64]*texelEstimate),
		staged:    make(map[uint64]*texelEstimate),

		boundThisFrame: make(map[uint64]struct{}),
	}
	m.mem = newMemoryManager(dev, &m.opts)
	return m
}

// SetOptions replaces the configuration at the next frame start. Changing
// a field that participates in the content hash or the bake policy
// (subdivision level, encoding forcing, vertex/texture operations, texel
// estimation knobs) invalidates the whole cache including the black list.
// MaxFramesInFlight and RetainPreviousAccelStructure are fixed at
// construction and ignored here.
func (m *Manager) SetOptions(opts Options) {
	opts = opts.withDefaults()
	opts.MaxFramesInFlight = m.opts.MaxFramesInFlight
	opts.RetainPreviousAccelStructure = m.opts.RetainPreviousAccelStructure
	m.pendingOpts = &opts
}

// IsActive reports whether the cache currently operates. A zero budget
// silently disables the whole feature until memory recovers.
func (m *Manager) IsActive() bool {
	return m.mem.budget > 0
}

// OnFrameStart advances the frame, applies pending option changes,
// recomputes the memory budget, evicts under memory pressure, and recycles
// the oldest pending-release slot. Call once per frame before registration.
func (m *Manager) OnFrameStart() {
	m.frame++
	m.applyPendingOptions()
	if m.opts.ResetEveryFrame {
		m.clear(false)
	}
	m.purgeStaleRequestStats()

	m.boundThisFrame = make(map[uint64]struct{})

	m.mem.updateBudget()
	if m.mem.budget == 0 {
		if m.mem.prevBudget != 0 {
			Logger().Info("omm: budget collapsed to zero, clearing cache")
			m.clear(false)
		}
	} else {
		missing := m.missingMemory
		if m.mem.used > m.mem.budget {
			missing += m.mem.used - m.mem.budget
		}
		if missing > 0 {
			m.evict(missing, m.mem.budgetDecreased())
		}
	}
	m.missingMemory = 0

	// The ring rotates last so this frame's evictions wait the full delay.
	m.mem.onFrameStart()

	m.hasEnoughMemory = m.mem.available() >= bytesPerMB
	m.estimateBudget = m.opts.MaxTrianglesToEstimatePerFrame
	m.numRequestsThisFrame = 0
}

// OnFrameEnd drops per-frame staging state and samples end-of-frame free
// memory for the next budget computation.
func (m *Manager) OnFrameEnd() {
	if len(m.staged) > 0 {
		m.staged = make(map[uint64]*texelEstimate)
	}
	m.mem.noteFrameEndFreeMemory()
}

// OnFinishedBuilding releases the build scratch buffer. Call after the
// frame's acceleration structure builds have been submitted.
func (m *Manager) OnFinishedBuilding() {
	if m.scratch == gpucore.InvalidID {
		return
	}
	m.mem.releaseBuffers(m.scratch)
	m.scratch = gpucore.InvalidID
	m.scratchSize = 0
}

// Clear destroys every cache item and releases its memory through the
// pending-release ring. The black list survives; only a configuration
// change that redefines the content hash discards it.
func (m *Manager) Clear() {
	m.clear(false)
}

// RegisterBuildRequest converts a scene instance into build requests and
// stages or accepts them. It returns false when the instance is not a
// candidate, its textures are not resident, the budget is zero, or every
// request was filtered; returning false carries no penalty and the caller
// should simply try again next frame.
func (m *Manager) RegisterBuildRequest(inst Instance) bool {
	if !m.opts.EnableBaking || m.mem.budget == 0 {
		return false
	}
	reqs := m.buildRequests(inst)
	if len(reqs) == 0 {
		return false
	}
	if !m.texturesResident(inst) {
		return false
	}

	if reqs[0].quadSlice != QuadSliceNone {
		hashes := make([]uint64, len(reqs))
		for i := range reqs {
			hashes[i] = reqs[i].hash
		}
		ih := instanceHash(hashes)
		// A changed compound hash means new vertex data; any staged
		// whole-instance estimate is stale.
		if prev, ok := m.instanceHashes[inst.ID()]; ok && prev != ih {
			delete(m.staged, inst.ID())
		}
		m.instanceHashes[inst.ID()] = ih
	}

	accepted := false
	for i := range reqs {
		if m.registerRequest(&reqs[i]) {
			accepted = true
		}
	}
	if accepted {
		m.numRequestsThisFrame++
	}
	return accepted
}

// registerRequest deduplicates one request against the cache. It validates
// compatibility with an existing item (a mismatch is a detected hash
// collision), relinks orphaned Baking items, and otherwise inserts a new
// Unprocessed item once the request passes the throttling filters.
func (m *Manager) registerRequest(r *request) bool {
	if _, black := m.blackList[r.hash]; black {
		return false
	}
	if it, ok := m.items[r.hash]; ok {
		if !it.compatibleWith(r.triangleCount, r.format) {
			Logger().Warn("omm: incompatible request for cached item, black-listing",
				"hash", r.hash, "triangles", r.triangleCount, "format", r.format)
			m.destroyItem(it)
			m.blackList[r.hash] = struct{}{}
			return false
		}
		if (it.state == stateUnprocessed || it.state == stateBaking) && m.sourceData[r.hash] == nil {
			m.linkSourceData(r)
			if it.stateElem == nil {
				it.stateElem = m.insertUnprocessed(it)
			}
		}
		return true
	}
	if !m.passesFilters(r) {
		return false
	}
	delete(m.reqStats, r.hash)

	it := &cacheItem{
		hash:             r.hash,
		state:            stateUnprocessed,
		subdivisionLevel: m.opts.SubdivisionLevel,
		format:           r.format,
		triangleCount:    r.triangleCount,
		lastUsedFrame:    m.frame,
		quadSliced:       r.quadSlice != QuadSliceNone,
	}
	m.items[r.hash] = it
	it.stateElem = m.insertUnprocessed(it)
	it.lruElem = m.lru.PushFront(r.hash)
	m.linkSourceData(r)
	Logger().Debug("omm: request accepted", "hash", r.hash,
		"triangles", r.triangleCount, "format", r.format)
	return true
}

// insertUnprocessed inserts the item's hash into the unprocessed list:
// ascending triangle count so cheap items complete and free their CPU
// bookkeeping fastest, with quad-sliced (low priority) items after all
// standard ones.
func (m *Manager) insertUnprocessed(it *cacheItem) *list.Element {
	if it.quadSliced {
		return m.unprocessed.PushBack(it.hash)
	}
	for e := m.unprocessed.Front(); e != nil; e = e.Next() {
		other := m.items[e.Value.(uint64)]
		if other.quadSliced || other.triangleCount > it.triangleCount {
			return m.unprocessed.InsertBefore(it.hash, e)
		}
	}
	return m.unprocessed.PushBack(it.hash)
}

func (m *Manager) linkSourceData(r *request) {
	id := r.inst.ID()
	m.sourceData[r.hash] = &cachedSourceData{
		instanceID:     id,
		triangleOffset: r.triangleOffset(),
		triangleCount:  r.triangleCount,
		quadSlice:      r.quadSlice,
	}
	pending := m.pendingByInstance[id]
	if pending == nil {
		pending = make(map[uint64]struct{})
		m.pendingByInstance[id] = pending
	}
	pending[r.hash] = struct{}{}
	m.instances[id] = r.inst
}

// unlinkSourceData severs an item's back-reference to its source instance
// once geometry reads are complete or the item is destroyed.
func (m *Manager) unlinkSourceData(hash uint64) {
	sd, ok := m.sourceData[hash]
	if !ok {
		return
	}
	delete(m.sourceData, hash)
	if pending := m.pendingByInstance[sd.instanceID]; pending != nil {
		delete(pending, hash)
		if len(pending) == 0 {
			delete(m.pendingByInstance, sd.instanceID)
			delete(m.instances, sd.instanceID)
			delete(m.instanceHashes, sd.instanceID)
		}
	}
}

// stateList returns the list owning items in state s.
func (m *Manager) stateList(s itemState) *list.List {
	switch s {
	case stateUnprocessed, stateBaking:
		return m.unprocessed
	case stateBaked:
		return m.baked
	default:
		return m.built
	}
}

// destroyItem erases the item and releases its device memory through the
// pending-release ring.
func (m *Manager) destroyItem(it *cacheItem) {
	m.releaseItemResources(it)
	if it.stateElem != nil {
		m.stateList(it.state).Remove(it.stateElem)
		it.stateElem = nil
	}
	if it.lruElem != nil {
		m.lru.Remove(it.lruElem)
		it.lruElem = nil
	}
	m.unlinkSourceData(it.hash)
	delete(m.estimates, it.hash)
	delete(m.items, it.hash)
}

func (m *Manager) releaseItemResources(it *cacheItem) {
	m.mem.releaseBuffers(it.arrayBuffer, it.indexBuffer, it.descBuffer, it.micromapBuffer)
	m.mem.releaseMicromap(it.micromap)
	if size := it.deviceSize(); size > 0 {
		m.mem.release(size)
	}
	it.arrayBuffer, it.indexBuffer, it.descBuffer, it.micromapBuffer = gpucore.InvalidID, gpucore.InvalidID, gpucore.InvalidID, gpucore.InvalidID
	it.micromap = gpucore.InvalidID
	it.arrayBufferSize, it.micromapBufferSize = 0, 0
}

// evict walks the LRU list from its cold end while the missing amount
// exceeds what the pending-release ring will already return. Under a
// stable budget it stops at the first item used more recently than the
// minimum idle age; a decreased budget forces past that to shrink quickly.
func (m *Manager) evict(missing uint64, forced bool) {
	for e := m.lru.Back(); e != nil && missing > m.mem.pendingReleaseTotal(); {
		prev := e.Prev()
		it := m.items[e.Value.(uint64)]
		if !forced && m.frame-it.lastUsedFrame < m.opts.MinUsageFrameAgeBeforeEviction {
			break
		}
		Logger().Debug("omm: evicting", "hash", it.hash, "state", it.state.String(),
			"size", it.deviceSize())
		m.destroyItem(it)
		e = prev
	}
}

func (m *Manager) clear(clearBlackList bool) {
	for _, it := range m.items {
		m.releaseItemResources(it)
	}
	m.items = make(map[uint64]*cacheItem)
	m.sourceData = make(map[uint64]*cachedSourceData)
	m.reqStats = make(map[uint64]*requestStats)
	m.instances = make(map[uint64]Instance)
	m.pendingByInstance = make(map[uint64]map[uint64]struct{})
	m.instanceHashes = make(map[uint64]uint64)
	m.deferredDestroys = m.deferredDestroys[:0]
	m.estimates = make(map[uint64]*texelEstimate)
	m.staged = make(map[uint64]*texelEstimate)
	m.boundThisFrame = make(map[uint64]struct{})
	m.needsBarrier = false
	m.unprocessed.Init()
	m.baked.Init()
	m.built.Init()
	m.lru.Init()
	if clearBlackList {
		m.blackList = make(map[uint64]struct{})
		m.collisions.Clear()
	}
}

// applyPendingOptions swaps in options staged by SetOptions. Changes that
// redefine the content hash or the bake policy invalidate everything,
// black list included, because previously black-listed hashes no longer
// mean anything.
func (m *Manager) applyPendingOptions() {
	if m.pendingOpts == nil {
		return
	}
	o := *m.pendingOpts
	m.pendingOpts = nil

	invalidate := o.SubdivisionLevel != m.opts.SubdivisionLevel ||
		o.Force2State != m.opts.Force2State ||
		o.EnableVertexAndTextureOperations != m.opts.EnableVertexAndTextureOperations ||
		o.MaxTexelTaps != m.opts.MaxTexelTaps ||
		o.CostPerExtraTexelTap != m.opts.CostPerExtraTexelTap ||
		o.MinValidTrianglePercentage != m.opts.MinValidTrianglePercentage
	m.opts = o
	if invalidate {
		Logger().Info("omm: configuration change invalidates cache")
		m.clear(true)
	}
}

// BuildMicromaps runs the per-frame bake and build passes under budgets
// derived from the configured throughput rates and the measured frame
// time, then performs any instance teardown deferred by the bake pass.
// Call once per frame between registration and OnBlasBuild.
func (m *Manager) BuildMicromaps(lastCameraCutFrame uint32, frameTime time.Duration) {
	if !m.IsActive() {
		return
	}
	if frameTime <= 0 {
		frameTime = time.Second / 60
	}
	scale := workloadScale(frameTime)
	if m.opts.HighWorkloadFrames > 0 && m.frame-lastCameraCutFrame < m.opts.HighWorkloadFrames {
		scale *= m.opts.HighWorkloadMultiplier
	}
	bakeBudget := perFrameBudget(m.opts.BakeMillionMicroTrianglesPerSecond, frameTime, scale)
	buildBudget := perFrameBudget(m.opts.BuildMillionMicroTrianglesPerSecond, frameTime, scale)
	if m.opts.UnlimitedBudget {
		bakeBudget, buildBudget = math.MaxUint32, math.MaxUint32
	}

	if m.opts.EnableBaking {
		m.bakePass(&bakeBudget)
	}
	if m.opts.EnableBuilding {
		m.buildPass(&buildBudget)
	}

	for _, id := range m.deferredDestroys {
		m.destroyInstance(id)
	}
	m.deferredDestroys = m.deferredDestroys[:0]
}

// workloadScale smooths per-frame budgets against frame time so per-frame
// overhead stays roughly constant across a 25-200 FPS range. Any monotonic
// curve would do; this one grows budgets sublinearly on slow frames and
// clamps at the band edges.
func workloadScale(frameTime time.Duration) float64 {
	const (
		baseline = 1.0 / 60.0
		exponent = 0.28
		low      = 0.714 // value at 200 FPS
		high     = 1.278 // value at 25 FPS
	)
	s := math.Pow(frameTime.Seconds()/baseline, exponent)
	return math.Min(math.Max(s, low), high)
}

// perFrameBudget converts a million-per-second rate into this frame's
// micro-triangle budget.
func perFrameBudget(millionPerSecond float64, frameTime time.Duration, scale float64) uint32 {
	b := millionPerSecond * 1e6 * frameTime.Seconds() * scale
	if b >= math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(b)
}

// OnInstanceAdded implements InstanceObserver. The cache has nothing to do
// until the instance registers a build request.
func (m *Manager) OnInstanceAdded(inst Instance) {}

// OnInstanceUpdated implements InstanceObserver. It refreshes the weak
// instance reference and advances texel-density estimation for the
// instance's pending items under the per-frame triangle budget. For
// brand-new quad-batched geometry whose item hashes are not known yet, a
// whole-instance estimate is staged instead so baking can start the moment
// the requests are accepted.
func (m *Manager) OnInstanceUpdated(inst Instance, transformChanged, verticesChanged, firstUpdateThisFrame bool) {
	id := inst.ID()
	if _, ok := m.instances[id]; ok {
		m.instances[id] = inst
	}
	if verticesChanged {
		delete(m.staged, id)
	}
	if !m.hasEnoughMemory || m.estimateBudget == 0 {
		return
	}

	advanced := false
	for hash := range m.pendingByInstance[id] {
		it := m.items[hash]
		sd := m.sourceData[hash]
		if it == nil || sd == nil {
			continue
		}
		if est, ok := m.estimates[hash]; ok && !est.done {
			m.advanceEstimate(est, inst, sd.triangleOffset, sd.triangleCount)
			advanced = true
		}
	}
	if !advanced && inst.FrameAge() == 0 && inst.QuadCount() > 0 && m.supportsInstance(inst) {
		st := m.staged[id]
		if st == nil {
			st = &texelEstimate{}
			m.staged[id] = st
		}
		m.advanceEstimate(st, inst, 0, inst.TriangleCount())
	}
}

// OnInstanceDestroyed implements InstanceObserver.
func (m *Manager) OnInstanceDestroyed(inst Instance) {
	m.destroyInstance(inst.ID())
}

// destroyInstance tears down everything still depending on the instance's
// geometry. Unprocessed items die with their source; partially baked items
// keep their memory and progress but leave the unprocessed list until a
// future registration relinks a source. Baked and later items no longer
// read the geometry and are untouched.
func (m *Manager) destroyInstance(id uint64) {
	delete(m.staged, id)

	pending := m.pendingByInstance[id]
	if len(pending) > 0 {
		hashes := make([]uint64, 0, len(pending))
		for h := range pending {
			hashes = append(hashes, h)
		}
		for _, h := range hashes {
			it := m.items[h]
			if it == nil {
				m.unlinkSourceData(h)
				continue
			}
			switch it.state {
			case stateUnprocessed:
				m.destroyItem(it)
			case stateBaking:
				if it.stateElem != nil {
					m.unprocessed.Remove(it.stateElem)
					it.stateElem = nil
				}
				m.unlinkSourceData(h)
			default:
				m.unlinkSourceData(h)
			}
		}
	}
	delete(m.pendingByInstance, id)
	delete(m.instances, id)
	delete(m.instanceHashes, id)
}

// deferInstanceDestroy queues an instance for teardown after the current
// list iteration; destroying it inline could erase entries of the very
// list being walked.
func (m *Manager) deferInstanceDestroy(id uint64) {
	for _, queued := range m.deferredDestroys {
		if queued == id {
			return
		}
	}
	m.deferredDestroys = append(m.deferredDestroys, id)
}
