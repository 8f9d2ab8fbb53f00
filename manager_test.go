package omm

import (
	"math"
	"testing"
	"time"

	"github.com/gogpu/omm/gpucore"
)

const frame60 = time.Second / 60

func TestManagerFullLifecycle(t *testing.T) {
	m, dev, _ := newTestManager(testOptions())
	m.OnFrameStart()
	if !m.IsActive() {
		t.Fatal("manager should be active with plenty of free memory")
	}

	inst := newFakeInstance(1, 2)
	inst.lastUpdated = 1
	if !m.RegisterBuildRequest(inst) {
		t.Fatal("request should be accepted")
	}
	if s := m.Stats(); s.Unprocessed != 1 {
		t.Fatalf("Unprocessed = %d, want 1", s.Unprocessed)
	}

	m.BuildMicromaps(0, frame60)
	if s := m.Stats(); s.Built != 1 {
		t.Fatalf("Built = %d, want 1 (stats: %+v)", s.Built, s)
	}
	if len(dev.builds) != 1 || len(dev.builds[0]) != 1 {
		t.Fatalf("builds = %v, want one batch of one", dev.builds)
	}
	if len(dev.barriers) != 1 || dev.barriers[0] != (gpucore.Barrier{Src: gpucore.ScopeTransfer, Dst: gpucore.ScopeMicromapBuild}) {
		t.Fatalf("barriers = %v, want single transfer->build", dev.barriers)
	}

	var binding gpucore.MicromapBinding
	h := m.TryBind(inst, QuadSliceNone, &binding)
	if h == EmptyHash {
		t.Fatal("TryBind should return the content hash for a Built item")
	}
	if binding.Micromap == gpucore.InvalidID || binding.IndexBuffer == gpucore.InvalidID {
		t.Fatalf("binding not populated: %+v", binding)
	}
	if binding.IndexType != gpucore.IndexTypeUint16 || binding.BaseTriangle != 0 {
		t.Fatalf("binding = %+v, want 16-bit indices at base 0", binding)
	}
	// Idempotent within the frame.
	var again gpucore.MicromapBinding
	if h2 := m.TryBind(inst, QuadSliceNone, &again); h2 != h || again != binding {
		t.Fatalf("repeated TryBind diverged: %d vs %d", h2, h)
	}

	m.OnBlasBuild()
	if len(dev.barriers) != 2 || dev.barriers[1] != (gpucore.Barrier{Src: gpucore.ScopeMicromapBuild, Dst: gpucore.ScopeAccelBuild}) {
		t.Fatalf("barriers = %v, want build->accel appended", dev.barriers)
	}
	if s := m.Stats(); s.Ready != 1 || s.Built != 0 {
		t.Fatalf("stats after promotion: %+v", s)
	}

	// A second OnBlasBuild without a fresh Built binding is a no-op.
	m.OnBlasBuild()
	if len(dev.barriers) != 2 {
		t.Fatalf("barriers = %d, want 2", len(dev.barriers))
	}

	m.OnFinishedBuilding()
	m.OnFrameEnd()
}

func TestBuildMicromapsInactive(t *testing.T) {
	m, dev, _ := newTestManager(testOptions())
	// No OnFrameStart: budget is still zero.
	if m.IsActive() {
		t.Fatal("manager should be inactive before the first frame")
	}
	if m.RegisterBuildRequest(newFakeInstance(1, 2)) {
		t.Fatal("requests must be refused while the budget is zero")
	}
	m.BuildMicromaps(0, frame60)
	if dev.dispatches != 0 {
		t.Fatalf("dispatches = %d, want 0", dev.dispatches)
	}
}

func TestBakeResumesAcrossFrames(t *testing.T) {
	opts := testOptions()
	// About 8 micro-triangles of bake budget per 60 FPS frame; the item
	// needs 32.
	opts.BakeMillionMicroTrianglesPerSecond = 0.00048
	m, dev, _ := newTestManager(opts)

	inst := newFakeInstance(1, 2)
	m.OnFrameStart()
	inst.lastUpdated = 1
	if !m.RegisterBuildRequest(inst) {
		t.Fatal("request should be accepted")
	}
	m.BuildMicromaps(0, frame60)
	if s := m.Stats(); s.Baking != 1 {
		t.Fatalf("Baking = %d after first frame, want 1", s.Baking)
	}

	frames := 1
	for ; frames < 20; frames++ {
		m.OnFrameEnd()
		m.OnFrameStart()
		inst.lastUpdated = m.frame
		m.RegisterBuildRequest(inst)
		m.BuildMicromaps(0, frame60)
		if m.Stats().Built > 0 {
			break
		}
	}
	if s := m.Stats(); s.Built != 1 {
		t.Fatalf("item never finished baking: %+v", s)
	}
	if frames < 2 {
		t.Fatalf("bake finished in %d frames, want several", frames+1)
	}
	if dev.dispatches < 3 {
		t.Fatalf("dispatches = %d, want at least 3", dev.dispatches)
	}
}

func TestDestroyInstanceMidBakeKeepsProgress(t *testing.T) {
	opts := testOptions()
	opts.BakeMillionMicroTrianglesPerSecond = 0.00048
	m, _, _ := newTestManager(opts)

	inst := newFakeInstance(1, 2)
	m.OnFrameStart()
	inst.lastUpdated = 1
	m.RegisterBuildRequest(inst)
	m.BuildMicromaps(0, frame60)
	if s := m.Stats(); s.Baking != 1 {
		t.Fatalf("Baking = %d, want 1", s.Baking)
	}

	m.OnInstanceDestroyed(inst)
	if s := m.Stats(); s.Baking != 1 {
		t.Fatalf("partially baked item must survive its source: %+v", s)
	}
	if m.unprocessed.Len() != 0 {
		t.Fatal("orphaned baking item must leave the unprocessed list")
	}

	// Several frames pass without a source; nothing advances.
	for i := 0; i < 3; i++ {
		m.OnFrameEnd()
		m.OnFrameStart()
		m.BuildMicromaps(0, frame60)
	}
	if s := m.Stats(); s.Baking != 1 {
		t.Fatalf("orphaned item state changed: %+v", s)
	}

	// Re-registration relinks the source and baking resumes.
	for i := 0; i < 20 && m.Stats().Built == 0; i++ {
		m.OnFrameEnd()
		m.OnFrameStart()
		inst.lastUpdated = m.frame
		if !m.RegisterBuildRequest(inst) {
			t.Fatal("re-registration should be accepted")
		}
		m.BuildMicromaps(0, frame60)
	}
	if s := m.Stats(); s.Built != 1 {
		t.Fatalf("relinked item never finished: %+v", s)
	}
}

func TestDestroyInstanceUnprocessed(t *testing.T) {
	m, _, _ := newTestManager(testOptions())
	m.OnFrameStart()
	inst := newFakeInstance(1, 2)
	inst.lastUpdated = 1
	m.RegisterBuildRequest(inst)
	m.OnInstanceDestroyed(inst)
	if s := m.Stats(); s.Unprocessed != 0 {
		t.Fatalf("unprocessed item must die with its source: %+v", s)
	}
}

func TestStalledEstimateTearsDownInstance(t *testing.T) {
	m, _, _ := newTestManager(testOptions())
	m.OnFrameStart()
	// More triangles than one frame's estimation budget, and an instance
	// that is no longer being drawn.
	inst := newFakeInstance(1, 2000)
	inst.lastUpdated = 0
	m.RegisterBuildRequest(inst)
	m.BuildMicromaps(0, frame60)
	if s := m.Stats(); s.Unprocessed != 0 {
		t.Fatalf("stalled item of a stale instance must be torn down: %+v", s)
	}
}

func TestEstimateSpansFrames(t *testing.T) {
	m, _, _ := newTestManager(testOptions())
	m.OnFrameStart()
	inst := newFakeInstance(1, 2000)
	inst.lastUpdated = 1
	m.RegisterBuildRequest(inst)
	m.BuildMicromaps(0, frame60)
	if s := m.Stats(); s.Unprocessed != 1 {
		t.Fatalf("item should wait for its estimate: %+v", s)
	}

	m.OnFrameEnd()
	m.OnFrameStart()
	inst.lastUpdated = m.frame
	m.BuildMicromaps(0, frame60)
	if s := m.Stats(); s.Baking+s.Baked+s.Built != 1 {
		t.Fatalf("estimate should finish on the second frame: %+v", s)
	}
}

func TestNonResidentTexturesDeferBaking(t *testing.T) {
	m, _, tex := newTestManager(testOptions())
	m.OnFrameStart()

	inst := newFakeInstance(1, 2)
	inst.lastUpdated = 1
	tex.resident = false
	if m.RegisterBuildRequest(inst) {
		t.Fatal("registration must wait for resident textures")
	}

	tex.resident = true
	if !m.RegisterBuildRequest(inst) {
		t.Fatal("request should be accepted once textures are resident")
	}

	tex.resident = false
	m.BuildMicromaps(0, frame60)
	if s := m.Stats(); s.Unprocessed != 1 {
		t.Fatalf("bake must wait for resident textures: %+v", s)
	}

	tex.resident = true
	m.OnFrameEnd()
	m.OnFrameStart()
	inst.lastUpdated = m.frame
	m.BuildMicromaps(0, frame60)
	if s := m.Stats(); s.Built != 1 {
		t.Fatalf("item should complete once textures stream in: %+v", s)
	}
}

func TestRejectedMeshIsBlackListed(t *testing.T) {
	opts := testOptions()
	// Every triangle's footprint exceeds the cap on a 64x64 texture.
	opts.MaxTexelTaps = 4
	m, _, _ := newTestManager(opts)
	m.OnFrameStart()
	inst := newFakeInstance(1, 2)
	inst.lastUpdated = 1
	m.RegisterBuildRequest(inst)
	m.BuildMicromaps(0, frame60)
	s := m.Stats()
	if s.Unprocessed+s.Baking+s.Baked+s.Built+s.Ready != 0 {
		t.Fatalf("rejected item must be destroyed: %+v", s)
	}
	if s.BlackListed != 1 {
		t.Fatalf("BlackListed = %d, want 1", s.BlackListed)
	}
	if m.RegisterBuildRequest(inst) {
		t.Fatal("black-listed hash must not be re-accepted")
	}
}

func TestBakeFailureBlackLists(t *testing.T) {
	m, dev, _ := newTestManager(testOptions())
	m.OnFrameStart()
	inst := newFakeInstance(1, 2)
	inst.lastUpdated = 1
	m.RegisterBuildRequest(inst)
	dev.bakeErr = errFake
	m.BuildMicromaps(0, frame60)
	s := m.Stats()
	if s.BlackListed != 1 || s.Unprocessed+s.Baking != 0 {
		t.Fatalf("failed bake must black-list and destroy: %+v", s)
	}
}

func TestBuildBatchFailureBlackLists(t *testing.T) {
	m, dev, _ := newTestManager(testOptions())
	m.OnFrameStart()
	inst := newFakeInstance(1, 2)
	inst.lastUpdated = 1
	m.RegisterBuildRequest(inst)
	dev.buildErr = errFake
	m.BuildMicromaps(0, frame60)
	s := m.Stats()
	if s.BlackListed != 1 || s.Built != 0 {
		t.Fatalf("failed batch must black-list its items: %+v", s)
	}
}

func TestOutOfMemoryKeepsItemQueued(t *testing.T) {
	opts := testOptions()
	opts.MinBudgetMB = 1
	opts.MaxBudgetMB = 1
	opts.SubdivisionLevel = 8
	m, _, _ := newTestManager(opts)
	m.OnFrameStart()
	// The baked array alone exceeds a 1 MB budget at this subdivision.
	inst := newFakeInstance(1, 1000)
	inst.lastUpdated = 1
	m.RegisterBuildRequest(inst)
	m.BuildMicromaps(0, frame60)
	if s := m.Stats(); s.Unprocessed != 1 {
		t.Fatalf("item must stay queued on allocation failure: %+v", s)
	}
	if m.missingMemory == 0 {
		t.Fatal("allocation shortfall must be recorded")
	}
}

func TestBudgetCollapseClearsCache(t *testing.T) {
	m, dev, _ := newTestManager(testOptions())
	m.OnFrameStart()
	inst := newFakeInstance(1, 2)
	inst.lastUpdated = 1
	m.RegisterBuildRequest(inst)
	m.BuildMicromaps(0, frame60)
	m.OnFinishedBuilding()
	if m.Stats().Built != 1 {
		t.Fatal("setup: item should be built")
	}
	used := m.Stats().UsedBytes
	if used == 0 {
		t.Fatal("setup: built item should hold memory")
	}

	// Free memory drops below the floor: budget collapses, cache clears.
	dev.free = 100 * bytesPerMB
	m.OnFrameEnd()
	m.OnFrameStart()
	if m.IsActive() {
		t.Fatal("manager must deactivate when the budget collapses")
	}
	s := m.Stats()
	if s.Built != 0 || s.Ready != 0 {
		t.Fatalf("cache not cleared: %+v", s)
	}
	if s.PendingReleaseBytes == 0 {
		t.Fatal("cleared memory must go through the release ring")
	}

	// The ring returns the memory over the in-flight delay.
	for i := 0; i < int(DefaultMaxFramesInFlight); i++ {
		m.OnFrameEnd()
		m.OnFrameStart()
	}
	if s := m.Stats(); s.UsedBytes != 0 {
		t.Fatalf("UsedBytes = %d after ring drain, want 0", s.UsedBytes)
	}
	if len(dev.buffers) != 0 || len(dev.micromaps) != 0 {
		t.Fatalf("device resources leaked: %d buffers, %d micromaps",
			len(dev.buffers), len(dev.micromaps))
	}
}

func TestEvictRespectsIdleAge(t *testing.T) {
	opts := testOptions()
	opts.MinUsageFrameAgeBeforeEviction = 900
	m, _, _ := newTestManager(opts)
	m.OnFrameStart()
	for i := uint64(1); i <= 3; i++ {
		inst := newFakeInstance(i, 2)
		inst.lastUpdated = 1
		m.RegisterBuildRequest(inst)
	}

	// Recently used items survive eviction under a stable budget.
	m.evict(1<<20, false)
	if got := len(m.items); got != 3 {
		t.Fatalf("items = %d, want 3 (young items kept)", got)
	}

	// A decreased budget forces past the age check.
	m.evict(1<<20, true)
	if got := len(m.items); got != 0 {
		t.Fatalf("items = %d, want 0 after forced eviction", got)
	}
}

func TestEvictColdItemsFirst(t *testing.T) {
	opts := testOptions()
	opts.MinUsageFrameAgeBeforeEviction = 0
	m, _, _ := newTestManager(opts)
	m.OnFrameStart()

	first := newFakeInstance(1, 2)
	second := newFakeInstance(2, 2)
	first.lastUpdated = 1
	second.lastUpdated = 1
	m.RegisterBuildRequest(first)
	m.RegisterBuildRequest(second)
	m.BuildMicromaps(0, frame60)

	// Drain the pending-release ring: eviction only runs for memory the
	// ring cannot already return, and the builds just released the array
	// buffers into it.
	for i := uint32(0); i < DefaultMaxFramesInFlight; i++ {
		m.OnFrameEnd()
		m.OnFrameStart()
	}
	if pending := m.mem.pendingReleaseTotal(); pending != 0 {
		t.Fatalf("setup: pending release = %d, want drained ring", pending)
	}

	// Touch the first item so the second is the LRU cold end.
	var binding gpucore.MicromapBinding
	hFirst := m.TryBind(first, QuadSliceNone, &binding)
	if hFirst == EmptyHash {
		t.Fatal("setup: first item should bind")
	}

	// One item's worth of pressure evicts exactly the cold item.
	it := m.items[hFirst]
	m.evict(1, false)
	if len(m.items) != 1 {
		t.Fatalf("items = %d, want 1", len(m.items))
	}
	if m.items[hFirst] != it {
		t.Fatal("recently bound item must survive eviction")
	}
}

func TestClearKeepsBlackList(t *testing.T) {
	m, _, _ := newTestManager(testOptions())
	m.OnFrameStart()
	inst := newFakeInstance(1, 2)
	inst.lastUpdated = 1
	m.RegisterBuildRequest(inst)

	// Forge an equal-hash request with a different triangle count: a
	// detected collision that black-lists the hash.
	var h uint64
	for hash := range m.items {
		h = hash
	}
	forged := request{inst: inst, quadSlice: QuadSliceNone, triangleCount: 3,
		format: m.opts.format(inst.AlphaState()), hash: h}
	if m.registerRequest(&forged) {
		t.Fatal("incompatible request must be refused")
	}
	if s := m.Stats(); s.BlackListed != 1 || len(m.items) != 0 {
		t.Fatalf("incompatible request must black-list and destroy: %+v", s)
	}

	m.Clear()
	if s := m.Stats(); s.BlackListed != 1 {
		t.Fatalf("Clear must keep the black list: %+v", s)
	}

	// A hash-redefining option change discards it.
	opts := m.opts
	opts.SubdivisionLevel++
	m.SetOptions(opts)
	m.OnFrameEnd()
	m.OnFrameStart()
	if s := m.Stats(); s.BlackListed != 0 {
		t.Fatalf("option invalidation must drop the black list: %+v", s)
	}
}

func TestSetOptionsWithoutHashChangeKeepsCache(t *testing.T) {
	m, _, _ := newTestManager(testOptions())
	m.OnFrameStart()
	inst := newFakeInstance(1, 2)
	inst.lastUpdated = 1
	m.RegisterBuildRequest(inst)
	m.BuildMicromaps(0, frame60)

	opts := m.opts
	opts.BakeMillionMicroTrianglesPerSecond = 100
	m.SetOptions(opts)
	m.OnFrameEnd()
	m.OnFrameStart()
	if s := m.Stats(); s.Built != 1 {
		t.Fatalf("throughput change must not invalidate the cache: %+v", s)
	}
}

func TestResetEveryFrame(t *testing.T) {
	opts := testOptions()
	opts.ResetEveryFrame = true
	m, _, _ := newTestManager(opts)
	m.OnFrameStart()
	inst := newFakeInstance(1, 2)
	inst.lastUpdated = 1
	m.RegisterBuildRequest(inst)
	m.OnFrameEnd()
	m.OnFrameStart()
	if got := len(m.items); got != 0 {
		t.Fatalf("items = %d, want 0 after per-frame reset", got)
	}
}

func TestRequestFilterThrottling(t *testing.T) {
	opts := testOptions()
	opts.MinInstanceFrameAge = DefaultMinInstanceFrameAge
	opts.MinNumRequests = DefaultMinNumRequests
	opts.MinFramesRequested = DefaultMinFramesRequested
	m, _, _ := newTestManager(opts)

	inst := newFakeInstance(1, 2)
	accepted := 0
	var acceptedFrame uint32
	for frame := 1; frame <= 6; frame++ {
		m.OnFrameStart()
		inst.lastUpdated = m.frame
		for call := 0; call < 2; call++ {
			if m.RegisterBuildRequest(inst) {
				accepted++
				if acceptedFrame == 0 {
					acceptedFrame = m.frame
				}
			}
		}
		m.OnFrameEnd()
	}
	if accepted == 0 {
		t.Fatal("request never passed the filters")
	}
	// Ten requests across five distinct frames are required.
	if acceptedFrame != 5 {
		t.Fatalf("first acceptance on frame %d, want 5", acceptedFrame)
	}
}

func TestQuadRequestsUseRelaxedFilters(t *testing.T) {
	opts := testOptions()
	opts.MinInstanceFrameAge = DefaultMinInstanceFrameAge
	opts.MinNumRequests = DefaultMinNumRequests
	opts.MinFramesRequested = DefaultMinFramesRequested
	opts.MinNumRequestsQuads = DefaultMinNumRequestsQuads
	m, _, _ := newTestManager(opts)
	m.OnFrameStart()

	inst := newFakeQuadInstance(1, 2)
	inst.frameAge = 0
	inst.lastUpdated = 1
	if m.RegisterBuildRequest(inst) {
		t.Fatal("first quad request should still be throttled")
	}
	if !m.RegisterBuildRequest(inst) {
		t.Fatal("second quad request should pass the relaxed filters")
	}
	if s := m.Stats(); s.Unprocessed != 2 {
		t.Fatalf("Unprocessed = %d, want one item per quad slice", s.Unprocessed)
	}
}

func TestQuadSliceLifecycleAndBinding(t *testing.T) {
	m, _, _ := newTestManager(testOptions())
	m.OnFrameStart()

	inst := newFakeQuadInstance(1, 2)
	inst.lastUpdated = 1
	if !m.RegisterBuildRequest(inst) {
		t.Fatal("quad request should be accepted")
	}
	m.BuildMicromaps(0, frame60)
	if s := m.Stats(); s.Built != 2 {
		t.Fatalf("Built = %d, want 2", s.Built)
	}

	var b0, b1 gpucore.MicromapBinding
	h0 := m.TryBind(inst, 0, &b0)
	h1 := m.TryBind(inst, 1, &b1)
	if h0 == EmptyHash || h1 == EmptyHash || h0 == h1 {
		t.Fatalf("slice hashes = %d, %d, want two distinct", h0, h1)
	}
	if b0.BaseTriangle != 0 || b1.BaseTriangle != 2 {
		t.Fatalf("base triangles = %d, %d, want 0 and 2", b0.BaseTriangle, b1.BaseTriangle)
	}
	if b0.Micromap == b1.Micromap {
		t.Fatal("slices must bind distinct micromaps")
	}
}

func TestStagedEstimatePromotion(t *testing.T) {
	m, _, _ := newTestManager(testOptions())
	m.OnFrameStart()

	inst := newFakeQuadInstance(1, 2)
	inst.frameAge = 0
	inst.lastUpdated = 1

	// A brand-new quad batch with no accepted items yet stages a
	// whole-instance estimate.
	m.OnInstanceUpdated(inst, false, false, true)
	st := m.staged[inst.ID()]
	if st == nil || !st.done || len(st.taps) != 4 {
		t.Fatalf("staged estimate = %+v, want done over 4 triangles", st)
	}

	if !m.RegisterBuildRequest(inst) {
		t.Fatal("quad request should be accepted")
	}
	m.BuildMicromaps(0, frame60)
	if s := m.Stats(); s.Built != 2 {
		t.Fatalf("Built = %d, want 2", s.Built)
	}

	// Changed vertices drop a staged estimate. The instance has aged past
	// its first frame, so no fresh estimate is staged in its place.
	inst.frameAge = 1
	m.OnInstanceUpdated(inst, false, true, true)
	if m.staged[inst.ID()] != nil {
		t.Fatal("vertex change must drop the staged estimate")
	}

	m.OnFrameEnd()
	if len(m.staged) != 0 {
		t.Fatal("frame end must drop all staged estimates")
	}
}

func TestUnprocessedOrdering(t *testing.T) {
	m, _, _ := newTestManager(testOptions())
	m.OnFrameStart()

	big := newFakeInstance(1, 10)
	small := newFakeInstance(2, 2)
	quad := newFakeQuadInstance(3, 1)
	big.lastUpdated = 1
	small.lastUpdated = 1
	quad.lastUpdated = 1
	m.RegisterBuildRequest(big)
	m.RegisterBuildRequest(quad)
	m.RegisterBuildRequest(small)

	var order []uint32
	var sliced []bool
	for e := m.unprocessed.Front(); e != nil; e = e.Next() {
		it := m.items[e.Value.(uint64)]
		order = append(order, it.triangleCount)
		sliced = append(sliced, it.quadSliced)
	}
	want := []uint32{2, 10, 2}
	if len(order) != len(want) {
		t.Fatalf("unprocessed items = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if sliced[0] || sliced[1] || !sliced[2] {
		t.Fatalf("quad-sliced item must sort last: %v", sliced)
	}
}

func TestWorkloadScale(t *testing.T) {
	if s := workloadScale(frame60); math.Abs(s-1.0) > 1e-3 {
		t.Errorf("scale(1/60s) = %v, want ~1.0", s)
	}
	if s := workloadScale(time.Millisecond); s != 0.714 {
		t.Errorf("scale(1ms) = %v, want low clamp 0.714", s)
	}
	if s := workloadScale(time.Second); s != 1.278 {
		t.Errorf("scale(1s) = %v, want high clamp 1.278", s)
	}

	prev := 0.0
	for _, d := range []time.Duration{
		time.Millisecond, 5 * time.Millisecond, frame60,
		25 * time.Millisecond, 40 * time.Millisecond, time.Second,
	} {
		s := workloadScale(d)
		if s < prev {
			t.Fatalf("scale not monotonic at %v: %v < %v", d, s, prev)
		}
		prev = s
	}
}

func TestPerFrameBudget(t *testing.T) {
	got := perFrameBudget(300, time.Second/60, 1.0)
	want := uint32(300 * 1e6 / 60)
	if diff := int64(got) - int64(want); diff < -1000 || diff > 1000 {
		t.Errorf("perFrameBudget = %d, want ~%d", got, want)
	}
	if perFrameBudget(1e9, time.Second, 1.0) != math.MaxUint32 {
		t.Error("oversized budget must saturate")
	}
}

func TestTryBindGates(t *testing.T) {
	m, _, _ := newTestManager(testOptions())
	m.OnFrameStart()
	var binding gpucore.MicromapBinding

	if h := m.TryBind(newFakeInstance(1, 2), QuadSliceNone, &binding); h != EmptyHash {
		t.Errorf("unknown hash bound: %d", h)
	}

	opaque := newFakeInstance(2, 2)
	opaque.alpha = AlphaState{IsFullyOpaque: true, AlphaTestEnabled: true}
	if h := m.TryBind(opaque, QuadSliceNone, &binding); h != EmptyHash {
		t.Errorf("fully opaque instance bound: %d", h)
	}

	inst := newFakeInstance(3, 2)
	inst.lastUpdated = 1
	m.RegisterBuildRequest(inst)
	m.OnFrameEnd()
	m.OnFrameStart()
	// Still unprocessed: lookup refreshes recency but binds nothing.
	if h := m.TryBind(inst, QuadSliceNone, &binding); h != EmptyHash {
		t.Errorf("unprocessed item bound: %d", h)
	}
	for _, it := range m.items {
		if it.lastUsedFrame != m.frame {
			t.Error("TryBind must refresh item recency even before completion")
		}
	}

	disabled := testOptions()
	disabled.EnableBinding = false
	m2, _, _ := newTestManager(disabled)
	m2.OnFrameStart()
	inst2 := newFakeInstance(4, 2)
	inst2.lastUpdated = 1
	m2.RegisterBuildRequest(inst2)
	m2.BuildMicromaps(0, frame60)
	if h := m2.TryBind(inst2, QuadSliceNone, &binding); h != EmptyHash {
		t.Errorf("binding disabled but hash returned: %d", h)
	}
}

func TestSupportsInstance(t *testing.T) {
	m, _, _ := newTestManager(testOptions())

	tests := []struct {
		name string
		mut  func(*fakeInstance)
		want bool
	}{
		{"alpha tested", func(f *fakeInstance) {}, true},
		{"blended", func(f *fakeInstance) {
			f.alpha = AlphaState{BlendEnabled: true}
		}, true},
		{"emissive blend", func(f *fakeInstance) {
			f.alpha = AlphaState{EmissiveBlend: true}
		}, true},
		{"no alpha interaction", func(f *fakeInstance) {
			f.alpha = AlphaState{}
		}, false},
		{"fully opaque", func(f *fakeInstance) {
			f.alpha.IsFullyOpaque = true
		}, false},
		{"no triangles", func(f *fakeInstance) {
			f.triangleCount = 0
		}, false},
		{"no texcoords hash", func(f *fakeInstance) {
			f.texCoordHash = EmptyHash
		}, false},
		{"animated", func(f *fakeInstance) {
			f.animated = true
		}, false},
		{"ray portal", func(f *fakeInstance) {
			f.material = MaterialRayPortal
			f.alpha = AlphaState{}
		}, true},
		{"other material", func(f *fakeInstance) {
			f.material = MaterialOther
		}, false},
		{"particle disabled by default state", func(f *fakeInstance) {
			f.alpha.IsParticle = true
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := newFakeInstance(1, 2)
			tt.mut(inst)
			if got := m.supportsInstance(inst); got != tt.want {
				t.Errorf("supportsInstance = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("particles disabled", func(t *testing.T) {
		opts := testOptions()
		opts.EnableParticles = false
		m2, _, _ := newTestManager(opts)
		inst := newFakeInstance(1, 2)
		inst.alpha.IsParticle = true
		if m2.supportsInstance(inst) {
			t.Error("particle admitted with particles disabled")
		}
	})

	t.Run("animated enabled", func(t *testing.T) {
		opts := testOptions()
		opts.EnableAnimatedInstances = true
		m2, _, _ := newTestManager(opts)
		inst := newFakeInstance(1, 2)
		inst.animated = true
		if !m2.supportsInstance(inst) {
			t.Error("animated instance refused with animation enabled")
		}
	})
}

func TestOnFinishedBuildingReleasesScratch(t *testing.T) {
	m, _, _ := newTestManager(testOptions())
	m.OnFrameStart()
	inst := newFakeInstance(1, 2)
	inst.lastUpdated = 1
	m.RegisterBuildRequest(inst)
	m.BuildMicromaps(0, frame60)
	if m.scratch == gpucore.InvalidID {
		t.Fatal("build should have allocated scratch")
	}
	m.OnFinishedBuilding()
	if m.scratch != gpucore.InvalidID || m.scratchSize != 0 {
		t.Fatal("scratch must be released")
	}
	// Idempotent.
	m.OnFinishedBuilding()
}

func TestStatsSnapshot(t *testing.T) {
	m, _, _ := newTestManager(testOptions())
	m.OnFrameStart()
	inst := newFakeInstance(1, 2)
	inst.lastUpdated = 1
	m.RegisterBuildRequest(inst)
	m.BuildMicromaps(0, frame60)
	var binding gpucore.MicromapBinding
	m.TryBind(inst, QuadSliceNone, &binding)

	s := m.Stats()
	if s.Built != 1 || s.BoundThisFrame != 1 || s.RequestsThisFrame != 1 {
		t.Fatalf("stats = %+v", s)
	}
	if s.BudgetBytes == 0 || s.UsedBytes == 0 {
		t.Fatalf("memory fields empty: %+v", s)
	}
	m.LogStatistics()
}
