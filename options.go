package omm

import "github.com/gogpu/omm/gpucore"

// Default configuration constants.
const (
	// DefaultMaxBudgetPercentage is the share of total device memory the
	// cache may claim.
	DefaultMaxBudgetPercentage = 0.15
	// DefaultMinBudgetMB is the smallest viable budget; a computed budget
	// below it collapses to zero and disables the cache.
	DefaultMinBudgetMB = 128
	// DefaultMaxBudgetMB is the absolute budget cap.
	DefaultMaxBudgetMB = 1536
	// DefaultMinFreeMemoryMB is the free-memory hard floor; the budget is
	// recomputed whenever free memory drops below it.
	DefaultMinFreeMemoryMB = 512
	// DefaultFreeMemoryBufferMB widens the hysteresis band above the floor
	// within which the budget is kept stable.
	DefaultFreeMemoryBufferMB = 384
	// DefaultMaxFramesInFlight is the number of frames the GPU may still
	// reference released buffers.
	DefaultMaxFramesInFlight = 3
	// DefaultMinUsageFrameAge is how many frames an item must go unused
	// before it becomes evictable under a stable budget.
	DefaultMinUsageFrameAge = 900
	// DefaultSubdivisionLevel yields 4^8 = 65536 micro-triangles per triangle.
	DefaultSubdivisionLevel = 8
	// DefaultBakeMillionMicroTrianglesPerSecond is the baking throughput
	// budget, scaled per frame by measured frame time.
	DefaultBakeMillionMicroTrianglesPerSecond = 300
	// DefaultBuildMillionMicroTrianglesPerSecond is the build throughput budget.
	DefaultBuildMillionMicroTrianglesPerSecond = 300
	// DefaultMaxTexelTaps caps the sampling footprint per micro-triangle.
	DefaultMaxTexelTaps = 64
	// DefaultCostPerExtraTexelTap weights bake budget consumption by taps.
	DefaultCostPerExtraTexelTap = 0.45
	// DefaultMinValidTrianglePercentage is the fraction of a mesh's
	// triangles that must fit the tap cap before the mesh is rejected.
	DefaultMinValidTrianglePercentage = 0.75
	// DefaultMaxTrianglesToEstimatePerFrame bounds CPU texel-density
	// estimation work per frame.
	DefaultMaxTrianglesToEstimatePerFrame = 1536
	// DefaultMinResidentMips is the smallest-mip count an opacity texture
	// must have uploaded before baking may sample it.
	DefaultMinResidentMips = 12
	// DefaultMaxQuadSlices caps per-quad splitting of batched geometry.
	DefaultMaxQuadSlices = 16
	// DefaultMaxStagedRequests bounds CPU bookkeeping during request bursts.
	DefaultMaxStagedRequests = 5000
	// DefaultMaxRequestFrameAge purges request statistics not refreshed for
	// this many frames.
	DefaultMaxRequestFrameAge = 300
	// DefaultHighWorkloadMultiplier boosts budgets right after a camera cut.
	DefaultHighWorkloadMultiplier = 20
)

// Request filter defaults. Quad-sliced (particle-style) requests use the
// relaxed set so short-lived batched geometry can still complete.
const (
	DefaultMinInstanceFrameAge = 1
	DefaultMinNumRequests      = 10
	DefaultMinFramesRequested  = 5

	DefaultMinInstanceFrameAgeQuads = 0
	DefaultMinNumRequestsQuads      = 2
	DefaultMinFramesRequestedQuads  = 0
)

// Classification thresholds for sampled alpha.
const (
	DefaultTransparencyThreshold = 1.0 / 255.0
	DefaultOpaquenessThreshold   = 254.0 / 255.0
)

// Options configures a Manager. Start from DefaultOptions and override
// fields; zero or negative numeric fields are replaced by their defaults
// when the Manager is created.
type Options struct {
	// EnableBinding, EnableBaking and EnableBuilding gate the three pipeline
	// surfaces independently.
	EnableBinding  bool
	EnableBaking   bool
	EnableBuilding bool

	// EnableParticles admits particle-material instances as candidates.
	EnableParticles bool

	// EnableAnimatedInstances admits animated instances as candidates.
	EnableAnimatedInstances bool

	// EnableVertexAndTextureOperations includes texture-stage state and the
	// texture transform in the content hash. Changing it invalidates the
	// whole cache.
	EnableVertexAndTextureOperations bool

	// RetainPreviousAccelStructure adds one slot to the pending-release ring
	// when the host keeps the previous frame's acceleration structure alive.
	RetainPreviousAccelStructure bool

	// Memory budget.
	MaxBudgetPercentage float64
	MinBudgetMB         uint64
	MaxBudgetMB         uint64
	MinFreeMemoryMB     uint64
	FreeMemoryBufferMB  uint64
	MaxFramesInFlight   uint32

	// Eviction.
	MinUsageFrameAgeBeforeEviction uint32

	// Request filters (see the Default*Quads constants for the relaxed
	// quad-sliced set).
	MinInstanceFrameAge      uint32
	MinNumRequests           uint32
	MinFramesRequested       uint32
	MinInstanceFrameAgeQuads uint32
	MinNumRequestsQuads      uint32
	MinFramesRequestedQuads  uint32
	MaxStagedRequests        uint32
	MaxRequestFrameAge       uint32
	MaxQuadSlices            uint32

	// Baking and building.
	SubdivisionLevel                    uint16
	Force2State                         bool
	BakeMillionMicroTrianglesPerSecond  float64
	BuildMillionMicroTrianglesPerSecond float64
	MaxTexelTaps                        uint32
	CostPerExtraTexelTap                float32
	MinValidTrianglePercentage          float64
	MaxTrianglesToEstimatePerFrame      uint32
	MinResidentMips                     uint32
	TransparencyThreshold               float32
	OpaquenessThreshold                 float32

	// HighWorkloadMultiplier scales per-frame budgets for
	// HighWorkloadFrames frames after a camera cut.
	HighWorkloadMultiplier float64
	HighWorkloadFrames     uint32

	// UnlimitedBudget removes per-frame micro-triangle caps. Debug only.
	UnlimitedBudget bool

	// ResetEveryFrame clears the cache at every frame start. Debug only.
	ResetEveryFrame bool
}

// DefaultOptions returns the fully populated default configuration.
func DefaultOptions() Options {
	return Options{
		EnableBinding:  true,
		EnableBaking:   true,
		EnableBuilding: true,

		EnableParticles: true,

		MaxBudgetPercentage: DefaultMaxBudgetPercentage,
		MinBudgetMB:         DefaultMinBudgetMB,
		MaxBudgetMB:         DefaultMaxBudgetMB,
		MinFreeMemoryMB:     DefaultMinFreeMemoryMB,
		FreeMemoryBufferMB:  DefaultFreeMemoryBufferMB,
		MaxFramesInFlight:   DefaultMaxFramesInFlight,

		MinUsageFrameAgeBeforeEviction: DefaultMinUsageFrameAge,

		MinInstanceFrameAge:      DefaultMinInstanceFrameAge,
		MinNumRequests:           DefaultMinNumRequests,
		MinFramesRequested:       DefaultMinFramesRequested,
		MinInstanceFrameAgeQuads: DefaultMinInstanceFrameAgeQuads,
		MinNumRequestsQuads:      DefaultMinNumRequestsQuads,
		MinFramesRequestedQuads:  DefaultMinFramesRequestedQuads,
		MaxStagedRequests:        DefaultMaxStagedRequests,
		MaxRequestFrameAge:       DefaultMaxRequestFrameAge,
		MaxQuadSlices:            DefaultMaxQuadSlices,

		SubdivisionLevel:                    DefaultSubdivisionLevel,
		BakeMillionMicroTrianglesPerSecond:  DefaultBakeMillionMicroTrianglesPerSecond,
		BuildMillionMicroTrianglesPerSecond: DefaultBuildMillionMicroTrianglesPerSecond,
		MaxTexelTaps:                        DefaultMaxTexelTaps,
		CostPerExtraTexelTap:                DefaultCostPerExtraTexelTap,
		MinValidTrianglePercentage:          DefaultMinValidTrianglePercentage,
		MaxTrianglesToEstimatePerFrame:      DefaultMaxTrianglesToEstimatePerFrame,
		MinResidentMips:                     DefaultMinResidentMips,
		TransparencyThreshold:               DefaultTransparencyThreshold,
		OpaquenessThreshold:                 DefaultOpaquenessThreshold,

		HighWorkloadMultiplier: DefaultHighWorkloadMultiplier,
	}
}

// withDefaults returns a copy of o with invalid numeric fields replaced by
// their defaults. Boolean fields are taken as-is.
func (o Options) withDefaults() Options {
	if o.MaxBudgetPercentage <= 0 || o.MaxBudgetPercentage > 1 {
		o.MaxBudgetPercentage = DefaultMaxBudgetPercentage
	}
	if o.MinBudgetMB == 0 {
		o.MinBudgetMB = DefaultMinBudgetMB
	}
	if o.MaxBudgetMB == 0 {
		o.MaxBudgetMB = DefaultMaxBudgetMB
	}
	if o.MinFreeMemoryMB == 0 {
		o.MinFreeMemoryMB = DefaultMinFreeMemoryMB
	}
	if o.FreeMemoryBufferMB == 0 {
		o.FreeMemoryBufferMB = DefaultFreeMemoryBufferMB
	}
	if o.MaxFramesInFlight == 0 {
		o.MaxFramesInFlight = DefaultMaxFramesInFlight
	}
	if o.MaxStagedRequests == 0 {
		o.MaxStagedRequests = DefaultMaxStagedRequests
	}
	if o.MaxRequestFrameAge == 0 {
		o.MaxRequestFrameAge = DefaultMaxRequestFrameAge
	}
	if o.MaxQuadSlices == 0 {
		o.MaxQuadSlices = DefaultMaxQuadSlices
	}
	if o.SubdivisionLevel == 0 {
		o.SubdivisionLevel = DefaultSubdivisionLevel
	}
	if o.BakeMillionMicroTrianglesPerSecond <= 0 {
		o.BakeMillionMicroTrianglesPerSecond = DefaultBakeMillionMicroTrianglesPerSecond
	}
	if o.BuildMillionMicroTrianglesPerSecond <= 0 {
		o.BuildMillionMicroTrianglesPerSecond = DefaultBuildMillionMicroTrianglesPerSecond
	}
	if o.MaxTexelTaps == 0 {
		o.MaxTexelTaps = DefaultMaxTexelTaps
	}
	if o.CostPerExtraTexelTap <= 0 {
		o.CostPerExtraTexelTap = DefaultCostPerExtraTexelTap
	}
	if o.MinValidTrianglePercentage <= 0 || o.MinValidTrianglePercentage > 1 {
		o.MinValidTrianglePercentage = DefaultMinValidTrianglePercentage
	}
	if o.MaxTrianglesToEstimatePerFrame == 0 {
		o.MaxTrianglesToEstimatePerFrame = DefaultMaxTrianglesToEstimatePerFrame
	}
	if o.MinResidentMips == 0 {
		o.MinResidentMips = DefaultMinResidentMips
	}
	if o.TransparencyThreshold <= 0 {
		o.TransparencyThreshold = DefaultTransparencyThreshold
	}
	if o.OpaquenessThreshold <= 0 {
		o.OpaquenessThreshold = DefaultOpaquenessThreshold
	}
	if o.HighWorkloadMultiplier <= 0 {
		o.HighWorkloadMultiplier = DefaultHighWorkloadMultiplier
	}
	return o
}

// format selects the opacity encoding for an instance's requests. Purely
// alpha-tested surfaces only need a transparent/opaque cut-off; anything
// blended keeps the unknown states for shading to resolve.
func (o *Options) format(a AlphaState) gpucore.OpacityFormat {
	if o.Force2State {
		return gpucore.OpacityFormat2State
	}
	if a.AlphaTestEnabled && !a.BlendEnabled {
		return gpucore.OpacityFormat2State
	}
	return gpucore.OpacityFormat4State
}
