package omm

// Stats is a snapshot of cache occupancy and memory use for diagnostics.
type Stats struct {
	// Per-state item counts.
	Unprocessed int
	Baking      int
	Baked       int
	Built       int
	Ready       int

	// Memory accounting in bytes.
	UsedBytes           uint64
	BudgetBytes         uint64
	PendingReleaseBytes uint64

	// Bookkeeping sizes.
	StagedRequests int
	BlackListed    int

	// Per-frame activity.
	RequestsThisFrame uint32
	BoundThisFrame    int

	// HashCollisions is the running count detected by the collision
	// registry.
	HashCollisions uint64
}

// Stats returns the current snapshot.
func (m *Manager) Stats() Stats {
	s := Stats{
		UsedBytes:           m.mem.used,
		BudgetBytes:         m.mem.budget,
		PendingReleaseBytes: m.mem.pendingReleaseTotal(),
		StagedRequests:      len(m.reqStats),
		BlackListed:         len(m.blackList),
		RequestsThisFrame:   m.numRequestsThisFrame,
		BoundThisFrame:      len(m.boundThisFrame),
		HashCollisions:      m.collisions.Collisions(),
	}
	for _, it := range m.items {
		switch it.state {
		case stateUnprocessed:
			s.Unprocessed++
		case stateBaking:
			s.Baking++
		case stateBaked:
			s.Baked++
		case stateBuilt:
			s.Built++
		case stateReady:
			s.Ready++
		}
	}
	return s
}

// LogStatistics writes the current snapshot to the configured logger at
// debug level.
func (m *Manager) LogStatistics() {
	s := m.Stats()
	Logger().Debug("omm: statistics",
		"unprocessed", s.Unprocessed,
		"baking", s.Baking,
		"baked", s.Baked,
		"built", s.Built,
		"ready", s.Ready,
		"usedMB", s.UsedBytes/bytesPerMB,
		"budgetMB", s.BudgetBytes/bytesPerMB,
		"pendingReleaseMB", s.PendingReleaseBytes/bytesPerMB,
		"staged", s.StagedRequests,
		"blackListed", s.BlackListed,
		"requests", s.RequestsThisFrame,
		"bound", s.BoundThisFrame,
		"collisions", s.HashCollisions,
	)
}
