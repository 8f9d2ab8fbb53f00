package omm

// Result reports the outcome of a per-item pipeline step such as a bake
// dispatch or a micromap build.
type Result int

const (
	// ResultSuccess means the step completed for the item.
	ResultSuccess Result = iota

	// ResultFailure means the step failed and the item should be
	// destroyed.
	ResultFailure

	// ResultRejected means the item's source geometry is unsuitable for
	// a micromap and the item's hash should be blacklisted.
	ResultRejected

	// ResultOutOfMemory means the cache could not allocate the item's
	// buffers within the current budget. The item stays queued.
	ResultOutOfMemory

	// ResultOutOfBudget means this frame's workload budget is exhausted.
	// The item stays queued and processing resumes next frame.
	ResultOutOfBudget

	// ResultDependenciesUnavailable means the item's source textures are
	// not resident yet. The item stays queued.
	ResultDependenciesUnavailable
)

// String returns the result name.
func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "Success"
	case ResultFailure:
		return "Failure"
	case ResultRejected:
		return "Rejected"
	case ResultOutOfMemory:
		return "OutOfMemory"
	case ResultOutOfBudget:
		return "OutOfBudget"
	case ResultDependenciesUnavailable:
		return "DependenciesUnavailable"
	default:
		return "Unknown"
	}
}

// retryable reports whether the step may be retried on a later frame
// without destroying or blacklisting the item.
func (r Result) retryable() bool {
	switch r {
	case ResultOutOfMemory, ResultOutOfBudget, ResultDependenciesUnavailable:
		return true
	}
	return false
}
