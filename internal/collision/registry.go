// Package collision detects hash collisions across GPU-adjacent identity data.
//
// Content hashes are assumed to uniquely identify their source data; that
// assumption is cheap to verify at runtime by remembering the source bytes
// of every hash the first time it is seen and comparing on re-registration.
// A mismatch means two different inputs produced the same digest.
//
// The registry is the only shared state in the cache touched from multiple
// goroutines: geometry preparation call sites may register hashes
// concurrently with baking, so all access is guarded by a mutex.
package collision

import "sync"

// Registry remembers the source bytes behind each registered hash and
// reports collisions. Registry is safe for concurrent use and must not be
// copied after creation.
type Registry struct {
	mu      sync.Mutex
	sources map[uint64][]byte

	collisions uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[uint64][]byte)}
}

// Register records source as the data behind hash. It returns true when the
// hash is new or the recorded source matches, false on a collision: the hash
// was previously registered with different source bytes.
func (r *Registry) Register(hash uint64, source []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.sources[hash]
	if !ok {
		// Copy: callers reuse their serialization scratch.
		cp := make([]byte, len(source))
		copy(cp, source)
		r.sources[hash] = cp
		return true
	}

	if len(prev) != len(source) {
		r.collisions++
		return false
	}
	for i := range prev {
		if prev[i] != source[i] {
			r.collisions++
			return false
		}
	}
	return true
}

// Collisions returns the number of collisions observed since creation or the
// last Clear.
func (r *Registry) Collisions() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collisions
}

// Len returns the number of distinct hashes registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sources)
}

// Clear forgets all registered hashes and resets the collision count.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = make(map[uint64][]byte)
	r.collisions = 0
}
