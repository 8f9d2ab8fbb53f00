package texture

import "sync"

// Registry is an index-addressed set of opacity texture sources with
// per-texture upload tracking.
//
// The registry hands out stable uint32 indices starting at 0. Uploaded-mip
// counts model streaming: a texture becomes resident for micromap baking
// once at least minMipCount of its smallest mips have been uploaded, or
// once its whole chain is uploaded when the chain is shorter than that.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sources  []*Source
	uploaded []uint32
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds src to the registry with no mips uploaded and returns its
// index.
func (r *Registry) Register(src *Source) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, src)
	r.uploaded = append(r.uploaded, 0)
	return uint32(len(r.sources) - 1)
}

// Get returns the source at index, or nil if the index is out of range.
func (r *Registry) Get(index uint32) *Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(index) >= len(r.sources) {
		return nil
	}
	return r.sources[index]
}

// Extent returns the base-level dimensions of the texture at index.
func (r *Registry) Extent(index uint32) (width, height uint32, ok bool) {
	src := r.Get(index)
	if src == nil {
		return 0, 0, false
	}
	w, h := src.MipSize(0)
	return w, h, true
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}

// SetUploadedMips records how many mips of the texture at index have been
// uploaded, counted from the smallest level. The count is clamped to the
// texture's mip chain length.
func (r *Registry) SetUploadedMips(index, mips uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(index) >= len(r.sources) {
		return
	}
	if n := r.sources[index].MipCount(); mips > n {
		mips = n
	}
	r.uploaded[index] = mips
}

// MarkUploaded records the texture at index as fully uploaded.
func (r *Registry) MarkUploaded(index uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(index) >= len(r.sources) {
		return
	}
	r.uploaded[index] = r.sources[index].MipCount()
}

// IsResident reports whether the texture at index has enough mips uploaded
// to be sampled by a bake dispatch. InvalidIndex is trivially resident:
// instances without an opacity texture bake from vertex opacity and have
// nothing to wait for. An out-of-range index is not resident.
func (r *Registry) IsResident(index, minMipCount uint32) bool {
	if index == InvalidIndex {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(index) >= len(r.sources) {
		return false
	}
	need := minMipCount
	if n := r.sources[index].MipCount(); need > n {
		need = n
	}
	return r.uploaded[index] >= need
}
