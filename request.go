package omm

import "github.com/gogpu/omm/gpucore"

// QuadSliceNone marks a request covering an instance's whole geometry
// rather than one quad slice of it.
const QuadSliceNone = -1

// request is one candidate build, produced fresh every frame from live
// instance state and never persisted.
type request struct {
	inst      Instance
	quadSlice int

	triangleCount uint32
	format        gpucore.OpacityFormat

	hash uint64
}

func (r *request) triangleOffset() uint32 {
	if r.quadSlice == QuadSliceNone {
		return 0
	}
	return 2 * uint32(r.quadSlice)
}

// requestStats throttles acceptance of a staged (not yet accepted) hash.
type requestStats struct {
	numRequests        uint32
	numFramesRequested uint32
	lastRequestFrame   uint32
}

// buildRequests expands an instance into its candidate requests: one per
// quad slice for quad-batched geometry (up to the configured ceiling, each
// covering two triangles so identical billboards dedup across instances),
// otherwise a single request for the whole geometry. Requests whose hash
// collided are skipped. Returns nil when the instance is not a candidate.
func (m *Manager) buildRequests(inst Instance) []request {
	if !m.supportsInstance(inst) {
		return nil
	}
	format := m.opts.format(inst.AlphaState())

	if q := inst.QuadCount(); q > 0 && q <= m.opts.MaxQuadSlices && inst.TriangleCount() == 2*q {
		reqs := make([]request, 0, q)
		for slice := uint32(0); slice < q; slice++ {
			h := m.requestHash(inst, int(slice), 2, format)
			if h == EmptyHash {
				continue
			}
			reqs = append(reqs, request{
				inst:          inst,
				quadSlice:     int(slice),
				triangleCount: 2,
				format:        format,
				hash:          h,
			})
		}
		return reqs
	}

	h := m.requestHash(inst, QuadSliceNone, inst.TriangleCount(), format)
	if h == EmptyHash {
		return nil
	}
	return []request{{
		inst:          inst,
		quadSlice:     QuadSliceNone,
		triangleCount: inst.TriangleCount(),
		format:        format,
		hash:          h,
	}}
}

// supportsInstance is the candidate predicate: the instance's material and
// render state must make it a transparency-test candidate and its geometry
// must be hashable and baking-capable.
func (m *Manager) supportsInstance(inst Instance) bool {
	if inst.TriangleCount() == 0 || inst.TexCoordHash() == EmptyHash {
		return false
	}
	if inst.Animated() && !m.opts.EnableAnimatedInstances {
		return false
	}
	a := inst.AlphaState()
	switch inst.MaterialType() {
	case MaterialRayPortal:
		return true
	case MaterialOpaque:
		if a.IsFullyOpaque {
			return false
		}
		if a.IsParticle && !m.opts.EnableParticles {
			return false
		}
		return a.AlphaTestEnabled || a.BlendEnabled || a.EmissiveBlend
	default:
		return false
	}
}

// texturesResident reports whether every texture a bake of inst would
// sample is streamed in far enough. Ray-portal materials additionally
// sample the secondary opacity texture.
func (m *Manager) texturesResident(inst Instance) bool {
	if !m.textures.IsResident(inst.OpacityTextureIndex(), m.opts.MinResidentMips) {
		return false
	}
	if inst.MaterialType() == MaterialRayPortal {
		return m.textures.IsResident(inst.SecondaryOpacityTextureIndex(), m.opts.MinResidentMips)
	}
	return true
}

// passesFilters applies the request throttling thresholds, updating the
// staged statistics for the request's hash. Quad-sliced requests use the
// relaxed thresholds. Returns false while a hash has not yet accumulated
// enough distinct-frame repetitions.
func (m *Manager) passesFilters(r *request) bool {
	minAge, minReq, minFrames := m.opts.MinInstanceFrameAge, m.opts.MinNumRequests, m.opts.MinFramesRequested
	if r.quadSlice != QuadSliceNone {
		minAge, minReq, minFrames = m.opts.MinInstanceFrameAgeQuads, m.opts.MinNumRequestsQuads, m.opts.MinFramesRequestedQuads
	}

	st, ok := m.reqStats[r.hash]
	if !ok {
		// The staged cap bounds CPU bookkeeping during request bursts.
		if uint32(len(m.reqStats)) >= m.opts.MaxStagedRequests {
			return false
		}
		st = &requestStats{}
		m.reqStats[r.hash] = st
	}
	st.numRequests++
	if st.lastRequestFrame != m.frame || st.numFramesRequested == 0 {
		st.numFramesRequested++
	}
	st.lastRequestFrame = m.frame

	return r.inst.FrameAge() >= minAge &&
		st.numRequests >= minReq &&
		st.numFramesRequested >= minFrames
}

// purgeStaleRequestStats drops staged statistics for hashes not requested
// within the configured age, bounding staged bookkeeping over time.
func (m *Manager) purgeStaleRequestStats() {
	for h, st := range m.reqStats {
		if m.frame-st.lastRequestFrame > m.opts.MaxRequestFrameAge {
			delete(m.reqStats, h)
		}
	}
}
