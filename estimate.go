package omm

import "math"

// texelCenterEpsilon guards texel-center snapping against floating-point
// under-estimation of the sampled footprint.
const texelCenterEpsilon = 0.001

// texelEstimate is the per-triangle conservative estimate of how many
// opacity-texture texels each micro-triangle of a mesh must sample.
// Computed incrementally across frames under a per-frame triangle budget;
// consumed by the bake dispatch to weight budget consumption, and by the
// rejection policy for meshes that sample too broadly.
type texelEstimate struct {
	// taps[i] is the texel-tap count for triangle i, or 0 when the triangle
	// exceeded the cap and must be classified unknown without sampling.
	taps []uint16

	// next is the first triangle not yet estimated.
	next uint32

	// invalid counts triangles whose footprint exceeded the cap.
	invalid uint32

	done bool
}

// rejected reports whether too few triangles fit the tap cap for the mesh
// to be worth baking. Only meaningful once done.
func (e *texelEstimate) rejected(minValidPercentage float64) bool {
	if len(e.taps) == 0 {
		return true
	}
	valid := float64(len(e.taps)-int(e.invalid)) / float64(len(e.taps))
	return valid < minValidPercentage
}

// advanceEstimate processes more triangles of the estimate, consuming the
// manager's per-frame estimation budget. The triangle range is the source
// range of the item being estimated.
func (m *Manager) advanceEstimate(e *texelEstimate, inst Instance, triangleOffset, triangleCount uint32) {
	if e.done {
		return
	}
	if e.taps == nil {
		e.taps = make([]uint16, triangleCount)
	}

	w, h, ok := m.textures.Extent(inst.OpacityTextureIndex())
	if !ok {
		// No sampled texture: vertex opacity only, a single implicit tap.
		for i := range e.taps {
			e.taps[i] = 1
		}
		e.next = triangleCount
		e.done = true
		return
	}

	for e.next < triangleCount && m.estimateBudget > 0 {
		tri := e.next
		taps := m.estimateTriangleTaps(inst, triangleOffset+tri, w, h)
		if taps == 0 {
			e.invalid++
		}
		e.taps[tri] = taps
		e.next++
		m.estimateBudget--
	}
	e.done = e.next >= triangleCount
}

// estimateTriangleTaps computes the conservative texel footprint of one
// micro-triangle of triangle tri, projected onto a w x h texture.
//
// All micro-triangles of a triangle share the same UV footprint up to
// translation, so the first micro-triangle (the corner spanned by v0 and
// the two edge midpoint fractions at the configured subdivision level)
// stands in for all of them. Its UV bounding box is snapped outward to
// texel centers with a half-texel offset and an epsilon. Missing texcoords
// yield the conservative maximum; a footprint above the cap yields 0,
// marking the triangle invalid.
func (m *Manager) estimateTriangleTaps(inst Instance, tri, w, h uint32) uint16 {
	uv, ok := inst.TriangleTexcoords(tri)
	if !ok {
		return uint16(m.opts.MaxTexelTaps)
	}

	inv := 1.0 / float64(uint64(1)<<m.opts.SubdivisionLevel)
	u0, v0 := float64(uv[0][0]), float64(uv[0][1])
	u1 := u0 + (float64(uv[1][0])-u0)*inv
	v1 := v0 + (float64(uv[1][1])-v0)*inv
	u2 := u0 + (float64(uv[2][0])-u0)*inv
	v2 := v0 + (float64(uv[2][1])-v0)*inv

	minU := math.Min(u0, math.Min(u1, u2))*float64(w) - (0.5 + texelCenterEpsilon)
	maxU := math.Max(u0, math.Max(u1, u2))*float64(w) + (0.5 + texelCenterEpsilon)
	minV := math.Min(v0, math.Min(v1, v2))*float64(h) - (0.5 + texelCenterEpsilon)
	maxV := math.Max(v0, math.Max(v1, v2))*float64(h) + (0.5 + texelCenterEpsilon)

	tapsU := math.Floor(maxU) - math.Ceil(minU) + 1
	tapsV := math.Floor(maxV) - math.Ceil(minV) + 1
	if tapsU < 1 {
		tapsU = 1
	}
	if tapsV < 1 {
		tapsV = 1
	}
	taps := tapsU * tapsV
	if taps > float64(m.opts.MaxTexelTaps) {
		return 0
	}
	return uint16(taps)
}
