package native

import (
	"math"

	"github.com/gogpu/omm/gpucore"
)

// DispatchBakeOpacity classifies micro-triangles on the CPU, resuming from
// state and stopping when the cost budget runs out. It returns the cost
// units consumed. At least one micro-triangle is baked per call when budget
// is nonzero, so multi-frame bakes always make progress.
func (d *Device) DispatchBakeOpacity(desc *gpucore.BakeDesc, state *gpucore.BakeState, budget uint32, dst gpucore.BufferID) (uint32, error) {
	d.mu.Lock()
	b, ok := d.buffers[dst]
	d.mu.Unlock()
	if !ok {
		return 0, ErrBufferNotFound
	}

	perTriangle := gpucore.MicroTrianglesPerTriangle(desc.SubdivisionLevel)
	if state.MicroTrianglesToBake == 0 {
		state.MicroTrianglesToBake = desc.TriangleCount * perTriangle
	}
	state.BakedLastDispatch = 0
	if budget == 0 {
		return 0, nil
	}

	bits := desc.Format.Bits()
	consumed := 0.0

	for state.MicroTrianglesBaked < state.MicroTrianglesToBake {
		g := state.MicroTrianglesBaked
		tri := g / perTriangle
		micro := g % perTriangle

		taps := uint32(1)
		if idx := desc.TriangleOffset + tri; int(idx) < len(desc.TexelsPerMicroTriangle) {
			taps = uint32(desc.TexelsPerMicroTriangle[idx])
		}

		cost := 1.0
		if taps > 1 {
			cost += float64(taps-1) * float64(desc.CostPerExtraTexelTap)
		}
		if state.BakedLastDispatch > 0 && consumed+cost > float64(budget) {
			break
		}

		opacity := d.classifyMicroTriangle(desc, tri, micro, taps)
		writeOpacity(b.data, g, bits, opacity)

		consumed += cost
		state.MicroTrianglesBaked++
		state.BakedLastDispatch++
	}

	return uint32(math.Ceil(consumed)), nil
}

// classifyMicroTriangle samples the opacity texture at the micro-triangle
// centroid and maps the alpha to an opacity state. A zero tap estimate means
// the sampling footprint exceeded the cap; such micro-triangles are
// classified conservatively without sampling.
func (d *Device) classifyMicroTriangle(desc *gpucore.BakeDesc, tri, micro, taps uint32) uint8 {
	conservative := uint8(gpucore.OpacityUnknownOpaque)
	if desc.Format == gpucore.OpacityFormat2State {
		conservative = gpucore.OpacityOpaque
	}
	if taps == 0 {
		return conservative
	}

	uv, ok := desc.Texcoords.TriangleTexcoords(desc.TriangleOffset + tri)
	if !ok {
		return conservative
	}

	w0, w1, w2 := microTriangleCentroid(micro, desc.SubdivisionLevel)
	u := w0*uv[0][0] + w1*uv[1][0] + w2*uv[2][0]
	v := w0*uv[0][1] + w1*uv[1][1] + w2*uv[2][1]

	alpha, ok := d.sampleAlpha(desc.OpacityTexture, u, v)
	if !ok {
		// No texture bound: the surface is uniformly opaque.
		return gpucore.OpacityOpaque
	}
	if desc.SecondaryOpacityTexture != gpucore.InvalidTextureIndex {
		if secondary, ok := d.sampleAlpha(desc.SecondaryOpacityTexture, u, v); ok && secondary > alpha {
			alpha = secondary
		}
	}

	return classifyAlpha(alpha, desc)
}

func (d *Device) sampleAlpha(index uint32, u, v float32) (float32, bool) {
	if index == gpucore.InvalidTextureIndex || d.textures == nil {
		return 0, false
	}
	src := d.textures.Get(index)
	if src == nil {
		return 0, false
	}
	return src.SampleAlpha(u, v, 0), true
}

func classifyAlpha(alpha float32, desc *gpucore.BakeDesc) uint8 {
	if desc.Format == gpucore.OpacityFormat2State {
		if alpha <= desc.TransparencyThreshold {
			return gpucore.OpacityTransparent
		}
		return gpucore.OpacityOpaque
	}
	switch {
	case alpha <= desc.TransparencyThreshold:
		return gpucore.OpacityTransparent
	case alpha >= desc.OpaquenessThreshold:
		return gpucore.OpacityOpaque
	case alpha < 0.5:
		return gpucore.OpacityUnknownTransparent
	default:
		return gpucore.OpacityUnknownOpaque
	}
}

// writeOpacity packs one opacity state into the baked array at global
// micro-triangle index g. Formats are 1 or 2 bits, so a state never
// straddles a byte boundary.
func writeOpacity(data []byte, g, bits uint32, opacity uint8) {
	bitIndex := uint64(g) * uint64(bits)
	byteIndex := bitIndex / 8
	if byteIndex >= uint64(len(data)) {
		return
	}
	shift := uint(bitIndex % 8)
	mask := byte(1<<bits-1) << shift
	data[byteIndex] = data[byteIndex]&^mask | opacity<<shift&mask
}

// microTriangleCentroid returns the barycentric weights of the centroid of
// micro-triangle k within a triangle uniformly subdivided at the given
// level. Micro-triangles are enumerated row by row from vertex 0: row r
// holds r+1 upright and r inverted micro-triangles, interleaved.
func microTriangleCentroid(k uint32, level uint16) (w0, w1, w2 float32) {
	n := float64(uint32(1) << level)
	r := isqrt(k)
	within := k - r*r
	j := within / 2

	// (depth, across) coordinates of the centroid in grid units. Depth grows
	// away from vertex 0, across grows toward vertex 1.
	var depth, across float64
	if within%2 == 0 {
		depth = float64(r) + 2.0/3.0
		across = float64(j) + 1.0/3.0
	} else {
		depth = float64(r) + 1.0/3.0
		across = float64(j) + 2.0/3.0
	}

	w1 = float32(across / n)
	w2 = float32((depth - across) / n)
	w0 = 1 - w1 - w2
	return w0, w1, w2
}

func isqrt(k uint32) uint32 {
	r := uint32(math.Sqrt(float64(k)))
	for r > 0 && r*r > k {
		r--
	}
	for (r+1)*(r+1) <= k {
		r++
	}
	return r
}
