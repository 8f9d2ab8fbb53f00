package omm

import (
	"encoding/binary"
	"math"

	"github.com/gogpu/omm/gpucore"
)

// EmptyHash is the reserved "no micromap" hash value.
const EmptyHash uint64 = 0

// FNV-1a 64-bit constants.
const (
	fnvOffset uint64 = 14695981039346656037
	fnvPrime  uint64 = 1099511628211
)

// fnv1a computes the 64-bit FNV-1a hash of data, continuing from seed.
// Pass fnvOffset as the seed to start a new hash.
func fnv1a(seed uint64, data []byte) uint64 {
	h := seed
	for _, b := range data {
		h ^= uint64(b)
		h *= fnvPrime
	}
	return h
}

// hashWriter serializes hash-source fields into a canonical little-endian
// byte stream. The stream doubles as the collision-registry payload: two
// requests whose streams differ but hash equal are a detected collision.
type hashWriter struct {
	buf []byte
}

func (w *hashWriter) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *hashWriter) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *hashWriter) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *hashWriter) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *hashWriter) f32(v float32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, math.Float32bits(v))
}
func (w *hashWriter) flag(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

// requestSource serializes the content identity of one build request: the
// material, the transparency-relevant render state, the sampled texture
// identity, the geometry topology identity, and the target encoding.
// Texture-stage combiner state and the UV transform only participate when
// vertex and texture operations are enabled, which is why flipping that
// option invalidates the cache.
func (m *Manager) requestSource(inst Instance, quadSlice int, triangleCount uint32, format gpucore.OpacityFormat) []byte {
	var w hashWriter
	w.buf = make([]byte, 0, 96)

	w.u64(inst.MaterialHash())
	w.u8(uint8(inst.MaterialType()))

	a := inst.AlphaState()
	w.flag(a.IsFullyOpaque)
	w.flag(a.IsParticle)
	w.flag(a.AlphaTestEnabled)
	w.u8(a.AlphaTestReferenceValue)
	w.u8(a.AlphaTestCompareOp)
	w.flag(a.BlendEnabled)
	w.u8(a.BlendType)
	w.flag(a.InvertedBlend)
	w.flag(a.EmissiveBlend)

	if m.opts.EnableVertexAndTextureOperations {
		s := inst.TextureStage()
		w.u8(s.ColorArg1Source)
		w.u8(s.ColorArg2Source)
		w.u8(s.ColorOperation)
		w.u8(s.AlphaArg1Source)
		w.u8(s.AlphaArg2Source)
		w.u8(s.AlphaOperation)
		w.u8(s.TFactorAlpha)
		for _, f := range inst.TextureTransform() {
			w.f32(f)
		}
	}

	if quadSlice == QuadSliceNone {
		w.u64(inst.TexCoordHash())
		w.u64(inst.VertexOpacityHash())
	} else {
		w.u64(inst.QuadTexCoordHash(uint32(quadSlice)))
		w.u64(inst.QuadVertexOpacityHash(uint32(quadSlice)))
	}
	w.u64(inst.IndexHash())

	w.u32(triangleCount)
	w.u8(uint8(format))
	w.u16(uint16(m.opts.SubdivisionLevel))

	return w.buf
}

// requestHash computes the content hash of one build request and registers
// the (hash, source) pair with the collision registry. A detected collision
// black-lists the hash and returns EmptyHash.
func (m *Manager) requestHash(inst Instance, quadSlice int, triangleCount uint32, format gpucore.OpacityFormat) uint64 {
	source := m.requestSource(inst, quadSlice, triangleCount, format)
	h := fnv1a(fnvOffset, source)
	if h == EmptyHash {
		h = fnvPrime
	}
	if !m.collisions.Register(h, source) {
		Logger().Warn("omm: content hash collision, black-listing",
			"hash", h, "instance", inst.ID())
		m.blackList[h] = struct{}{}
		return EmptyHash
	}
	return h
}

// instanceHash folds per-slice request hashes into one compound hash
// identifying a quad-batched instance as a whole.
func instanceHash(sliceHashes []uint64) uint64 {
	h := fnvOffset
	var b [8]byte
	for _, s := range sliceHashes {
		binary.LittleEndian.PutUint64(b[:], s)
		h = fnv1a(h, b[:])
	}
	return h
}
