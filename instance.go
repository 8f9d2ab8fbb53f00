package omm

// MaterialType classifies an instance's surface material for micromap
// candidacy.
type MaterialType uint8

const (
	// MaterialOpaque is the standard surface material; it is a candidate
	// only when alpha-tested or blended and not fully opaque.
	MaterialOpaque MaterialType = iota

	// MaterialRayPortal is the designated portal material, always a
	// candidate. Portal surfaces sample a secondary opacity texture.
	MaterialRayPortal

	// MaterialOther covers materials micromaps never apply to.
	MaterialOther
)

// AlphaState is the transparency-relevant render state of an instance, as
// hashed into the content hash.
type AlphaState struct {
	// IsFullyOpaque short-circuits candidacy; a fully opaque surface has
	// nothing to classify.
	IsFullyOpaque bool

	// IsParticle marks particle-system geometry, admitted only when
	// Options.EnableParticles is set.
	IsParticle bool

	// AlphaTestEnabled, with the reference value and compare op below,
	// describes fixed-function alpha testing.
	AlphaTestEnabled      bool
	AlphaTestReferenceValue uint8
	AlphaTestCompareOp      uint8

	// BlendEnabled and BlendType describe alpha blending.
	BlendEnabled  bool
	BlendType     uint8
	InvertedBlend bool

	// EmissiveBlend marks additive emissive blending (particle trails,
	// flames), a candidate class of its own.
	EmissiveBlend bool
}

// TextureStage is the fixed-function texture combiner state affecting how
// sampled alpha is produced. Hashed only when
// Options.EnableVertexAndTextureOperations is set.
type TextureStage struct {
	ColorArg1Source uint8
	ColorArg2Source uint8
	ColorOperation  uint8
	AlphaArg1Source uint8
	AlphaArg2Source uint8
	AlphaOperation  uint8

	// TFactorAlpha is the alpha byte of the texture factor constant.
	TFactorAlpha uint8
}

// Instance is the read surface the cache needs from a live scene instance.
// The scene subsystem owns instances; the cache keeps only ID-keyed weak
// references and re-looks instances up before every dereference.
type Instance interface {
	// ID uniquely identifies the instance for its lifetime.
	ID() uint64

	// FrameAge is the number of frames since the instance was created.
	FrameAge() uint32

	// LastUpdatedFrame is the most recent frame the scene refreshed this
	// instance. An instance not refreshed in the current frame is no longer
	// being drawn.
	LastUpdatedFrame() uint32

	// Animated reports whether the instance's geometry animates. Animated
	// opacity changes per frame, so animated instances are only admitted
	// when Options.EnableAnimatedInstances is set.
	Animated() bool

	MaterialType() MaterialType
	MaterialHash() uint64
	AlphaState() AlphaState
	TextureStage() TextureStage

	// TextureTransform is the 2x3 affine UV transform, row-major. Hashed
	// only when vertex and texture operations are enabled.
	TextureTransform() [6]float32

	// Geometry identity hashes. A zero TexCoordHash means the geometry has
	// no texture coordinates and cannot be baked.
	TexCoordHash() uint64
	IndexHash() uint64
	VertexOpacityHash() uint64

	TriangleCount() uint32

	// OpacityTextureIndex is the texture slot sampled for opacity, or
	// gpucore.InvalidTextureIndex. SecondaryOpacityTextureIndex is the
	// additional slot sampled by ray-portal materials.
	OpacityTextureIndex() uint32
	SecondaryOpacityTextureIndex() uint32

	// QuadCount is the number of independent quads when the instance
	// batches multiple small quads sharing geometry and material (particle
	// billboards), or 0 when it does not. A quad-batched instance has
	// TriangleCount() == 2*QuadCount() and per-quad identity hashes.
	QuadCount() uint32
	QuadTexCoordHash(slice uint32) uint64
	QuadVertexOpacityHash(slice uint32) uint64

	// TriangleTexcoords returns the texture coordinates of triangle tri,
	// or ok=false when unavailable (implements gpucore.TexcoordSource).
	TriangleTexcoords(tri uint32) (uv [3][2]float32, ok bool)
}

// InstanceObserver receives scene instance lifecycle events. Manager
// implements it; register the manager with the scene subsystem once at
// startup.
type InstanceObserver interface {
	// OnInstanceAdded is called when an instance enters the scene.
	OnInstanceAdded(inst Instance)

	// OnInstanceUpdated is called when an instance is refreshed.
	OnInstanceUpdated(inst Instance, transformChanged, verticesChanged, firstUpdateThisFrame bool)

	// OnInstanceDestroyed is called when an instance leaves the scene.
	OnInstanceDestroyed(inst Instance)
}

// TextureSet is the residency and extent surface the cache needs from the
// texture-streaming subsystem. *texture.Registry implements it.
type TextureSet interface {
	// IsResident reports whether the texture at index has at least
	// minMipCount of its smallest mips uploaded.
	IsResident(index, minMipCount uint32) bool

	// Extent returns the base-level dimensions of the texture at index.
	Extent(index uint32) (width, height uint32, ok bool)
}
