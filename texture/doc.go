// Package texture tracks opacity textures referenced by micromap bake
// dispatches.
//
// The bake path samples the alpha channel of a material's opacity texture
// to classify micro-triangles. Sampling a texture whose mip chain is still
// streaming in would bake stale or garbage opacity, so the cache defers
// work on any instance whose textures are not yet resident. This package
// provides:
//
//   - Source: a CPU-side opacity texture with a precomputed mip chain,
//     built from any image.Image using golang.org/x/image/draw scaling.
//   - Registry: an index-addressed, concurrency-safe set of sources with
//     per-texture uploaded-mip tracking for residency queries.
//
// Texture indices are stable for the lifetime of the registry and are the
// values instances expose through OpacityTextureIndex.
package texture
