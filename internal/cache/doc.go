// Package cache provides a generic LRU cache for entries that own external
// resources.
//
// The cache holds at most a fixed number of entries. Inserting past the
// capacity evicts the least recently used entry and hands it to the
// eviction callback, which is the right place to release whatever the
// value owns (GPU buffers, file handles).
//
//	uploads := cache.New[uint32, *upload](64, func(_ uint32, u *upload) {
//	    device.DestroyBuffer(u.buf)
//	})
//
// Cache is safe for concurrent use and must not be copied after creation.
package cache
