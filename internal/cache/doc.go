// Package cache provides size-bounded LRU caches.
//
// LRU is a single mutex-guarded list. Sharded spreads keys over 64 LRUs by
// hash to cut lock contention under parallel load; capacity is split evenly
// across shards.
package cache
