package cache

import (
	"hash/maphash"
	"sync"
)

const numShards = 64

// Sharded distributes entries over 64 LRU shards.
type Sharded[K comparable, V any] struct {
	shards [numShards]*LRU[K, V]
	seed   maphash.Seed
}

// NewSharded creates a sharded cache. The capacity is divided evenly across
// all shards, with at least one unit per shard.
func NewSharded[K comparable, V any](capacity int64, sizeOf func(V) int64) *Sharded[K, V] {
	shardCapacity := max(capacity/numShards, 1)

	s := &Sharded[K, V]{seed: maphash.MakeSeed()}
	for i := range numShards {
		s.shards[i] = NewLRU[K, V](shardCapacity, sizeOf)
	}
	return s
}

func (s *Sharded[K, V]) shard(key K) *LRU[K, V] {
	return s.shards[maphash.Comparable(s.seed, key)%numShards]
}

// Get returns a cached value.
func (s *Sharded[K, V]) Get(key K) (V, bool) { return s.shard(key).Get(key) }

// Set caches a value.
func (s *Sharded[K, V]) Set(key K, v V) { s.shard(key).Set(key, v) }

// Remove drops key.
func (s *Sharded[K, V]) Remove(key K) bool { return s.shard(key).Remove(key) }

// Invalidate removes entries matching the predicate across all shards.
func (s *Sharded[K, V]) Invalidate(predicate func(key K) bool) {
	var wg sync.WaitGroup
	for i := range numShards {
		wg.Add(1)
		go func(shard *LRU[K, V]) {
			defer wg.Done()
			shard.Invalidate(predicate)
		}(s.shards[i])
	}
	wg.Wait()
}

// Len returns the total number of entries.
func (s *Sharded[K, V]) Len() int {
	n := 0
	for i := range numShards {
		n += s.shards[i].Len()
	}
	return n
}

// Stats aggregates the counters of all shards.
func (s *Sharded[K, V]) Stats() Stats {
	var out Stats
	for i := range numShards {
		out = out.add(s.shards[i].Stats())
	}
	return out
}
