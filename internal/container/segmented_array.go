// Package container implements container data structures.
package container

import (
	"sync"
	"sync/atomic"
)

const (
	// segmentBits determines the size of each segment.
	// 12 bits = 4096 slots per segment.
	segmentBits = 12
	segmentSize = 1 << segmentBits
	segmentMask = segmentSize - 1
)

// SegmentedArray is an append-grown array of pointers addressed by uint32.
// Reads never lock; growth is serialized. Existing segments never move, so a
// pointer loaded from a slot stays valid while the array grows.
type SegmentedArray[T any] struct {
	segments atomic.Pointer[[]*segment[T]]
	mu       sync.Mutex // Protects growth
	length   atomic.Uint32
}

type segment[T any] struct {
	items [segmentSize]atomic.Pointer[T]
}

// NewSegmentedArray creates a new SegmentedArray.
func NewSegmentedArray[T any]() *SegmentedArray[T] {
	sa := &SegmentedArray[T]{}
	segments := make([]*segment[T], 0)
	sa.segments.Store(&segments)
	return sa
}

// Len returns one past the highest index ever set.
func (sa *SegmentedArray[T]) Len() uint32 {
	return sa.length.Load()
}

// Get returns the item at index, or nil if it was never set.
func (sa *SegmentedArray[T]) Get(index uint32) *T {
	segments := *sa.segments.Load()
	segIdx := int(index >> segmentBits)
	if segIdx >= len(segments) || segments[segIdx] == nil {
		return nil
	}
	return segments[segIdx].items[index&segmentMask].Load()
}

// Set stores value at index, growing the array if necessary.
func (sa *SegmentedArray[T]) Set(index uint32, value *T) {
	sa.slot(index).Store(value)
	for {
		cur := sa.length.Load()
		if index < cur || sa.length.CompareAndSwap(cur, index+1) {
			return
		}
	}
}

// Append stores value at the next free index and returns that index.
// Concurrent appends are serialized.
func (sa *SegmentedArray[T]) Append(value *T) uint32 {
	sa.mu.Lock()
	idx := sa.length.Load()
	sa.growLocked(idx).Store(value)
	sa.length.Store(idx + 1)
	sa.mu.Unlock()
	return idx
}

func (sa *SegmentedArray[T]) slot(index uint32) *atomic.Pointer[T] {
	segIdx := int(index >> segmentBits)
	segments := *sa.segments.Load()
	if segIdx < len(segments) && segments[segIdx] != nil {
		return &segments[segIdx].items[index&segmentMask]
	}
	sa.mu.Lock()
	defer sa.mu.Unlock()
	return sa.growLocked(index)
}

func (sa *SegmentedArray[T]) growLocked(index uint32) *atomic.Pointer[T] {
	segIdx := int(index >> segmentBits)
	current := *sa.segments.Load()
	if segIdx < len(current) && current[segIdx] != nil {
		return &current[segIdx].items[index&segmentMask]
	}

	grown := current
	if segIdx >= len(grown) {
		grown = make([]*segment[T], segIdx+1)
		copy(grown, current)
	} else {
		grown = append([]*segment[T](nil), current...)
	}
	grown[segIdx] = &segment[T]{}
	sa.segments.Store(&grown)
	return &grown[segIdx].items[index&segmentMask]
}
