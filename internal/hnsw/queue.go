package hnsw

// candidate is a node reached during a search, with its distance to the query.
type candidate struct {
	slot  uint32
	rowID uint64
	dist  float32
}

// closer reports whether a ranks before b: smaller distance, then smaller row-id.
func closer(a, b candidate) bool {
	if a.dist != b.dist {
		return a.dist < b.dist
	}
	return a.rowID < b.rowID
}

// candidateQueue is a binary heap of candidates. With farthestFirst set the
// top is the worst candidate, which is what a bounded result set needs.
// It does not implement container/heap to avoid interface overhead.
type candidateQueue struct {
	farthestFirst bool
	items         []candidate
}

func (q *candidateQueue) reset(farthestFirst bool) {
	q.farthestFirst = farthestFirst
	q.items = q.items[:0]
}

func (q *candidateQueue) len() int { return len(q.items) }

func (q *candidateQueue) top() candidate { return q.items[0] }

func (q *candidateQueue) less(i, j int) bool {
	if q.farthestFirst {
		return closer(q.items[j], q.items[i])
	}
	return closer(q.items[i], q.items[j])
}

func (q *candidateQueue) push(c candidate) {
	q.items = append(q.items, c)
	q.siftUp(len(q.items) - 1)
}

// pushBounded keeps at most capacity items. Only meaningful for farthestFirst queues.
func (q *candidateQueue) pushBounded(c candidate, capacity int) {
	if len(q.items) < capacity {
		q.push(c)
		return
	}
	if closer(c, q.items[0]) {
		q.items[0] = c
		q.siftDown(0)
	}
}

func (q *candidateQueue) pop() candidate {
	n := len(q.items)
	item := q.items[0]
	q.items[0] = q.items[n-1]
	q.items = q.items[:n-1]
	if len(q.items) > 0 {
		q.siftDown(0)
	}
	return item
}

// drainAscending empties a farthestFirst queue into dst, nearest first.
func (q *candidateQueue) drainAscending(dst []candidate) []candidate {
	n := len(q.items)
	start := len(dst)
	for range n {
		dst = append(dst, candidate{})
	}
	for i := n - 1; i >= 0; i-- {
		dst[start+i] = q.pop()
	}
	return dst
}

func (q *candidateQueue) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !q.less(i, parent) {
			break
		}
		q.items[i], q.items[parent] = q.items[parent], q.items[i]
		i = parent
	}
}

func (q *candidateQueue) siftDown(i int) {
	n := len(q.items)
	for {
		left := 2*i + 1
		if left >= n {
			return
		}
		best := left
		if right := left + 1; right < n && q.less(right, left) {
			best = right
		}
		if !q.less(best, i) {
			return
		}
		q.items[i], q.items[best] = q.items[best], q.items[i]
		i = best
	}
}

// visitedSet tracks visited slots using a bitset and a dirty list for fast reset.
type visitedSet struct {
	bits  []uint64
	dirty []uint32
}

func (v *visitedSet) visit(slot uint32) bool {
	word := int(slot >> 6)
	mask := uint64(1) << (slot & 63)
	if word >= len(v.bits) {
		grown := make([]uint64, max(len(v.bits)*2, word+1))
		copy(grown, v.bits)
		v.bits = grown
	}
	if v.bits[word]&mask != 0 {
		return false
	}
	v.bits[word] |= mask
	v.dirty = append(v.dirty, slot)
	return true
}

func (v *visitedSet) reset() {
	for _, slot := range v.dirty {
		v.bits[slot>>6] &^= uint64(1) << (slot & 63)
	}
	v.dirty = v.dirty[:0]
}

// scratch holds per-search buffers, pooled on the index.
type scratch struct {
	visited    visitedSet
	candidates candidateQueue
	results    candidateQueue
	neighbors  []uint32
	sorted     []candidate
}
