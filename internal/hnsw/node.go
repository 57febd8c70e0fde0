package hnsw

import (
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/vectra/internal/container"
)

// node is a graph vertex. rowID, level and vector never change after the
// node is published; friends is guarded by mu.
type node struct {
	rowID   uint64
	level   int
	vector  []float32
	deleted atomic.Bool

	mu      sync.RWMutex
	friends [][]uint32 // per layer, 0..level
}

func newNode(rowID uint64, level int, vector []float32) *node {
	return &node{
		rowID:   rowID,
		level:   level,
		vector:  vector,
		friends: make([][]uint32, level+1),
	}
}

// neighbors copies the neighbor list at layer into buf.
func (n *node) neighbors(layer int, buf []uint32) []uint32 {
	buf = buf[:0]
	if layer > n.level {
		return buf
	}
	n.mu.RLock()
	buf = append(buf, n.friends[layer]...)
	n.mu.RUnlock()
	return buf
}

// graph is one generation of the index. Compact replaces it wholesale.
type graph struct {
	nodes *container.SegmentedArray[node]

	idsMu sync.RWMutex
	ids   map[uint64]uint32 // row-id -> current slot

	structMu sync.RWMutex
	entry    uint32
	hasEntry bool
	top      int

	tombMu     sync.Mutex
	tombstones *roaring.Bitmap // tombstoned slots

	live atomic.Int64
}

func newGraph() *graph {
	return &graph{
		nodes:      container.NewSegmentedArray[node](),
		ids:        make(map[uint64]uint32),
		tombstones: roaring.New(),
		top:        -1,
	}
}

// register allocates a slot for n. A tombstoned row-id may be registered
// again; its old slot becomes an orphan that only Compact reclaims.
func (g *graph) register(n *node) (uint32, error) {
	g.idsMu.Lock()
	defer g.idsMu.Unlock()
	if slot, ok := g.ids[n.rowID]; ok && !g.nodes.Get(slot).deleted.Load() {
		return 0, &ErrDuplicateID{RowID: n.rowID}
	}
	slot := g.nodes.Append(n)
	g.ids[n.rowID] = slot
	return slot, nil
}

func (g *graph) lookup(rowID uint64) (uint32, *node, bool) {
	g.idsMu.RLock()
	slot, ok := g.ids[rowID]
	g.idsMu.RUnlock()
	if !ok {
		return 0, nil, false
	}
	return slot, g.nodes.Get(slot), true
}

// owns reports whether slot is the current slot of its row-id.
func (g *graph) owns(slot uint32, n *node) bool {
	g.idsMu.RLock()
	defer g.idsMu.RUnlock()
	cur, ok := g.ids[n.rowID]
	return ok && cur == slot
}

func (g *graph) entryPoint() (uint32, int, bool) {
	g.structMu.RLock()
	defer g.structMu.RUnlock()
	return g.entry, g.top, g.hasEntry
}
