package hnsw

import (
	"context"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/vectra/distance"
)

// ctxCheckInterval is how many candidate pops a search makes between context checks.
const ctxCheckInterval = 16

// Hit is a search result.
type Hit struct {
	RowID    uint64
	Distance float32
}

// Index is a concurrent HNSW graph over fixed-dimension vectors.
type Index struct {
	opts  Options
	mmax0 int
	ml    float64
	dist  distance.Func
	rng   atomic.Uint64

	// gate is shared by writers and held exclusively by Compact and Persist.
	gate    sync.RWMutex
	current atomic.Pointer[graph]

	scratchPool sync.Pool
}

// New creates a new HNSW index.
func New(optFns ...func(o *Options)) (*Index, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	h := &Index{
		opts:  opts,
		mmax0: mmax0Multiplier * opts.M,
		ml:    1 / math.Log(float64(opts.M)),
		dist:  opts.Metric.Func(),
	}
	seed := opts.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	h.rng.Store(seed)
	h.scratchPool.New = func() any { return &scratch{} }
	h.current.Store(newGraph())
	return h, nil
}

// Options returns the effective options.
func (h *Index) Options() Options { return h.opts }

// Dimension returns the vector dimension.
func (h *Index) Dimension() int { return h.opts.Dimension }

// Metric returns the distance metric.
func (h *Index) Metric() distance.Metric { return h.opts.Metric }

// Len returns the number of live nodes.
func (h *Index) Len() int { return int(h.current.Load().live.Load()) }

// Contains reports whether rowID is indexed and not tombstoned.
func (h *Index) Contains(rowID uint64) bool {
	_, n, ok := h.current.Load().lookup(rowID)
	return ok && !n.deleted.Load()
}

// Vector returns the stored vector of a live node. The slice must not be modified.
func (h *Index) Vector(rowID uint64) ([]float32, bool) {
	_, n, ok := h.current.Load().lookup(rowID)
	if !ok || n.deleted.Load() {
		return nil, false
	}
	return n.vector, true
}

func (h *Index) checkVector(v []float32) error {
	if len(v) != h.opts.Dimension {
		return &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(v)}
	}
	if !distance.IsFinite(v) {
		return ErrNonFinite
	}
	return nil
}

func (h *Index) capacity(layer int) int {
	if layer == 0 {
		return h.mmax0
	}
	return h.opts.M
}

// sampleLevel draws floor(-ln(U) * mL) using a lock-free xorshift64* generator.
func (h *Index) sampleLevel() int {
	seed := h.rng.Add(0x9E3779B97F4A7C15)
	seed ^= seed >> 12
	seed ^= seed << 25
	seed ^= seed >> 27
	r := float64(seed*0x2545F4914F6CDD1D>>11) / float64(1<<53)
	if r <= 0 {
		r = math.SmallestNonzeroFloat64
	}
	return min(int(math.Floor(-math.Log(r)*h.ml)), maxLevel)
}

// Insert adds rowID with a copy of vector. Once Insert returns the vector is
// reachable by every subsequent search.
func (h *Index) Insert(rowID uint64, vector []float32) error {
	if err := h.checkVector(vector); err != nil {
		return err
	}
	n := newNode(rowID, h.sampleLevel(), slices.Clone(vector))

	h.gate.RLock()
	defer h.gate.RUnlock()
	return h.insertNode(h.current.Load(), n)
}

func (h *Index) insertNode(g *graph, n *node) error {
	slot, err := g.register(n)
	if err != nil {
		return err
	}
	h.link(g, slot, n)
	g.live.Add(1)
	return nil
}

// link connects a registered node into g.
func (h *Index) link(g *graph, slot uint32, n *node) {
	ep, top, ok := g.entryPoint()
	if !ok {
		g.structMu.Lock()
		if !g.hasEntry {
			g.entry, g.top, g.hasEntry = slot, n.level, true
			g.structMu.Unlock()
			return
		}
		ep, top = g.entry, g.top
		g.structMu.Unlock()
	}

	s := h.scratchPool.Get().(*scratch)
	defer h.scratchPool.Put(s)

	q := n.vector
	epNode := g.nodes.Get(ep)
	cur := candidate{slot: ep, rowID: epNode.rowID, dist: h.dist(q, epNode.vector)}

	for layer := top; layer > n.level; layer-- {
		cur = h.greedy(g, s, q, cur, layer)
	}

	for layer := min(n.level, top); layer >= 0; layer-- {
		// Construction keeps tombstoned nodes as candidates so a graph of
		// mostly deleted nodes still reaches the new one.
		_ = h.searchLayer(nil, g, s, q, cur, layer, h.opts.EFConstruction, false)
		found := s.results.drainAscending(s.sorted[:0])
		s.sorted = found
		// A concurrent insert may already have linked to this node.
		found = slices.DeleteFunc(found, func(c candidate) bool { return c.slot == slot })
		if len(found) > 0 {
			cur = found[0]
		}

		selected := h.selectHeuristic(g, found, h.capacity(layer))
		friends := make([]uint32, len(selected))
		for i, c := range selected {
			friends[i] = c.slot
		}
		n.mu.Lock()
		n.friends[layer] = friends
		n.mu.Unlock()

		for _, c := range selected {
			h.addLink(g, c.slot, slot, layer)
		}
	}

	g.structMu.Lock()
	// A tombstoned entry point means no live node existed when it was deleted.
	if n.level > g.top || g.nodes.Get(g.entry).deleted.Load() {
		g.entry, g.top = slot, n.level
	}
	g.structMu.Unlock()
}

// addLink adds a back-link from target to slot, pruning target's list with
// the heuristic when it overflows. Only target's lock is held.
func (h *Index) addLink(g *graph, target, slot uint32, layer int) {
	t := g.nodes.Get(target)
	t.mu.Lock()
	defer t.mu.Unlock()

	if layer > t.level {
		return
	}
	list := t.friends[layer]
	if slices.Contains(list, slot) {
		return
	}
	limit := h.capacity(layer)
	if len(list) < limit {
		t.friends[layer] = append(slices.Clip(list), slot)
		return
	}

	cands := make([]candidate, 0, len(list)+1)
	for _, f := range append(slices.Clip(list), slot) {
		fn := g.nodes.Get(f)
		cands = append(cands, candidate{slot: f, rowID: fn.rowID, dist: h.dist(t.vector, fn.vector)})
	}
	slices.SortFunc(cands, compareCandidates)
	selected := h.selectHeuristic(g, cands, limit)

	pruned := make([]uint32, len(selected))
	for i, c := range selected {
		pruned[i] = c.slot
	}
	t.friends[layer] = pruned
}

func compareCandidates(a, b candidate) int {
	switch {
	case closer(a, b):
		return -1
	case closer(b, a):
		return 1
	default:
		return 0
	}
}

// selectHeuristic keeps a candidate only if no already selected neighbor is
// closer to it than the base point is. cands must be sorted nearest first.
func (h *Index) selectHeuristic(g *graph, cands []candidate, m int) []candidate {
	if len(cands) <= m {
		return slices.Clone(cands)
	}
	selected := make([]candidate, 0, m)
	for _, c := range cands {
		if len(selected) >= m {
			break
		}
		cv := g.nodes.Get(c.slot).vector
		good := true
		for _, s := range selected {
			if h.dist(cv, g.nodes.Get(s.slot).vector) < c.dist {
				good = false
				break
			}
		}
		if good {
			selected = append(selected, c)
		}
	}
	return selected
}

// greedy walks layer from cur towards q, keeping only the closest node.
func (h *Index) greedy(g *graph, s *scratch, q []float32, cur candidate, layer int) candidate {
	for changed := true; changed; {
		changed = false
		s.neighbors = g.nodes.Get(cur.slot).neighbors(layer, s.neighbors)
		for _, nb := range s.neighbors {
			m := g.nodes.Get(nb)
			c := candidate{slot: nb, rowID: m.rowID, dist: h.dist(q, m.vector)}
			if closer(c, cur) {
				cur = c
				changed = true
			}
		}
	}
	return cur
}

// searchLayer runs a bounded best-first search on one layer, leaving up to
// ef results in s.results. With skipDeleted, tombstoned nodes are traversed
// but not collected. A nil ctx disables cancellation.
func (h *Index) searchLayer(ctx context.Context, g *graph, s *scratch, q []float32, ep candidate, layer, ef int, skipDeleted bool) error {
	s.visited.reset()
	s.candidates.reset(false)
	s.results.reset(true)

	s.visited.visit(ep.slot)
	s.candidates.push(ep)
	if !skipDeleted || !g.nodes.Get(ep.slot).deleted.Load() {
		s.results.push(ep)
	}

	pops := 0
	for s.candidates.len() > 0 {
		if ctx != nil {
			pops++
			if pops%ctxCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
		}

		c := s.candidates.pop()
		if s.results.len() >= ef && c.dist > s.results.top().dist {
			break
		}

		s.neighbors = g.nodes.Get(c.slot).neighbors(layer, s.neighbors)
		for _, nb := range s.neighbors {
			if !s.visited.visit(nb) {
				continue
			}
			m := g.nodes.Get(nb)
			next := candidate{slot: nb, rowID: m.rowID, dist: h.dist(q, m.vector)}
			if s.results.len() < ef || closer(next, s.results.top()) {
				s.candidates.push(next)
				if !skipDeleted || !m.deleted.Load() {
					s.results.pushBounded(next, ef)
				}
			}
		}
	}
	return nil
}

// Search returns up to k live nodes nearest to query, nearest first, ties by
// ascending row-id. ef <= 0 uses the configured EF; the effective value is
// never below k.
func (h *Index) Search(ctx context.Context, query []float32, k, ef int) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := h.checkVector(query); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	if ef <= 0 {
		ef = h.opts.EF
	}
	ef = max(ef, k)

	g := h.current.Load()
	ep, top, ok := g.entryPoint()
	if !ok {
		return nil, nil
	}

	s := h.scratchPool.Get().(*scratch)
	defer h.scratchPool.Put(s)

	epNode := g.nodes.Get(ep)
	cur := candidate{slot: ep, rowID: epNode.rowID, dist: h.dist(query, epNode.vector)}
	for layer := top; layer > 0; layer-- {
		cur = h.greedy(g, s, query, cur, layer)
	}
	if err := h.searchLayer(ctx, g, s, query, cur, 0, ef, true); err != nil {
		return nil, err
	}

	found := s.results.drainAscending(s.sorted[:0])
	s.sorted = found
	if len(found) > k {
		found = found[:k]
	}
	hits := make([]Hit, len(found))
	for i, c := range found {
		hits[i] = Hit{RowID: c.rowID, Distance: c.dist}
	}
	return hits, nil
}

// Delete tombstones rowID. Deleting a tombstoned node is a no-op.
func (h *Index) Delete(rowID uint64) error {
	h.gate.RLock()
	defer h.gate.RUnlock()

	g := h.current.Load()
	slot, n, ok := g.lookup(rowID)
	if !ok {
		return &ErrNodeNotFound{RowID: rowID}
	}
	if !n.deleted.CompareAndSwap(false, true) {
		return nil
	}
	g.tombMu.Lock()
	g.tombstones.Add(slot)
	g.tombMu.Unlock()
	g.live.Add(-1)

	h.replaceEntry(g, slot)
	return nil
}

// replaceEntry moves the entry point off a tombstoned slot onto the live node
// with the highest level. With no live node left the old entry stays so the
// remaining graph stays navigable.
func (h *Index) replaceEntry(g *graph, deleted uint32) {
	g.structMu.Lock()
	defer g.structMu.Unlock()
	if !g.hasEntry || g.entry != deleted {
		return
	}

	best, bestLevel := uint32(0), -1
	for slot := range g.nodes.Len() {
		n := g.nodes.Get(slot)
		if n == nil || n.deleted.Load() || n.level <= bestLevel {
			continue
		}
		best, bestLevel = slot, n.level
	}
	if bestLevel >= 0 {
		g.entry, g.top = best, bestLevel
	}
}
