package hnsw

import (
	"context"
	"fmt"
)

// CompactStats reports the effect of a compaction.
type CompactStats struct {
	Before int // graph nodes before, including tombstones and orphans
	After  int
}

// Compact rebuilds the graph from its live nodes, dropping tombstones and
// orphans. Writers wait for the rebuild; searches keep using the previous
// generation until the new one is swapped in. On cancellation the previous
// generation stays current.
func (h *Index) Compact(ctx context.Context) (CompactStats, error) {
	h.gate.Lock()
	defer h.gate.Unlock()

	old := h.current.Load()
	stats := CompactStats{Before: int(old.nodes.Len())}

	old.tombMu.Lock()
	dead := old.tombstones.Clone()
	old.tombMu.Unlock()

	fresh := newGraph()
	for slot := range old.nodes.Len() {
		if slot%256 == 0 {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
		}
		n := old.nodes.Get(slot)
		if n == nil || dead.Contains(slot) || n.deleted.Load() || !old.owns(slot, n) {
			continue
		}
		// Levels are kept so the rebuilt hierarchy matches the old one.
		if err := h.insertNode(fresh, newNode(n.rowID, n.level, n.vector)); err != nil {
			return stats, err
		}
	}

	h.current.Store(fresh)
	stats.After = int(fresh.nodes.Len())
	return stats, nil
}

// Verify checks structural invariants: neighbor caps, link targets and the
// entry point. A violation wraps ErrCorrupt.
func (h *Index) Verify() error {
	g := h.current.Load()
	length := g.nodes.Len()

	for slot := range length {
		n := g.nodes.Get(slot)
		if n == nil {
			return fmt.Errorf("%w: slot %d unset", ErrCorrupt, slot)
		}
		if len(n.vector) != h.opts.Dimension {
			return fmt.Errorf("%w: row %d has dimension %d", ErrCorrupt, n.rowID, len(n.vector))
		}

		g.tombMu.Lock()
		marked := g.tombstones.Contains(slot)
		g.tombMu.Unlock()
		if marked != n.deleted.Load() {
			return fmt.Errorf("%w: row %d tombstone flag disagrees with set", ErrCorrupt, n.rowID)
		}

		n.mu.RLock()
		err := h.verifyLinks(g, slot, n, length)
		n.mu.RUnlock()
		if err != nil {
			return err
		}
	}

	g.structMu.RLock()
	defer g.structMu.RUnlock()
	if length > 0 && !g.hasEntry {
		return fmt.Errorf("%w: non-empty graph without entry point", ErrCorrupt)
	}
	if g.hasEntry {
		ep := g.nodes.Get(g.entry)
		if ep == nil || ep.level != g.top {
			return fmt.Errorf("%w: entry point level does not match top layer", ErrCorrupt)
		}
		if ep.deleted.Load() && g.live.Load() > 0 {
			return fmt.Errorf("%w: entry point row %d is tombstoned", ErrCorrupt, ep.rowID)
		}
	}
	return nil
}

func (h *Index) verifyLinks(g *graph, slot uint32, n *node, length uint32) error {
	if len(n.friends) != n.level+1 {
		return fmt.Errorf("%w: row %d has %d layers, level %d", ErrCorrupt, n.rowID, len(n.friends), n.level)
	}
	for layer, friends := range n.friends {
		if len(friends) > h.capacity(layer) {
			return fmt.Errorf("%w: row %d layer %d has %d links (cap %d)", ErrCorrupt, n.rowID, layer, len(friends), h.capacity(layer))
		}
		for _, f := range friends {
			if f == slot {
				return fmt.Errorf("%w: row %d links to itself", ErrCorrupt, n.rowID)
			}
			if f >= length {
				return fmt.Errorf("%w: row %d links to dangling slot %d", ErrCorrupt, n.rowID, f)
			}
			if fn := g.nodes.Get(f); fn == nil || fn.level < layer {
				return fmt.Errorf("%w: row %d links below target level on layer %d", ErrCorrupt, n.rowID, layer)
			}
		}
	}
	return nil
}
