package engine

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/hupe1980/vectra/internal/errs"
)

// CompactResult reports the compaction of one index.
type CompactResult struct {
	Table  string `json:"table"`
	Index  string `json:"index"`
	Before int    `json:"before"`
	After  int    `json:"after"`
}

// Compact rebuilds every vector index of table without its tombstoned nodes.
func (e *Engine) Compact(ctx context.Context, table string) ([]CompactResult, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	t, err := e.cat.Get(table)
	if err != nil {
		return nil, err
	}
	ts, err := e.state(t.ID)
	if err != nil {
		return nil, err
	}
	if err := e.rc.AcquireBackground(ctx); err != nil {
		return nil, errs.Wrap(errs.KindTimeout, err, "compact %q", t.Name)
	}
	defer e.rc.ReleaseBackground()

	var out []CompactResult
	for _, bi := range sortedIndexes(ts) {
		res, err := e.compactIndex(ctx, t.Name, bi)
		if err != nil {
			return out, translateError(err)
		}
		out = append(out, res)
	}
	return out, nil
}

func (e *Engine) compactIndex(ctx context.Context, table string, bi *boundIndex) (CompactResult, error) {
	start := time.Now()
	st, err := bi.index.Compact(ctx)
	e.metrics.RecordCompaction(time.Since(start), st.Before-st.After, err)
	e.logger.LogCompaction(ctx, table, st.Before, st.After, err)
	return CompactResult{Table: table, Index: bi.def.Name, Before: st.Before, After: st.After}, err
}

// runScheduledCompaction compacts every index whose tombstone ratio reached
// the configured minimum. It skips the round while other background work
// holds the worker slots.
func (e *Engine) runScheduledCompaction() {
	if e.closed.Load() || !e.rc.TryAcquireBackground() {
		return
	}
	defer e.rc.ReleaseBackground()

	for _, t := range e.cat.Tables() {
		ts, err := e.state(t.ID)
		if err != nil {
			continue
		}
		for _, bi := range sortedIndexes(ts) {
			if e.ctx.Err() != nil {
				return
			}
			st := bi.index.Stats()
			if st.Tombstoned == 0 || st.TombstoneRatio() < e.cfg.MinTombstoneRatio {
				continue
			}
			_, _ = e.compactIndex(e.ctx, t.Name, bi)
		}
	}
}

func sortedIndexes(ts *tableState) []*boundIndex {
	list := ts.indexList()
	slices.SortFunc(list, func(a, b *boundIndex) int { return strings.Compare(a.def.Name, b.def.Name) })
	return list
}
