package exec

import (
	"cmp"
	"context"
	"errors"
	"iter"
	"slices"

	"github.com/hupe1980/vectra/internal/catalog"
	"github.com/hupe1980/vectra/internal/errs"
	"github.com/hupe1980/vectra/internal/hnsw"
	"github.com/hupe1980/vectra/internal/plan"
	"github.com/hupe1980/vectra/internal/rowstore"
	"github.com/hupe1980/vectra/internal/sql"
)

// Tuple is one row flowing between operators. Row is full table width below
// Project and projection width above it; unread columns are nil.
type Tuple struct {
	RowID uint64
	Row   catalog.Row
}

// Operator is a pull-based iterator. Next returns ok=false once exhausted.
type Operator interface {
	Next(ctx context.Context) (t Tuple, ok bool, err error)
	Close()
}

// VectorIndex is the read side of an HNSW index.
type VectorIndex interface {
	Search(ctx context.Context, query []float32, k, ef int) ([]hnsw.Hit, error)
	Dimension() int
}

// Source resolves storage for a table.
type Source interface {
	Rows(t *catalog.Table) (*rowstore.Table, error)
	VectorIndex(t *catalog.Table, column string) (VectorIndex, bool)
}

// deadline reports a context error as Timeout.
func deadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.KindTimeout, err, "query deadline exceeded")
	}
	return nil
}

type tableScan struct {
	cols []int
	next func() (uint64, rowstore.Encoded, bool)
	stop func()
}

func newTableScan(rows *rowstore.Table, cols []int) *tableScan {
	next, stop := iter.Pull2(rows.Scan(rowstore.Range{}))
	return &tableScan{cols: cols, next: next, stop: stop}
}

func (s *tableScan) Next(ctx context.Context) (Tuple, bool, error) {
	if err := deadline(ctx); err != nil {
		return Tuple{}, false, err
	}
	id, enc, ok := s.next()
	if !ok {
		return Tuple{}, false, nil
	}
	row, err := enc.DecodeColumns(s.cols)
	if err != nil {
		return Tuple{}, false, errs.Wrap(errs.KindInternal, err, "row %d", id)
	}
	return Tuple{RowID: id, Row: row}, true, nil
}

func (s *tableScan) Close() { s.stop() }

type vectorProbe struct {
	node  *plan.VectorProbe
	rows  *rowstore.Table
	index VectorIndex
	ev    *Evaluator
	query sql.Expr
	pred  sql.Expr

	onProbe func(ProbeStats)

	done bool
	out  []Tuple
	pos  int
}

// ProbeStats describes one finished vector probe.
type ProbeStats struct {
	Column   string
	K        int
	Returned int
	// Fetched is the candidate count of the last round.
	Fetched int
	Rounds  int
	// Exhausted reports that the index ran out of candidates. When false and
	// Returned < K, the round or fetch cap ended the probe and rows matching
	// the filter may have been missed.
	Exhausted bool
}

// Short reports whether the probe returned fewer than K rows.
func (s ProbeStats) Short() bool { return s.Returned < s.K }

func (p *vectorProbe) Next(ctx context.Context) (Tuple, bool, error) {
	if err := deadline(ctx); err != nil {
		return Tuple{}, false, err
	}
	if !p.done {
		if err := p.probe(ctx); err != nil {
			return Tuple{}, false, err
		}
		p.done = true
	}
	if p.pos >= len(p.out) {
		return Tuple{}, false, nil
	}
	t := p.out[p.pos]
	p.pos++
	return t, true, nil
}

// probe searches with k' candidates, doubling k' while the filter leaves fewer
// than K rows and the index may still hold more.
func (p *vectorProbe) probe(ctx context.Context) error {
	if p.node.K == 0 {
		return nil
	}
	qv, err := p.ev.Eval(ctx, p.query, nil)
	if err != nil {
		return err
	}
	q, ok := qv.([]float32)
	if !ok {
		return errs.New(errs.KindType, "<-> query is %s, not a vector", catalog.TypeName(qv))
	}
	if len(q) != p.index.Dimension() {
		return errs.New(errs.KindDimensionMismatch, "query vector has %d dimensions, column %q has %d",
			len(q), p.node.Index.Column, p.index.Dimension())
	}

	stats := ProbeStats{Column: p.node.Index.Column, K: p.node.K}
	defer func() {
		stats.Returned = len(p.out)
		if p.onProbe != nil {
			p.onProbe(stats)
		}
	}()

	fetch := p.node.Fetch
	for round := 0; round < p.node.Rounds; round++ {
		hits, err := p.index.Search(ctx, q, fetch, max(p.node.Index.EF, fetch))
		if err != nil {
			return translateSearchError(err)
		}
		stats.Rounds, stats.Fetched = round+1, fetch
		stats.Exhausted = len(hits) < fetch
		p.out = p.out[:0]
		for _, h := range hits {
			if err := deadline(ctx); err != nil {
				return err
			}
			enc, ok := p.rows.Get(h.RowID)
			if !ok {
				continue
			}
			row, err := enc.DecodeColumns(p.node.Columns)
			if err != nil {
				return errs.Wrap(errs.KindInternal, err, "row %d", h.RowID)
			}
			if p.pred != nil {
				keep, err := p.ev.Truth(ctx, p.pred, row)
				if err != nil {
					return err
				}
				if !keep {
					continue
				}
			}
			p.out = append(p.out, Tuple{RowID: h.RowID, Row: row})
			if len(p.out) == p.node.K {
				return nil
			}
		}
		if len(hits) < fetch || fetch >= p.node.MaxFetch {
			return nil
		}
		fetch = min(2*fetch, p.node.MaxFetch)
	}
	return nil
}

func (p *vectorProbe) Close() {}

func translateSearchError(err error) error {
	var dm *hnsw.ErrDimensionMismatch
	switch {
	case errors.As(err, &dm):
		return errs.Wrap(errs.KindDimensionMismatch, err, "vector search")
	case errors.Is(err, hnsw.ErrNonFinite):
		return errs.Wrap(errs.KindType, err, "vector search")
	}
	return errs.Wrap(errs.KindOf(err), err, "vector search")
}

type filter struct {
	input Operator
	ev    *Evaluator
	pred  sql.Expr
}

func (f *filter) Next(ctx context.Context) (Tuple, bool, error) {
	for {
		t, ok, err := f.input.Next(ctx)
		if err != nil || !ok {
			return t, ok, err
		}
		keep, err := f.ev.Truth(ctx, f.pred, t.Row)
		if err != nil {
			return Tuple{}, false, err
		}
		if keep {
			return t, true, nil
		}
	}
}

func (f *filter) Close() { f.input.Close() }

type limit struct {
	input   Operator
	count   int64
	offset  int64
	emitted int64
	skipped bool
}

func (l *limit) Next(ctx context.Context) (Tuple, bool, error) {
	if !l.skipped {
		l.skipped = true
		for range l.offset {
			_, ok, err := l.input.Next(ctx)
			if err != nil || !ok {
				return Tuple{}, false, err
			}
		}
	}
	if l.count >= 0 && l.emitted >= l.count {
		return Tuple{}, false, nil
	}
	t, ok, err := l.input.Next(ctx)
	if ok {
		l.emitted++
	}
	return t, ok, err
}

func (l *limit) Close() { l.input.Close() }

type sortOp struct {
	input Operator
	ev    *Evaluator
	keys  []sql.OrderItem

	sorted []sortedTuple
	pos    int
	done   bool
}

type sortedTuple struct {
	Tuple
	keys []catalog.Value
}

func (s *sortOp) Next(ctx context.Context) (Tuple, bool, error) {
	if !s.done {
		if err := s.fill(ctx); err != nil {
			return Tuple{}, false, err
		}
		s.done = true
	}
	if err := deadline(ctx); err != nil {
		return Tuple{}, false, err
	}
	if s.pos >= len(s.sorted) {
		return Tuple{}, false, nil
	}
	t := s.sorted[s.pos].Tuple
	s.pos++
	return t, true, nil
}

func (s *sortOp) fill(ctx context.Context) error {
	for {
		t, ok, err := s.input.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		keys := make([]catalog.Value, len(s.keys))
		for i, k := range s.keys {
			if keys[i], err = s.ev.Eval(ctx, k.Expr, t.Row); err != nil {
				return err
			}
		}
		s.sorted = append(s.sorted, sortedTuple{Tuple: t, keys: keys})
	}

	var cmpErr error
	slices.SortFunc(s.sorted, func(a, b sortedTuple) int {
		for i, k := range s.keys {
			c, err := compareNullsLast(a.keys[i], b.keys[i])
			if err != nil && cmpErr == nil {
				cmpErr = err
			}
			if k.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return cmp.Compare(a.RowID, b.RowID)
	})
	return cmpErr
}

func (s *sortOp) Close() { s.input.Close() }

// compareNullsLast orders NULL after every value.
func compareNullsLast(a, b catalog.Value) (int, error) {
	switch {
	case a == nil && b == nil:
		return 0, nil
	case a == nil:
		return 1, nil
	case b == nil:
		return -1, nil
	}
	return compare(a, b)
}

type project struct {
	input Operator
	ev    *Evaluator
	exprs []sql.Expr
}

func (p *project) Next(ctx context.Context) (Tuple, bool, error) {
	t, ok, err := p.input.Next(ctx)
	if err != nil || !ok {
		return t, ok, err
	}
	out := make(catalog.Row, len(p.exprs))
	for i, e := range p.exprs {
		if out[i], err = p.ev.Eval(ctx, e, t.Row); err != nil {
			return Tuple{}, false, err
		}
	}
	return Tuple{RowID: t.RowID, Row: out}, true, nil
}

func (p *project) Close() { p.input.Close() }

type aggregate struct {
	input Operator
	ev    *Evaluator
	calls []*sql.Call
	done  bool
}

func (a *aggregate) Next(ctx context.Context) (Tuple, bool, error) {
	if a.done {
		return Tuple{}, false, nil
	}
	a.done = true
	states := make([]aggState, len(a.calls))
	for {
		t, ok, err := a.input.Next(ctx)
		if err != nil {
			return Tuple{}, false, err
		}
		if !ok {
			break
		}
		for i, c := range a.calls {
			var v catalog.Value = true
			if !c.Star {
				if v, err = a.ev.Eval(ctx, c.Args[0], t.Row); err != nil {
					return Tuple{}, false, err
				}
			}
			if err := states[i].add(c.Name, v); err != nil {
				return Tuple{}, false, err
			}
		}
	}
	out := make(catalog.Row, len(a.calls))
	for i, c := range a.calls {
		out[i] = states[i].result(c.Name)
	}
	return Tuple{Row: out}, true, nil
}

func (a *aggregate) Close() { a.input.Close() }

type aggState struct {
	count  int64
	sumI   int64
	sumF   float64
	floats bool
	best   catalog.Value
}

func (s *aggState) add(fn string, v catalog.Value) error {
	if v == nil {
		return nil
	}
	s.count++
	switch fn {
	case "sum", "avg":
		switch n := v.(type) {
		case int64:
			s.sumI += n
		case float64:
			s.sumF += n
			s.floats = true
		default:
			return errs.New(errs.KindType, "%s expects numbers, got %s", fn, catalog.TypeName(v))
		}
	case "min", "max":
		if s.best == nil {
			s.best = v
			return nil
		}
		c, err := compare(v, s.best)
		if err != nil {
			return err
		}
		if (fn == "min" && c < 0) || (fn == "max" && c > 0) {
			s.best = v
		}
	}
	return nil
}

func (s *aggState) result(fn string) catalog.Value {
	switch fn {
	case "count":
		return s.count
	case "sum":
		if s.count == 0 {
			return nil
		}
		if s.floats {
			return s.sumF + float64(s.sumI)
		}
		return s.sumI
	case "avg":
		if s.count == 0 {
			return nil
		}
		return (s.sumF + float64(s.sumI)) / float64(s.count)
	default:
		return s.best
	}
}
