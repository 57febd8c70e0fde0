package exec

import (
	"context"
	"strings"

	"github.com/hupe1980/vectra/distance"
	"github.com/hupe1980/vectra/internal/catalog"
	"github.com/hupe1980/vectra/internal/errs"
	"github.com/hupe1980/vectra/internal/plan"
	"github.com/hupe1980/vectra/internal/sql"
)

// Env is what an execution needs from the engine.
type Env struct {
	Source Source
	Embed  Embedder
	// Metric is used by <-> between operands that are not indexed columns.
	Metric distance.Metric
	// OnProbe, if set, observes every finished vector probe.
	OnProbe func(ProbeStats)
}

// Result is a fully materialized query result.
type Result struct {
	Columns []string
	Rows    []catalog.Row
	// RowIDs parallels Rows for plans that read a table.
	RowIDs []uint64
}

// Build instantiates operators for p. Constant vectors and ai_embedding calls
// are evaluated once here.
func Build(ctx context.Context, env Env, t *catalog.Table, p *plan.Plan) (Operator, error) {
	ev := NewEvaluator(t, env.Embed, env.Metric)
	return build(ctx, env, ev, t, p.Root)
}

func build(ctx context.Context, env Env, ev *Evaluator, t *catalog.Table, n plan.Node) (Operator, error) {
	switch x := n.(type) {
	case *plan.Scan:
		rows, err := env.Source.Rows(t)
		if err != nil {
			return nil, err
		}
		return newTableScan(rows, x.Columns), nil
	case *plan.VectorProbe:
		rows, err := env.Source.Rows(t)
		if err != nil {
			return nil, err
		}
		idx, ok := env.Source.VectorIndex(t, x.Index.Column)
		if !ok {
			return nil, errs.New(errs.KindIndexAbsent, "column %q of table %q has no vector index", x.Index.Column, t.Name)
		}
		q, err := ev.Bind(ctx, x.Query)
		if err != nil {
			return nil, err
		}
		pred, err := ev.Bind(ctx, x.Filter)
		if err != nil {
			return nil, err
		}
		return &vectorProbe{node: x, rows: rows, index: idx, ev: ev, query: q, pred: pred, onProbe: env.OnProbe}, nil
	case *plan.Filter:
		in, err := build(ctx, env, ev, t, x.Input)
		if err != nil {
			return nil, err
		}
		pred, err := ev.Bind(ctx, x.Pred)
		if err != nil {
			in.Close()
			return nil, err
		}
		return &filter{input: in, ev: ev, pred: pred}, nil
	case *plan.Sort:
		in, err := build(ctx, env, ev, t, x.Input)
		if err != nil {
			return nil, err
		}
		keys := make([]sql.OrderItem, len(x.Keys))
		for i, k := range x.Keys {
			e, err := ev.Bind(ctx, k.Expr)
			if err != nil {
				in.Close()
				return nil, err
			}
			keys[i] = sql.OrderItem{Expr: e, Desc: k.Desc}
		}
		return &sortOp{input: in, ev: ev, keys: keys}, nil
	case *plan.Limit:
		in, err := build(ctx, env, ev, t, x.Input)
		if err != nil {
			return nil, err
		}
		return &limit{input: in, count: x.Count, offset: x.Offset}, nil
	case *plan.Project:
		in, err := build(ctx, env, ev, t, x.Input)
		if err != nil {
			return nil, err
		}
		exprs, err := bindAll(ctx, ev, x.Exprs)
		if err != nil {
			in.Close()
			return nil, err
		}
		return &project{input: in, ev: ev, exprs: exprs}, nil
	case *plan.Aggregate:
		in, err := build(ctx, env, ev, t, x.Input)
		if err != nil {
			return nil, err
		}
		calls := make([]*sql.Call, len(x.Calls))
		for i, c := range x.Calls {
			b, err := ev.Bind(ctx, c)
			if err != nil {
				in.Close()
				return nil, err
			}
			calls[i] = b.(*sql.Call)
		}
		return &aggregate{input: in, ev: ev, calls: calls}, nil
	}
	return nil, errs.New(errs.KindInternal, "unsupported plan node %T", n)
}

func bindAll(ctx context.Context, ev *Evaluator, exprs []sql.Expr) ([]sql.Expr, error) {
	out := make([]sql.Expr, len(exprs))
	for i, e := range exprs {
		b, err := ev.Bind(ctx, e)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// Drain pulls every tuple from op and closes it.
func Drain(ctx context.Context, op Operator) ([]Tuple, error) {
	defer op.Close()
	var out []Tuple
	for {
		t, ok, err := op.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, t)
	}
}

// Run builds and drains p. No rows are returned on error.
func Run(ctx context.Context, env Env, t *catalog.Table, p *plan.Plan) (*Result, error) {
	op, err := Build(ctx, env, t, p)
	if err != nil {
		return nil, err
	}
	tuples, err := Drain(ctx, op)
	if err != nil {
		return nil, err
	}
	res := &Result{Columns: p.Columns, Rows: make([]catalog.Row, len(tuples)), RowIDs: make([]uint64, len(tuples))}
	for i, tp := range tuples {
		res.Rows[i] = tp.Row
		res.RowIDs[i] = tp.RowID
	}
	return res, nil
}

// Match returns every live row of t, fully decoded, for which where holds.
// A nil where matches all rows.
func Match(ctx context.Context, env Env, t *catalog.Table, where sql.Expr) ([]Tuple, error) {
	rows, err := env.Source.Rows(t)
	if err != nil {
		return nil, err
	}
	all := make([]int, len(t.Columns))
	for i := range all {
		all[i] = i
	}
	ev := NewEvaluator(t, env.Embed, env.Metric)
	var op Operator = newTableScan(rows, all)
	if where != nil {
		pred, err := ev.Bind(ctx, where)
		if err != nil {
			op.Close()
			return nil, err
		}
		op = &filter{input: op, ev: ev, pred: pred}
	}
	return Drain(ctx, op)
}

// Sink receives rows produced by Insert. It returns the assigned row-id.
type Sink interface {
	InsertRow(ctx context.Context, t *catalog.Table, row catalog.Row) (uint64, error)
}

type insert struct {
	t    *catalog.Table
	sink Sink
	rows []catalog.Row
	pos  int
}

// Insert evaluates the VALUES of stmt into full-width rows, filling omitted
// columns with their defaults, and returns an operator that hands each row
// to sink and yields it with its row-id.
func Insert(ctx context.Context, env Env, t *catalog.Table, stmt *sql.Insert, sink Sink) (Operator, error) {
	positions, err := insertPositions(t, stmt.Columns)
	if err != nil {
		return nil, err
	}
	ev := NewEvaluator(t, env.Embed, env.Metric)
	rows := make([]catalog.Row, 0, len(stmt.Rows))
	for n, values := range stmt.Rows {
		if len(values) != len(positions) {
			return nil, errs.New(errs.KindType, "row %d has %d values, expected %d", n+1, len(values), len(positions))
		}
		row := make(catalog.Row, len(t.Columns))
		for i, c := range t.Columns {
			if c.HasDefault {
				row[i] = c.Default
			}
		}
		for i, e := range values {
			if !sql.IsConstant(e) {
				return nil, errs.New(errs.KindType, "VALUES must be constant expressions, got %s", e)
			}
			v, err := ev.Eval(ctx, e, nil)
			if err != nil {
				return nil, err
			}
			row[positions[i]] = v
		}
		rows = append(rows, row)
	}
	return &insert{t: t, sink: sink, rows: rows}, nil
}

func insertPositions(t *catalog.Table, columns []string) ([]int, error) {
	if len(columns) == 0 {
		pos := make([]int, len(t.Columns))
		for i := range pos {
			pos[i] = i
		}
		return pos, nil
	}
	seen := make(map[int]bool, len(columns))
	pos := make([]int, len(columns))
	for i, name := range columns {
		idx := t.ColumnIndex(name)
		if idx < 0 {
			return nil, errs.New(errs.KindNotFound, "column %q not found in table %q", name, t.Name)
		}
		if seen[idx] {
			return nil, errs.New(errs.KindParse, "column %q listed twice", strings.ToLower(name))
		}
		seen[idx] = true
		pos[i] = idx
	}
	return pos, nil
}

func (in *insert) Next(ctx context.Context) (Tuple, bool, error) {
	if in.pos >= len(in.rows) {
		return Tuple{}, false, nil
	}
	row := in.rows[in.pos]
	in.pos++
	id, err := in.sink.InsertRow(ctx, in.t, row)
	if err != nil {
		return Tuple{}, false, err
	}
	return Tuple{RowID: id, Row: row}, true, nil
}

func (in *insert) Close() {}
