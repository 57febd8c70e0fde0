package engine

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/hupe1980/vectra/internal/catalog"
	"github.com/hupe1980/vectra/internal/errs"
	"github.com/hupe1980/vectra/internal/exec"
	"github.com/hupe1980/vectra/internal/plan"
	"github.com/hupe1980/vectra/internal/sql"
)

// Result is the outcome of one statement.
type Result struct {
	Columns []string      `json:"columns"`
	Rows    []catalog.Row `json:"rows"`
	// RowIDs parallels Rows for SELECT over a table and lists the written
	// row-ids of INSERT and UPDATE.
	RowIDs       []uint64 `json:"row_ids,omitempty"`
	RowsAffected int      `json:"rows_affected"`
}

// Execute parses and runs one SQL statement. Without a deadline on ctx the
// configured query timeout applies.
func (e *Engine) Execute(ctx context.Context, query string) (res *Result, err error) {
	start := time.Now()
	kind := "invalid"
	defer func() {
		err = translateError(err)
		rows := 0
		if res != nil {
			rows = len(res.Rows) + res.RowsAffected
		}
		e.metrics.RecordQuery(kind, time.Since(start), err)
		e.logger.LogQuery(ctx, query, rows, time.Since(start), err)
	}()

	if e.closed.Load() {
		return nil, ErrClosed
	}
	stmt, err := sql.Parse(query)
	if err != nil {
		return nil, err
	}
	kind = statementKind(stmt)

	qctx := ctx
	if _, ok := ctx.Deadline(); !ok && e.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, e.cfg.QueryTimeout)
		defer cancel()
	}
	return e.ExecuteStatement(qctx, stmt)
}

// ExecuteStatement runs a parsed statement.
func (e *Engine) ExecuteStatement(ctx context.Context, stmt sql.Statement) (*Result, error) {
	switch s := stmt.(type) {
	case *sql.Select:
		return e.selectRows(ctx, s)
	case *sql.Explain:
		return e.explain(s)
	case *sql.Insert:
		return e.insert(ctx, s)
	case *sql.Update:
		return e.update(ctx, s)
	case *sql.Delete:
		return e.delete(ctx, s)
	case *sql.CreateTable:
		return e.createTable(ctx, s)
	case *sql.CreateIndex:
		return e.createIndex(ctx, s)
	case *sql.DropTable:
		if err := e.DropTable(ctx, s.Name, s.IfExists); err != nil {
			return nil, err
		}
		return &Result{}, nil
	case *sql.ShowTables:
		return e.showTables(), nil
	case *sql.Describe:
		return e.describe(s.Table)
	case *sql.Compact:
		return e.compact(ctx, s.Table)
	case *sql.Checkpoint:
		lsn, err := e.Checkpoint(ctx)
		if err != nil {
			return nil, err
		}
		return &Result{Columns: []string{"lsn"}, Rows: []catalog.Row{{int64(lsn)}}}, nil
	}
	return nil, errs.New(errs.KindParse, "unsupported statement %T", stmt)
}

func statementKind(stmt sql.Statement) string {
	switch stmt.(type) {
	case *sql.Select:
		return "select"
	case *sql.Explain:
		return "explain"
	case *sql.Insert:
		return "insert"
	case *sql.Update:
		return "update"
	case *sql.Delete:
		return "delete"
	case *sql.CreateTable:
		return "create_table"
	case *sql.CreateIndex:
		return "create_index"
	case *sql.DropTable:
		return "drop_table"
	case *sql.ShowTables:
		return "show_tables"
	case *sql.Describe:
		return "describe"
	case *sql.Compact:
		return "compact"
	case *sql.Checkpoint:
		return "checkpoint"
	}
	return "other"
}

func (e *Engine) selectRows(ctx context.Context, s *sql.Select) (*Result, error) {
	t, err := e.cat.Get(s.Table)
	if err != nil {
		return nil, err
	}
	p, err := plan.Select(t, s, e.cfg.Planner)
	if err != nil {
		return nil, err
	}
	var probed []exec.ProbeStats
	env := e.env()
	env.OnProbe = func(ps exec.ProbeStats) { probed = append(probed, ps) }

	start := time.Now()
	r, err := exec.Run(ctx, env, t, p)
	if probe, ok := p.Probe(); ok {
		e.metrics.RecordSearch(probe.K, time.Since(start), err)
	}
	if err != nil {
		return nil, err
	}
	for _, ps := range probed {
		e.logShortProbe(ctx, t.Name, ps)
	}
	return &Result{Columns: r.Columns, Rows: r.Rows, RowIDs: r.RowIDs}, nil
}

// logShortProbe reports a vector probe that returned fewer than K rows. A
// probe cut off by its caps is logged at Info, one that ran out of
// candidates at Debug.
func (e *Engine) logShortProbe(ctx context.Context, table string, ps exec.ProbeStats) {
	if !ps.Short() {
		return
	}
	level := slog.LevelInfo
	if ps.Exhausted {
		level = slog.LevelDebug
	}
	e.logger.Log(ctx, level, "vector probe returned fewer rows than requested",
		"table", table,
		"column", ps.Column,
		"k", ps.K,
		"returned", ps.Returned,
		"fetched", ps.Fetched,
		"rounds", ps.Rounds,
		"exhausted", ps.Exhausted,
	)
}

func (e *Engine) explain(s *sql.Explain) (*Result, error) {
	t, err := e.cat.Get(s.Select.Table)
	if err != nil {
		return nil, err
	}
	p, err := plan.Select(t, s.Select, e.cfg.Planner)
	if err != nil {
		return nil, err
	}
	res := &Result{Columns: []string{"plan"}}
	for _, line := range plan.Explain(p.Root) {
		res.Rows = append(res.Rows, catalog.Row{line})
	}
	return res, nil
}

// insert applies rows one at a time. Rows before a failing row stay
// committed.
func (e *Engine) insert(ctx context.Context, s *sql.Insert) (*Result, error) {
	t, err := e.cat.Get(s.Table)
	if err != nil {
		return nil, err
	}
	op, err := exec.Insert(ctx, e.env(), t, s, e)
	if err != nil {
		return nil, err
	}
	tuples, err := exec.Drain(ctx, op)
	if err != nil {
		return nil, err
	}
	res := &Result{RowsAffected: len(tuples), RowIDs: make([]uint64, len(tuples))}
	for i, tp := range tuples {
		res.RowIDs[i] = tp.RowID
	}
	return res, nil
}

func (e *Engine) update(ctx context.Context, s *sql.Update) (*Result, error) {
	t, err := e.cat.Get(s.Table)
	if err != nil {
		return nil, err
	}
	ev := exec.NewEvaluator(t, e.embed, e.cfg.Metric)
	cols := make([]int, len(s.Set))
	exprs := make([]sql.Expr, len(s.Set))
	for i, a := range s.Set {
		if cols[i] = t.ColumnIndex(a.Column); cols[i] < 0 {
			return nil, errs.New(errs.KindNotFound, "column %q not found in table %q", a.Column, t.Name)
		}
		if exprs[i], err = ev.Bind(ctx, a.Value); err != nil {
			return nil, err
		}
	}

	matches, err := exec.Match(ctx, e.env(), t, s.Where)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	for _, m := range matches {
		if err := ctx.Err(); err != nil {
			return res, errs.Wrap(errs.KindTimeout, err, "update %q", t.Name)
		}
		row := slices.Clone(m.Row)
		for i, x := range exprs {
			v, err := ev.Eval(ctx, x, m.Row)
			if err != nil {
				return res, err
			}
			row[cols[i]] = v
		}
		if row, err = t.CoerceRow(row); err != nil {
			return res, err
		}
		id, ok, err := e.updateRow(t, m.RowID, m.Row, row)
		if err != nil {
			return res, err
		}
		if ok {
			res.RowsAffected++
			res.RowIDs = append(res.RowIDs, id)
		}
	}
	return res, nil
}

func (e *Engine) delete(ctx context.Context, s *sql.Delete) (*Result, error) {
	t, err := e.cat.Get(s.Table)
	if err != nil {
		return nil, err
	}
	matches, err := exec.Match(ctx, e.env(), t, s.Where)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	for _, m := range matches {
		ok, err := e.deleteRow(t, m.RowID)
		if err != nil {
			return res, err
		}
		if ok {
			res.RowsAffected++
		}
	}
	return res, nil
}

func (e *Engine) createTable(ctx context.Context, s *sql.CreateTable) (*Result, error) {
	ev := exec.NewEvaluator(&catalog.Table{Name: s.Name}, e.embed, e.cfg.Metric)
	cols := make([]catalog.Column, len(s.Columns))
	for i, d := range s.Columns {
		cols[i] = catalog.Column{
			Name:       d.Name,
			Type:       d.Type,
			PrimaryKey: d.PrimaryKey,
			NotNull:    d.NotNull,
			Unique:     d.Unique,
		}
		if d.Default == nil {
			continue
		}
		if !sql.IsConstant(d.Default) {
			return nil, errs.New(errs.KindType, "DEFAULT of column %q must be constant", d.Name)
		}
		v, err := ev.Eval(ctx, d.Default, nil)
		if err != nil {
			return nil, err
		}
		if v, err = catalog.Coerce(v, d.Type); err != nil {
			return nil, err
		}
		cols[i].HasDefault = true
		cols[i].Default = v
	}
	t, err := catalog.NewTable(s.Name, cols)
	if err != nil {
		return nil, err
	}
	if _, err := e.CreateTable(ctx, t, s.IfNotExists); err != nil {
		return nil, err
	}
	return &Result{}, nil
}

func (e *Engine) createIndex(ctx context.Context, s *sql.CreateIndex) (*Result, error) {
	def := catalog.IndexDef{Name: s.Name, Column: s.Column}
	for key, v := range s.Options {
		var err error
		switch strings.ToLower(key) {
		case "m":
			def.M, err = intOption(key, v)
		case "ef_construction", "efconstruction":
			def.EFConstruction, err = intOption(key, v)
		case "ef", "ef_search":
			def.EF, err = intOption(key, v)
		case "metric", "distance":
			str, ok := v.(string)
			if !ok {
				err = errs.New(errs.KindType, "index option %q must be a string", key)
			}
			def.Metric = strings.ToLower(str)
		default:
			err = errs.New(errs.KindParse, "unknown index option %q", key)
		}
		if err != nil {
			return nil, err
		}
	}
	def, err := e.CreateIndex(ctx, s.Table, def, s.IfNotExists)
	if err != nil {
		return nil, err
	}
	return &Result{
		Columns: []string{"index", "column", "metric", "m", "ef_construction", "ef"},
		Rows: []catalog.Row{{
			def.Name, def.Column, def.Metric,
			int64(def.M), int64(def.EFConstruction), int64(def.EF),
		}},
	}, nil
}

func intOption(key string, v catalog.Value) (int, error) {
	switch x := v.(type) {
	case int64:
		if x > 0 && x <= math.MaxInt32 {
			return int(x), nil
		}
	case float64:
		if x > 0 && x == math.Trunc(x) && x <= math.MaxInt32 {
			return int(x), nil
		}
	}
	return 0, errs.New(errs.KindType, "index option %q must be a positive integer, got %v", key, v)
}

func (e *Engine) showTables() *Result {
	res := &Result{Columns: []string{"name", "columns", "rows", "indexes"}}
	for _, t := range e.cat.Tables() {
		var rows int64
		if ts, err := e.state(t.ID); err == nil {
			rows = int64(ts.rows.Len())
		}
		res.Rows = append(res.Rows, catalog.Row{t.Name, int64(len(t.Columns)), rows, int64(len(t.Indexes))})
	}
	return res
}

func (e *Engine) describe(table string) (*Result, error) {
	t, err := e.cat.Get(table)
	if err != nil {
		return nil, err
	}
	res := &Result{Columns: []string{"column", "type", "primary_key", "not_null", "unique", "default", "index"}}
	for _, c := range t.Columns {
		var def, index catalog.Value
		if c.HasDefault {
			def = sql.FormatValue(c.Default)
		}
		if idx, ok := t.IndexOn(c.Name); ok {
			index = idx.Name
		}
		res.Rows = append(res.Rows, catalog.Row{c.Name, c.Type.String(), c.PrimaryKey, c.NotNull, c.Unique, def, index})
	}
	return res, nil
}

func (e *Engine) compact(ctx context.Context, table string) (*Result, error) {
	results, err := e.Compact(ctx, table)
	if err != nil {
		return nil, err
	}
	res := &Result{Columns: []string{"index", "before", "after"}}
	for _, r := range results {
		res.Rows = append(res.Rows, catalog.Row{r.Index, int64(r.Before), int64(r.After)})
	}
	return res, nil
}
