package plan

import (
	"slices"
	"strings"

	"github.com/hupe1980/vectra/internal/catalog"
	"github.com/hupe1980/vectra/internal/errs"
	"github.com/hupe1980/vectra/internal/sql"
)

const (
	// DefaultOverFetch multiplies k for the first probe.
	DefaultOverFetch = 4

	// DefaultMaxFetch bounds the first probe.
	DefaultMaxFetch = 1024

	// DefaultMaxReprobe bounds k' across re-probes.
	DefaultMaxReprobe = 4096

	// DefaultRounds is the first probe plus up to three re-probes.
	DefaultRounds = 4
)

// Options tunes the vector top-K rewrite.
type Options struct {
	OverFetch  int
	MaxFetch   int
	MaxReprobe int
	Rounds     int
}

// DefaultOptions holds the planner defaults.
var DefaultOptions = Options{
	OverFetch:  DefaultOverFetch,
	MaxFetch:   DefaultMaxFetch,
	MaxReprobe: DefaultMaxReprobe,
	Rounds:     DefaultRounds,
}

// Plan is a planned SELECT.
type Plan struct {
	Root    Node
	Columns []string
}

// Probe returns the VectorProbe leaf, if the plan uses the index.
func (p *Plan) Probe() (*VectorProbe, bool) {
	n := p.Root
	for {
		if vp, ok := n.(*VectorProbe); ok {
			return vp, true
		}
		c := n.Children()
		if len(c) == 0 {
			return nil, false
		}
		n = c[0]
	}
}

// Scalar functions understood by the executor.
var scalarFuncs = map[string]int{
	"ai_embedding":    -1,
	"cosine_distance": 2,
	"l2_distance":     2,
	"dot_product":     2,
	"vector_dims":     1,
	"lower":           1,
	"upper":           1,
	"length":          1,
	"abs":             1,
	"coalesce":        -1,
}

var aggregateFuncs = map[string]bool{
	"count": true,
	"sum":   true,
	"avg":   true,
	"min":   true,
	"max":   true,
}

// IsAggregate reports whether name is an aggregate function.
func IsAggregate(name string) bool { return aggregateFuncs[name] }

// Select plans s against t.
func Select(t *catalog.Table, s *sql.Select, opts Options) (*Plan, error) {
	if !strings.EqualFold(s.Table, t.Name) {
		return nil, errs.New(errs.KindInternal, "plan: statement targets %q, table is %q", s.Table, t.Name)
	}
	opts = opts.withDefaults()
	b := &builder{table: t}

	exprs, names := b.projection(s.Items)
	for _, e := range exprs {
		if err := b.check(e, true); err != nil {
			return nil, err
		}
	}
	if s.Where != nil {
		if err := b.check(s.Where, false); err != nil {
			return nil, err
		}
	}
	order := b.resolveAliases(s.OrderBy, exprs, names)
	for _, o := range order {
		if err := b.check(o.Expr, false); err != nil {
			return nil, err
		}
	}

	calls, aggregate, err := aggregates(exprs)
	if err != nil {
		return nil, err
	}

	cols := b.neededColumns(exprs, s.Where, order)

	if aggregate {
		var root Node = &Scan{Table: t, Columns: cols}
		if s.Where != nil {
			root = &Filter{Input: root, Pred: s.Where}
		}
		root = &Aggregate{Input: root, Calls: calls, Names: names}
		if s.Limit >= 0 || s.Offset > 0 {
			root = &Limit{Input: root, Count: s.Limit, Offset: s.Offset}
		}
		return &Plan{Root: root, Columns: names}, nil
	}

	var root Node
	if vp, ok := b.vectorTopK(order, s, opts); ok {
		vp.Filter = s.Where
		vp.Columns = cols
		root = &Limit{Input: vp, Count: s.Limit, Offset: s.Offset}
	} else {
		root = &Scan{Table: t, Columns: cols}
		if s.Where != nil {
			root = &Filter{Input: root, Pred: s.Where}
		}
		if len(order) > 0 {
			root = &Sort{Input: root, Keys: order}
		}
		if s.Limit >= 0 || s.Offset > 0 {
			root = &Limit{Input: root, Count: s.Limit, Offset: s.Offset}
		}
	}
	root = &Project{Input: root, Exprs: exprs, Names: names}
	return &Plan{Root: root, Columns: names}, nil
}

func (o Options) withDefaults() Options {
	if o.OverFetch < 1 {
		o.OverFetch = DefaultOverFetch
	}
	if o.MaxFetch < 1 {
		o.MaxFetch = DefaultMaxFetch
	}
	if o.MaxReprobe < o.MaxFetch {
		o.MaxReprobe = max(DefaultMaxReprobe, o.MaxFetch)
	}
	if o.Rounds < 1 {
		o.Rounds = DefaultRounds
	}
	return o
}

type builder struct {
	table *catalog.Table
}

func (b *builder) projection(items []sql.SelectItem) ([]sql.Expr, []string) {
	var exprs []sql.Expr
	var names []string
	for _, it := range items {
		if it.Star {
			for _, c := range b.table.Columns {
				exprs = append(exprs, &sql.ColumnRef{Name: c.Name})
				names = append(names, c.Name)
			}
			continue
		}
		exprs = append(exprs, it.Expr)
		names = append(names, it.Name())
	}
	return exprs, names
}

// resolveAliases lets ORDER BY name a projection alias.
func (b *builder) resolveAliases(order []sql.OrderItem, exprs []sql.Expr, names []string) []sql.OrderItem {
	out := make([]sql.OrderItem, len(order))
	for i, o := range order {
		out[i] = o
		ref, ok := o.Expr.(*sql.ColumnRef)
		if !ok || ref.Table != "" || b.table.ColumnIndex(ref.Name) >= 0 {
			continue
		}
		for j, n := range names {
			if strings.EqualFold(n, ref.Name) {
				out[i].Expr = exprs[j]
				break
			}
		}
	}
	return out
}

// check validates column references and function calls in e.
func (b *builder) check(e sql.Expr, allowAggregate bool) error {
	var err error
	walk(e, func(e sql.Expr) bool {
		if err != nil {
			return false
		}
		switch x := e.(type) {
		case *sql.ColumnRef:
			if x.Table != "" && !strings.EqualFold(x.Table, b.table.Name) {
				err = errs.New(errs.KindNotFound, "unknown table %q", x.Table)
				return false
			}
			if b.table.ColumnIndex(x.Name) < 0 {
				err = errs.New(errs.KindNotFound, "column %q not found in table %q", x.Name, b.table.Name)
				return false
			}
		case *sql.Call:
			if aggregateFuncs[x.Name] {
				if !allowAggregate {
					err = errs.New(errs.KindType, "aggregate %s not allowed here", x.Name)
					return false
				}
				if x.Star && x.Name != "count" {
					err = errs.New(errs.KindParse, "%s(*) is not supported", x.Name)
					return false
				}
				if !x.Star && len(x.Args) != 1 {
					err = errs.New(errs.KindType, "%s takes one argument", x.Name)
					return false
				}
				for _, a := range x.Args {
					if hasAggregate(a) {
						err = errs.New(errs.KindType, "nested aggregate in %s", x.Name)
						return false
					}
				}
				return true
			}
			arity, ok := scalarFuncs[x.Name]
			if !ok {
				err = errs.New(errs.KindNotFound, "unknown function %q", x.Name)
				return false
			}
			if x.Star {
				err = errs.New(errs.KindParse, "%s(*) is not supported", x.Name)
				return false
			}
			if arity >= 0 && len(x.Args) != arity {
				err = errs.New(errs.KindType, "%s takes %d argument(s), got %d", x.Name, arity, len(x.Args))
				return false
			}
			if x.Name == "ai_embedding" {
				if len(x.Args) < 1 || len(x.Args) > 2 {
					err = errs.New(errs.KindType, "ai_embedding takes (text) or (model, text)")
					return false
				}
				for _, a := range x.Args {
					if !sql.IsConstant(a) {
						err = errs.New(errs.KindType, "ai_embedding argument must be a constant expression, got %s", a)
						return false
					}
				}
			}
			if x.Name == "coalesce" && len(x.Args) == 0 {
				err = errs.New(errs.KindType, "coalesce needs at least one argument")
				return false
			}
		}
		return true
	})
	return err
}

// aggregates reports whether the projection is an aggregate and returns its calls.
func aggregates(exprs []sql.Expr) ([]*sql.Call, bool, error) {
	var calls []*sql.Call
	plain := 0
	for _, e := range exprs {
		if c, ok := e.(*sql.Call); ok && aggregateFuncs[c.Name] {
			calls = append(calls, c)
			continue
		}
		if hasAggregate(e) {
			return nil, false, errs.New(errs.KindType, "aggregates must be top-level projections: %s", e)
		}
		plain++
	}
	if len(calls) == 0 {
		return nil, false, nil
	}
	if plain > 0 {
		return nil, false, errs.New(errs.KindType, "cannot mix aggregate and plain projections without GROUP BY")
	}
	return calls, true, nil
}

func hasAggregate(e sql.Expr) bool {
	found := false
	walk(e, func(e sql.Expr) bool {
		if c, ok := e.(*sql.Call); ok && aggregateFuncs[c.Name] {
			found = true
			return false
		}
		return true
	})
	return found
}

func (b *builder) neededColumns(exprs []sql.Expr, where sql.Expr, order []sql.OrderItem) []int {
	seen := make(map[int]bool)
	collect := func(e sql.Expr) {
		walk(e, func(e sql.Expr) bool {
			if ref, ok := e.(*sql.ColumnRef); ok {
				if i := b.table.ColumnIndex(ref.Name); i >= 0 {
					seen[i] = true
				}
			}
			return true
		})
	}
	for _, e := range exprs {
		collect(e)
	}
	if where != nil {
		collect(where)
	}
	for _, o := range order {
		collect(o.Expr)
	}
	cols := make([]int, 0, len(seen))
	for i := range seen {
		cols = append(cols, i)
	}
	slices.Sort(cols)
	return cols
}

// vectorTopK matches ORDER BY vcol <-> q LIMIT k against an indexed column.
func (b *builder) vectorTopK(order []sql.OrderItem, s *sql.Select, opts Options) (*VectorProbe, bool) {
	if len(order) != 1 || order[0].Desc || s.Limit < 0 || s.Limit+s.Offset > int64(opts.MaxReprobe) {
		return nil, false
	}
	bin, ok := order[0].Expr.(*sql.Binary)
	if !ok || bin.Op != "<->" {
		return nil, false
	}
	ref, q := columnAndQuery(bin.Left, bin.Right)
	if ref == nil {
		ref, q = columnAndQuery(bin.Right, bin.Left)
	}
	if ref == nil {
		return nil, false
	}
	col := b.table.ColumnIndex(ref.Name)
	if col < 0 || !b.table.Columns[col].Type.IsVector() {
		return nil, false
	}
	def, ok := b.table.IndexOn(b.table.Columns[col].Name)
	if !ok {
		return nil, false
	}

	k := int(s.Limit + s.Offset)
	fetch := k * opts.OverFetch
	fetch = max(min(fetch, opts.MaxFetch), k)
	return &VectorProbe{
		Table:    b.table,
		Index:    def,
		Column:   col,
		Query:    q,
		K:        k,
		Fetch:    fetch,
		MaxFetch: max(opts.MaxReprobe, fetch),
		Rounds:   opts.Rounds,
	}, true
}

func columnAndQuery(col, q sql.Expr) (*sql.ColumnRef, sql.Expr) {
	ref, ok := col.(*sql.ColumnRef)
	if !ok || !sql.IsConstant(q) {
		return nil, nil
	}
	switch x := q.(type) {
	case *sql.VectorLit:
		return ref, q
	case *sql.Call:
		if x.Name == "ai_embedding" {
			return ref, q
		}
	}
	return nil, nil
}

// walk visits e depth-first; fn returns false to stop descending.
func walk(e sql.Expr, fn func(sql.Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	switch x := e.(type) {
	case *sql.VectorLit:
		for _, el := range x.Elems {
			walk(el, fn)
		}
	case *sql.Binary:
		walk(x.Left, fn)
		walk(x.Right, fn)
	case *sql.Unary:
		walk(x.X, fn)
	case *sql.Call:
		for _, a := range x.Args {
			walk(a, fn)
		}
	case *sql.IsNull:
		walk(x.X, fn)
	case *sql.InList:
		walk(x.X, fn)
		for _, a := range x.List {
			walk(a, fn)
		}
	case *sql.Like:
		walk(x.X, fn)
		walk(x.Pattern, fn)
	}
}
