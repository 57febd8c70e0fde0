package exec

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/hupe1980/vectra/distance"
	"github.com/hupe1980/vectra/internal/catalog"
	"github.com/hupe1980/vectra/internal/errs"
	"github.com/hupe1980/vectra/internal/sql"
)

// Embedder turns text into a vector. Empty model selects the default model.
type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// Evaluator evaluates expressions against rows of one table.
type Evaluator struct {
	table   *catalog.Table
	embed   Embedder
	metric  distance.Metric
	columns map[string]int
	embeds  map[[2]string][]float32
}

// NewEvaluator returns an evaluator for rows of t. metric is used by <-> when
// the left operand is not an indexed column.
func NewEvaluator(t *catalog.Table, embed Embedder, metric distance.Metric) *Evaluator {
	cols := make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		cols[strings.ToLower(c.Name)] = i
	}
	return &Evaluator{table: t, embed: embed, metric: metric, columns: cols}
}

// Bind folds constant vector literals and ai_embedding calls into literals so
// they are evaluated once per statement.
func (ev *Evaluator) Bind(ctx context.Context, e sql.Expr) (sql.Expr, error) {
	if e == nil {
		return nil, nil
	}
	switch x := e.(type) {
	case *sql.VectorLit:
		if sql.IsConstant(x) {
			v, err := ev.Eval(ctx, x, nil)
			if err != nil {
				return nil, err
			}
			return &sql.Literal{Value: v}, nil
		}
		out := &sql.VectorLit{Elems: make([]sql.Expr, len(x.Elems))}
		for i, el := range x.Elems {
			b, err := ev.Bind(ctx, el)
			if err != nil {
				return nil, err
			}
			out.Elems[i] = b
		}
		return out, nil
	case *sql.Call:
		if x.Name == "ai_embedding" {
			v, err := ev.Eval(ctx, x, nil)
			if err != nil {
				return nil, err
			}
			return &sql.Literal{Value: v}, nil
		}
		out := &sql.Call{Name: x.Name, Star: x.Star, Args: make([]sql.Expr, len(x.Args))}
		for i, a := range x.Args {
			b, err := ev.Bind(ctx, a)
			if err != nil {
				return nil, err
			}
			out.Args[i] = b
		}
		return out, nil
	case *sql.Binary:
		l, err := ev.Bind(ctx, x.Left)
		if err != nil {
			return nil, err
		}
		r, err := ev.Bind(ctx, x.Right)
		if err != nil {
			return nil, err
		}
		return &sql.Binary{Op: x.Op, Left: l, Right: r}, nil
	case *sql.Unary:
		inner, err := ev.Bind(ctx, x.X)
		if err != nil {
			return nil, err
		}
		return &sql.Unary{Op: x.Op, X: inner}, nil
	case *sql.IsNull:
		inner, err := ev.Bind(ctx, x.X)
		if err != nil {
			return nil, err
		}
		return &sql.IsNull{X: inner, Not: x.Not}, nil
	case *sql.InList:
		inner, err := ev.Bind(ctx, x.X)
		if err != nil {
			return nil, err
		}
		out := &sql.InList{X: inner, Not: x.Not, List: make([]sql.Expr, len(x.List))}
		for i, a := range x.List {
			if out.List[i], err = ev.Bind(ctx, a); err != nil {
				return nil, err
			}
		}
		return out, nil
	case *sql.Like:
		inner, err := ev.Bind(ctx, x.X)
		if err != nil {
			return nil, err
		}
		pat, err := ev.Bind(ctx, x.Pattern)
		if err != nil {
			return nil, err
		}
		return &sql.Like{X: inner, Pattern: pat, Not: x.Not}, nil
	}
	return e, nil
}

// Eval evaluates e against row. Columns not materialized in row read as NULL.
func (ev *Evaluator) Eval(ctx context.Context, e sql.Expr, row catalog.Row) (catalog.Value, error) {
	switch x := e.(type) {
	case *sql.Literal:
		return x.Value, nil
	case *sql.ColumnRef:
		i, ok := ev.columns[strings.ToLower(x.Name)]
		if !ok {
			return nil, errs.New(errs.KindNotFound, "column %q not found in table %q", x.Name, ev.table.Name)
		}
		if i >= len(row) {
			return nil, nil
		}
		return row[i], nil
	case *sql.VectorLit:
		vec := make([]float32, len(x.Elems))
		for i, el := range x.Elems {
			v, err := ev.Eval(ctx, el, row)
			if err != nil {
				return nil, err
			}
			f, ok := toFloat(v)
			if !ok {
				return nil, errs.New(errs.KindType, "vector element %d is %s, not a number", i, catalog.TypeName(v))
			}
			vec[i] = float32(f)
		}
		if !distance.IsFinite(vec) {
			return nil, errs.New(errs.KindType, "vector has non-finite component")
		}
		return vec, nil
	case *sql.Binary:
		return ev.binary(ctx, x, row)
	case *sql.Unary:
		v, err := ev.Eval(ctx, x.X, row)
		if err != nil || v == nil {
			return nil, err
		}
		if x.Op == "NOT" {
			b, ok := v.(bool)
			if !ok {
				return nil, errs.New(errs.KindType, "NOT expects BOOL, got %s", catalog.TypeName(v))
			}
			return !b, nil
		}
		switch n := v.(type) {
		case int64:
			return -n, nil
		case float64:
			return -n, nil
		}
		return nil, errs.New(errs.KindType, "cannot negate %s", catalog.TypeName(v))
	case *sql.IsNull:
		v, err := ev.Eval(ctx, x.X, row)
		if err != nil {
			return nil, err
		}
		return (v == nil) != x.Not, nil
	case *sql.InList:
		return ev.in(ctx, x, row)
	case *sql.Like:
		v, err := ev.Eval(ctx, x.X, row)
		if err != nil {
			return nil, err
		}
		p, err := ev.Eval(ctx, x.Pattern, row)
		if err != nil {
			return nil, err
		}
		if v == nil || p == nil {
			return nil, nil
		}
		s, ok1 := v.(string)
		pat, ok2 := p.(string)
		if !ok1 || !ok2 {
			return nil, errs.New(errs.KindType, "LIKE expects TEXT operands, got %s and %s", catalog.TypeName(v), catalog.TypeName(p))
		}
		return matchLike(s, pat) != x.Not, nil
	case *sql.Call:
		return ev.call(ctx, x, row)
	}
	return nil, errs.New(errs.KindInternal, "unsupported expression %T", e)
}

// Truth evaluates a predicate. NULL counts as false.
func (ev *Evaluator) Truth(ctx context.Context, e sql.Expr, row catalog.Row) (bool, error) {
	v, err := ev.Eval(ctx, e, row)
	if err != nil || v == nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, errs.New(errs.KindType, "predicate %s is %s, not BOOL", e, catalog.TypeName(v))
	}
	return b, nil
}

func (ev *Evaluator) binary(ctx context.Context, x *sql.Binary, row catalog.Row) (catalog.Value, error) {
	if x.Op == "AND" || x.Op == "OR" {
		return ev.logical(ctx, x, row)
	}
	l, err := ev.Eval(ctx, x.Left, row)
	if err != nil {
		return nil, err
	}
	r, err := ev.Eval(ctx, x.Right, row)
	if err != nil {
		return nil, err
	}
	if l == nil || r == nil {
		return nil, nil
	}
	switch x.Op {
	case "=", "!=", "<", "<=", ">", ">=":
		c, err := compare(l, r)
		if err != nil {
			return nil, err
		}
		switch x.Op {
		case "=":
			return c == 0, nil
		case "!=":
			return c != 0, nil
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	case "+", "-", "*", "/", "%":
		return arith(x.Op, l, r)
	case "||":
		return textOf(l) + textOf(r), nil
	case "<->":
		a, b, err := vectorPair("<->", l, r)
		if err != nil {
			return nil, err
		}
		return float64(ev.metricFor(x.Left, x.Right).Distance(a, b)), nil
	}
	return nil, errs.New(errs.KindInternal, "unsupported operator %s", x.Op)
}

func (ev *Evaluator) logical(ctx context.Context, x *sql.Binary, row catalog.Row) (catalog.Value, error) {
	l, err := ev.boolOrNull(ctx, x.Left, row)
	if err != nil {
		return nil, err
	}
	if x.Op == "AND" && l != nil && !*l {
		return false, nil
	}
	if x.Op == "OR" && l != nil && *l {
		return true, nil
	}
	r, err := ev.boolOrNull(ctx, x.Right, row)
	if err != nil {
		return nil, err
	}
	if r != nil {
		if x.Op == "AND" && !*r {
			return false, nil
		}
		if x.Op == "OR" && *r {
			return true, nil
		}
	}
	if l == nil || r == nil {
		return nil, nil
	}
	return *r, nil
}

func (ev *Evaluator) boolOrNull(ctx context.Context, e sql.Expr, row catalog.Row) (*bool, error) {
	v, err := ev.Eval(ctx, e, row)
	if err != nil || v == nil {
		return nil, err
	}
	b, ok := v.(bool)
	if !ok {
		return nil, errs.New(errs.KindType, "%s is %s, not BOOL", e, catalog.TypeName(v))
	}
	return &b, nil
}

func (ev *Evaluator) in(ctx context.Context, x *sql.InList, row catalog.Row) (catalog.Value, error) {
	v, err := ev.Eval(ctx, x.X, row)
	if err != nil || v == nil {
		return nil, err
	}
	sawNull := false
	for _, item := range x.List {
		w, err := ev.Eval(ctx, item, row)
		if err != nil {
			return nil, err
		}
		if w == nil {
			sawNull = true
			continue
		}
		c, err := compare(v, w)
		if err != nil {
			return nil, err
		}
		if c == 0 {
			return !x.Not, nil
		}
	}
	if sawNull {
		return nil, nil
	}
	return x.Not, nil
}

// metricFor picks the metric of the indexed column operand, if any.
func (ev *Evaluator) metricFor(exprs ...sql.Expr) distance.Metric {
	for _, e := range exprs {
		ref, ok := e.(*sql.ColumnRef)
		if !ok {
			continue
		}
		i, ok := ev.columns[strings.ToLower(ref.Name)]
		if !ok {
			continue
		}
		if def, ok := ev.table.IndexOn(ev.table.Columns[i].Name); ok {
			if m, err := distance.ParseMetric(def.Metric); err == nil {
				return m
			}
		}
	}
	return ev.metric
}

func (ev *Evaluator) call(ctx context.Context, x *sql.Call, row catalog.Row) (catalog.Value, error) {
	args := make([]catalog.Value, len(x.Args))
	for i, a := range x.Args {
		v, err := ev.Eval(ctx, a, row)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	switch x.Name {
	case "ai_embedding":
		return ev.embedding(ctx, args)
	case "coalesce":
		for _, a := range args {
			if a != nil {
				return a, nil
			}
		}
		return nil, nil
	}
	for _, a := range args {
		if a == nil {
			return nil, nil
		}
	}
	switch x.Name {
	case "cosine_distance", "l2_distance", "dot_product":
		a, b, err := vectorPair(x.Name, args[0], args[1])
		if err != nil {
			return nil, err
		}
		switch x.Name {
		case "cosine_distance":
			return float64(distance.Cosine(a, b)), nil
		case "l2_distance":
			return float64(distance.L2(a, b)), nil
		default:
			return float64(distance.Dot(a, b)), nil
		}
	case "vector_dims":
		v, ok := args[0].([]float32)
		if !ok {
			return nil, errs.New(errs.KindType, "vector_dims expects VECTOR, got %s", catalog.TypeName(args[0]))
		}
		return int64(len(v)), nil
	case "lower", "upper":
		s, ok := args[0].(string)
		if !ok {
			return nil, errs.New(errs.KindType, "%s expects TEXT, got %s", x.Name, catalog.TypeName(args[0]))
		}
		if x.Name == "lower" {
			return strings.ToLower(s), nil
		}
		return strings.ToUpper(s), nil
	case "length":
		switch v := args[0].(type) {
		case string:
			return int64(len([]rune(v))), nil
		case []float32:
			return int64(len(v)), nil
		}
		return nil, errs.New(errs.KindType, "length expects TEXT, got %s", catalog.TypeName(args[0]))
	case "abs":
		switch v := args[0].(type) {
		case int64:
			if v < 0 {
				return -v, nil
			}
			return v, nil
		case float64:
			return math.Abs(v), nil
		}
		return nil, errs.New(errs.KindType, "abs expects a number, got %s", catalog.TypeName(args[0]))
	}
	return nil, errs.New(errs.KindNotFound, "unknown function %q", x.Name)
}

func (ev *Evaluator) embedding(ctx context.Context, args []catalog.Value) (catalog.Value, error) {
	if ev.embed == nil {
		return nil, errs.New(errs.KindEmbeddingUnavailable, "no embedding provider configured")
	}
	var model string
	text := args[len(args)-1]
	if len(args) == 2 {
		m, ok := args[0].(string)
		if !ok {
			return nil, errs.New(errs.KindType, "ai_embedding model must be TEXT, got %s", catalog.TypeName(args[0]))
		}
		model = m
	}
	s, ok := text.(string)
	if !ok {
		return nil, errs.New(errs.KindType, "ai_embedding expects TEXT, got %s", catalog.TypeName(text))
	}
	key := [2]string{model, s}
	if vec, ok := ev.embeds[key]; ok {
		return vec, nil
	}
	vec, err := ev.embed.Embed(ctx, model, s)
	if err != nil {
		kind := errs.KindEmbeddingUnavailable
		if errs.KindOf(err) == errs.KindTimeout {
			kind = errs.KindTimeout
		}
		return nil, errs.Wrap(kind, err, "ai_embedding")
	}
	if ev.embeds == nil {
		ev.embeds = make(map[[2]string][]float32)
	}
	ev.embeds[key] = vec
	return vec, nil
}

func compare(a, b catalog.Value) (int, error) {
	// Text literals compare against timestamps after parsing.
	if t, ok := a.(time.Time); ok {
		if s, ok := b.(string); ok {
			v, err := catalog.Coerce(s, catalog.Scalar(catalog.KindTimestamp))
			if err != nil {
				return 0, err
			}
			return t.Compare(v.(time.Time)), nil
		}
	}
	if s, ok := a.(string); ok {
		if _, ok := b.(time.Time); ok {
			c, err := compare(b, s)
			return -c, err
		}
	}
	c, ok := catalog.Compare(a, b)
	if !ok {
		return 0, errs.New(errs.KindType, "cannot compare %s with %s", catalog.TypeName(a), catalog.TypeName(b))
	}
	return c, nil
}

func arith(op string, l, r catalog.Value) (catalog.Value, error) {
	li, lInt := l.(int64)
	ri, rInt := r.(int64)
	if lInt && rInt {
		switch op {
		case "+":
			return li + ri, nil
		case "-":
			return li - ri, nil
		case "*":
			return li * ri, nil
		case "/", "%":
			if ri == 0 {
				return nil, errs.New(errs.KindType, "division by zero")
			}
			if op == "/" {
				return li / ri, nil
			}
			return li % ri, nil
		}
	}
	lf, ok1 := toFloat(l)
	rf, ok2 := toFloat(r)
	if !ok1 || !ok2 {
		return nil, errs.New(errs.KindType, "operator %s expects numbers, got %s and %s", op, catalog.TypeName(l), catalog.TypeName(r))
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, errs.New(errs.KindType, "division by zero")
		}
		return lf / rf, nil
	default:
		if rf == 0 {
			return nil, errs.New(errs.KindType, "division by zero")
		}
		return math.Mod(lf, rf), nil
	}
}

func vectorPair(op string, l, r catalog.Value) ([]float32, []float32, error) {
	a, ok1 := l.([]float32)
	b, ok2 := r.([]float32)
	if !ok1 || !ok2 {
		return nil, nil, errs.New(errs.KindType, "%s expects vectors, got %s and %s", op, catalog.TypeName(l), catalog.TypeName(r))
	}
	if len(a) != len(b) {
		return nil, nil, errs.New(errs.KindDimensionMismatch, "%s: dimension mismatch %d vs %d", op, len(a), len(b))
	}
	return a, b, nil
}

func toFloat(v catalog.Value) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func textOf(v catalog.Value) string {
	switch x := v.(type) {
	case string:
		return x
	case json.RawMessage:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	}
	return sql.FormatValue(v)
}

// matchLike matches s against a LIKE pattern with % and _ wildcards.
func matchLike(s, pattern string) bool {
	str := []rune(s)
	pat := []rune(pattern)
	si, pi := 0, 0
	starP, starS := -1, 0
	for si < len(str) {
		switch {
		case pi < len(pat) && (pat[pi] == '_' || pat[pi] == str[si]):
			si++
			pi++
		case pi < len(pat) && pat[pi] == '%':
			starP, starS = pi, si
			pi++
		case starP >= 0:
			starS++
			si = starS
			pi = starP + 1
		default:
			return false
		}
	}
	for pi < len(pat) && pat[pi] == '%' {
		pi++
	}
	return pi == len(pat)
}
