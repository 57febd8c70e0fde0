package exec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vectra/distance"
	"github.com/hupe1980/vectra/internal/catalog"
	"github.com/hupe1980/vectra/internal/errs"
	"github.com/hupe1980/vectra/internal/sql"
)

func evalTable(t *testing.T) *catalog.Table {
	t.Helper()
	tbl, err := catalog.NewTable("t", []catalog.Column{
		{Name: "n", Type: catalog.Scalar(catalog.KindInt)},
		{Name: "s", Type: catalog.Scalar(catalog.KindText)},
		{Name: "ts", Type: catalog.Scalar(catalog.KindTimestamp)},
		{Name: "v", Type: catalog.Vector(2)},
	})
	require.NoError(t, err)
	return tbl
}

func eval(t *testing.T, expr string, row catalog.Row) (catalog.Value, error) {
	t.Helper()
	e, err := sql.ParseExpr(expr)
	require.NoError(t, err)
	ev := NewEvaluator(evalTable(t), nil, distance.MetricCosine)
	return ev.Eval(context.Background(), e, row)
}

func TestEvalValues(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	row := catalog.Row{int64(7), "Hello", ts, []float32{3, 4}}

	cases := map[string]catalog.Value{
		"n + 1":                  int64(8),
		"n / 2":                  int64(3),
		"n % 4":                  int64(3),
		"n / 2.0":                3.5,
		"-n * 2":                 int64(-14),
		"s || '!'":               "Hello!",
		"s || n":                 "Hello7",
		"n = 7 AND s = 'Hello'":  true,
		"n > 7 OR s != 'Hello'":  false,
		"NOT n < 3":              true,
		"s LIKE 'He%o'":          true,
		"s LIKE 'h%'":            false,
		"s NOT LIKE '_ello'":     false,
		"n IN (1, 7)":            true,
		"n NOT IN (1, 2)":        true,
		"ts > '2024-01-01'":      true,
		"'2025-01-01' > ts":      true,
		"vector_dims(v)":         int64(2),
		"dot_product(v, [1, 1])": 7.0,
		"l2_distance(v, [0, 0])": 5.0,
		"cosine_distance(v, v)":  0.0,
		"lower(s)":               "hello",
		"upper(s)":               "HELLO",
		"length(s)":              int64(5),
		"abs(-2.5)":              2.5,
		"coalesce(NULL, n)":      int64(7),
		"v IS NOT NULL":          true,
	}
	for expr, want := range cases {
		t.Run(expr, func(t *testing.T) {
			got, err := eval(t, expr, row)
			require.NoError(t, err)
			if f, ok := want.(float64); ok {
				assert.InDelta(t, f, got, 1e-6)
				return
			}
			assert.Equal(t, want, got)
		})
	}
}

func TestEvalNulls(t *testing.T) {
	row := catalog.Row{nil, "x", nil, nil}

	cases := map[string]catalog.Value{
		"n = 1":                nil,
		"n + 1":                nil,
		"n IS NULL":            true,
		"n = 1 AND FALSE":      false,
		"n = 1 AND TRUE":       nil,
		"n = 1 OR TRUE":        true,
		"n = 1 OR FALSE":       nil,
		"NOT n = 1":            nil,
		"s IN ('y', NULL)":     nil,
		"s IN ('x', NULL)":     true,
		"lower(n)":             nil,
		"v <-> [1, 0]":         nil,
		"coalesce(n, ts, 'z')": "z",
	}
	for expr, want := range cases {
		t.Run(expr, func(t *testing.T) {
			got, err := eval(t, expr, row)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestEvalErrors(t *testing.T) {
	row := catalog.Row{int64(1), "x", nil, []float32{1, 0}}

	cases := map[string]*errs.Error{
		"n / 0":             errs.Type,
		"n = 'x'":           errs.Type,
		"s + 1":             errs.Type,
		"NOT s":             errs.Type,
		"n LIKE 'x'":        errs.Type,
		"v <-> [1, 0, 0]":   errs.DimensionMismatch,
		"v <-> n":           errs.Type,
		"vector_dims(s)":    errs.Type,
		"missing = 1":       errs.NotFound,
		"ai_embedding('x')": errs.EmbeddingUnavailable,
		"[1, 's']":          errs.Type,
		"ts > 'not a date'": errs.Type,
		"abs(s)":            errs.Type,
	}
	row[2] = time.Now()
	for expr, kind := range cases {
		t.Run(expr, func(t *testing.T) {
			_, err := eval(t, expr, row)
			assert.ErrorIs(t, err, kind)
		})
	}
}

func TestDistanceOperatorUsesMetric(t *testing.T) {
	tbl := evalTable(t)
	row := catalog.Row{nil, nil, nil, []float32{1, 0}}
	e, err := sql.ParseExpr("v <-> [0, 2]")
	require.NoError(t, err)

	got, err := NewEvaluator(tbl, nil, distance.MetricCosine).Eval(context.Background(), e, row)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got, 1e-6)

	def, err := tbl.ValidateIndex(catalog.IndexDef{Column: "v", Metric: "l2"}, catalog.IndexDef{M: 16, EFConstruction: 100, EF: 50})
	require.NoError(t, err)
	tbl.Indexes = append(tbl.Indexes, def)
	got, err = NewEvaluator(tbl, nil, distance.MetricCosine).Eval(context.Background(), e, row)
	require.NoError(t, err)
	assert.InDelta(t, distance.L2([]float32{1, 0}, []float32{0, 2}), got, 1e-6)
}

func TestMatchLike(t *testing.T) {
	assert.True(t, matchLike("", "%"))
	assert.True(t, matchLike("abc", "a%c"))
	assert.True(t, matchLike("abc", "%%c"))
	assert.True(t, matchLike("añb", "a_b"))
	assert.False(t, matchLike("abc", "a_"))
	assert.False(t, matchLike("ab", "abc%"))
	assert.True(t, matchLike("mississippi", "%iss%pi"))
}
