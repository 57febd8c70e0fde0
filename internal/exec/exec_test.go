package exec

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vectra/distance"
	"github.com/hupe1980/vectra/internal/catalog"
	"github.com/hupe1980/vectra/internal/errs"
	"github.com/hupe1980/vectra/internal/hnsw"
	"github.com/hupe1980/vectra/internal/plan"
	"github.com/hupe1980/vectra/internal/rowstore"
	"github.com/hupe1980/vectra/internal/sql"
)

type countingIndex struct {
	*hnsw.Index
	ks []int
}

func (c *countingIndex) Search(ctx context.Context, q []float32, k, ef int) ([]hnsw.Hit, error) {
	c.ks = append(c.ks, k)
	return c.Index.Search(ctx, q, k, ef)
}

type fixture struct {
	table  *catalog.Table
	rows   *rowstore.Table
	index  *countingIndex
	probes []ProbeStats
}

func (f *fixture) Rows(*catalog.Table) (*rowstore.Table, error) { return f.rows, nil }

func (f *fixture) VectorIndex(_ *catalog.Table, column string) (VectorIndex, bool) {
	if f.index == nil || !strings.EqualFold(column, "v") {
		return nil, false
	}
	return f.index, true
}

func (f *fixture) InsertRow(_ context.Context, t *catalog.Table, row catalog.Row) (uint64, error) {
	row, err := t.CoerceRow(row)
	if err != nil {
		return 0, err
	}
	id := f.rows.AssignRowID()
	if err := f.rows.Put(id, row); err != nil {
		return 0, err
	}
	if v, ok := row[len(row)-1].([]float32); ok && f.index != nil {
		if err := f.index.Insert(id, v); err != nil {
			f.rows.Delete(id)
			return 0, err
		}
	}
	return id, nil
}

type fakeEmbedder struct {
	calls atomic.Int32
	err   error
}

func (e *fakeEmbedder) Embed(_ context.Context, model, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	if model == "wide" {
		return []float32{1, 0, 0}, nil
	}
	return []float32{float32(len(text)), 0}, nil
}

// newFixture builds docs(id INT PK, tag TEXT, v VECTOR(2)) with n rows where
// row i has v = [i, 0] and tag "even"/"odd".
func newFixture(t *testing.T, n int, indexed bool) *fixture {
	t.Helper()
	tbl, err := catalog.NewTable("docs", []catalog.Column{
		{Name: "id", Type: catalog.Scalar(catalog.KindInt), PrimaryKey: true},
		{Name: "tag", Type: catalog.Scalar(catalog.KindText)},
		{Name: "v", Type: catalog.Vector(2)},
	})
	require.NoError(t, err)
	f := &fixture{table: tbl, rows: rowstore.NewTable(1, tbl.PrimaryKey())}
	if indexed {
		def, err := tbl.ValidateIndex(catalog.IndexDef{Column: "v", Metric: "l2"}, catalog.IndexDef{M: 16, EFConstruction: 200, EF: 200})
		require.NoError(t, err)
		tbl.Indexes = append(tbl.Indexes, def)
		idx, err := hnsw.New(func(o *hnsw.Options) {
			o.Dimension = 2
			o.Metric = distance.MetricL2
			o.EF = 200
			o.Seed = 7
		})
		require.NoError(t, err)
		f.index = &countingIndex{Index: idx}
	}
	for i := 1; i <= n; i++ {
		tag := "odd"
		if i%2 == 0 {
			tag = "even"
		}
		_, err := f.InsertRow(context.Background(), tbl, catalog.Row{int64(i), tag, []float32{float32(i), 0}})
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) env(e Embedder) Env {
	return Env{
		Source:  f,
		Embed:   e,
		Metric:  distance.MetricL2,
		OnProbe: func(ps ProbeStats) { f.probes = append(f.probes, ps) },
	}
}

func (f *fixture) query(t *testing.T, ctx context.Context, e Embedder, q string) (*Result, error) {
	t.Helper()
	stmt, err := sql.Parse(q)
	require.NoError(t, err)
	p, err := plan.Select(f.table, stmt.(*sql.Select), plan.DefaultOptions)
	if err != nil {
		return nil, err
	}
	return Run(ctx, f.env(e), f.table, p)
}

func ids(res *Result) []int64 {
	out := make([]int64, len(res.Rows))
	for i, r := range res.Rows {
		out[i] = r[0].(int64)
	}
	return out
}

func TestScanFilterSortLimit(t *testing.T) {
	f := newFixture(t, 10, false)
	res, err := f.query(t, context.Background(), nil, "SELECT id, tag FROM docs WHERE tag = 'even' AND id > 2 ORDER BY id DESC LIMIT 2 OFFSET 1")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "tag"}, res.Columns)
	assert.Equal(t, []int64{8, 6}, ids(res))
	assert.Equal(t, "even", res.Rows[0][1])
}

func TestSortTiesByRowID(t *testing.T) {
	f := newFixture(t, 6, false)
	res, err := f.query(t, context.Background(), nil, "SELECT id FROM docs ORDER BY tag")
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 4, 6, 1, 3, 5}, ids(res))
}

func TestVectorProbeTopK(t *testing.T) {
	f := newFixture(t, 20, true)
	res, err := f.query(t, context.Background(), nil, "SELECT id, v <-> [0, 0] AS d FROM docs ORDER BY v <-> [0, 0] LIMIT 3")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids(res))
	assert.InDelta(t, 1.0, res.Rows[0][1], 1e-6)
	assert.Equal(t, []uint64{1, 2, 3}, res.RowIDs)
	assert.Equal(t, []int{12}, f.index.ks)
}

func TestVectorProbeReprobes(t *testing.T) {
	f := newFixture(t, 60, true)

	res, err := f.query(t, context.Background(), nil, "SELECT id FROM docs WHERE id > 12 ORDER BY v <-> [0, 0] LIMIT 2")
	require.NoError(t, err)
	assert.Equal(t, []int64{13, 14}, ids(res))
	assert.Equal(t, []int{8, 16}, f.index.ks)
	require.Len(t, f.probes, 1)
	assert.False(t, f.probes[0].Short())

	f.index.ks = nil
	res, err = f.query(t, context.Background(), nil, "SELECT id FROM docs WHERE id > 50 ORDER BY v <-> [0, 0] LIMIT 2")
	require.NoError(t, err)
	assert.Equal(t, []int64{51, 52}, ids(res))
	assert.Equal(t, []int{8, 16, 32, 64}, f.index.ks)

	big := newFixture(t, 200, true)
	res, err = big.query(t, context.Background(), nil, "SELECT id FROM docs WHERE id > 150 ORDER BY v <-> [0, 0] LIMIT 2")
	require.NoError(t, err)
	assert.Empty(t, res.Rows, "gives up after three re-probes")
	assert.Equal(t, []int{8, 16, 32, 64}, big.index.ks)
	require.Len(t, big.probes, 1)
	assert.Equal(t, ProbeStats{Column: "v", K: 2, Returned: 0, Fetched: 64, Rounds: 4}, big.probes[0])
	assert.True(t, big.probes[0].Short())
}

func TestVectorProbeStopsWhenIndexExhausted(t *testing.T) {
	f := newFixture(t, 5, true)
	res, err := f.query(t, context.Background(), nil, "SELECT id FROM docs WHERE tag = 'none' ORDER BY v <-> [0, 0] LIMIT 2")
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
	assert.Equal(t, []int{8}, f.index.ks)
	require.Len(t, f.probes, 1)
	assert.True(t, f.probes[0].Short())
	assert.True(t, f.probes[0].Exhausted)
	assert.Equal(t, 1, f.probes[0].Rounds)
}

func TestVectorProbeDimensionMismatch(t *testing.T) {
	f := newFixture(t, 3, true)
	_, err := f.query(t, context.Background(), nil, "SELECT id FROM docs ORDER BY v <-> [0, 0, 0] LIMIT 2")
	assert.ErrorIs(t, err, errs.DimensionMismatch)
}

func TestEmbeddingEvaluatedOnce(t *testing.T) {
	f := newFixture(t, 10, true)
	emb := &fakeEmbedder{}

	res, err := f.query(t, context.Background(), emb, "SELECT id, v <-> ai_embedding('abc') AS d FROM docs ORDER BY d LIMIT 2")
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 2}, ids(res))
	assert.EqualValues(t, 1, emb.calls.Load())

	emb.calls.Store(0)
	res, err = f.query(t, context.Background(), emb, "SELECT id FROM docs WHERE v <-> ai_embedding('abcd') < 1.5")
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4, 5}, ids(res))
	assert.EqualValues(t, 1, emb.calls.Load())

	_, err = f.query(t, context.Background(), emb, "SELECT id FROM docs ORDER BY v <-> ai_embedding('wide', 'x') LIMIT 1")
	assert.ErrorIs(t, err, errs.DimensionMismatch)
}

func TestEmbeddingFailure(t *testing.T) {
	f := newFixture(t, 3, true)
	_, err := f.query(t, context.Background(), &fakeEmbedder{err: errors.New("provider down")}, "SELECT id FROM docs ORDER BY v <-> ai_embedding('x') LIMIT 1")
	assert.ErrorIs(t, err, errs.EmbeddingUnavailable)

	_, err = f.query(t, context.Background(), nil, "SELECT ai_embedding('x') FROM docs")
	assert.ErrorIs(t, err, errs.EmbeddingUnavailable)
}

func TestDeadline(t *testing.T) {
	f := newFixture(t, 10, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.query(t, ctx, nil, "SELECT id FROM docs")
	assert.ErrorIs(t, err, errs.Timeout)
	assert.Nil(t, res)

	ctx, cancel = context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)
	_, err = f.query(t, ctx, nil, "SELECT id FROM docs ORDER BY v <-> [0, 0] LIMIT 2")
	assert.ErrorIs(t, err, errs.Timeout)
}

func TestAggregates(t *testing.T) {
	f := newFixture(t, 4, false)
	res, err := f.query(t, context.Background(), nil, "SELECT COUNT(*), count(tag), sum(id), avg(id), min(tag), max(id) FROM docs WHERE id < 4")
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, catalog.Row{int64(3), int64(3), int64(6), 2.0, "even", int64(3)}, res.Rows[0])

	res, err = f.query(t, context.Background(), nil, "SELECT count(*), sum(id) FROM docs WHERE id > 100")
	require.NoError(t, err)
	assert.Equal(t, catalog.Row{int64(0), nil}, res.Rows[0])
}

func TestStarProjection(t *testing.T) {
	f := newFixture(t, 2, false)
	res, err := f.query(t, context.Background(), nil, "SELECT * FROM docs ORDER BY id")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "tag", "v"}, res.Columns)
	assert.Equal(t, catalog.Row{int64(1), "odd", []float32{1, 0}}, res.Rows[0])
}

func TestMatch(t *testing.T) {
	f := newFixture(t, 6, false)
	where, err := sql.ParseExpr("id IN (2, 5, NULL)")
	require.NoError(t, err)
	got, err := Match(context.Background(), f.env(nil), f.table, where)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, catalog.Row{int64(5), "odd", []float32{5, 0}}, got[1].Row)

	all, err := Match(context.Background(), f.env(nil), f.table, nil)
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestInsertOperator(t *testing.T) {
	f := newFixture(t, 0, true)
	f.table.Columns[1].HasDefault = true
	f.table.Columns[1].Default = "none"

	stmt, err := sql.Parse("INSERT INTO docs (id, v) VALUES (1, [1, 2]), (2, [3, 4])")
	require.NoError(t, err)
	op, err := Insert(context.Background(), f.env(nil), f.table, stmt.(*sql.Insert), f)
	require.NoError(t, err)
	tuples, err := Drain(context.Background(), op)
	require.NoError(t, err)
	require.Len(t, tuples, 2)
	assert.Equal(t, uint64(2), tuples[1].RowID)
	assert.Equal(t, "none", tuples[0].Row[1])
	assert.Equal(t, 2, f.rows.Len())

	stmt, _ = sql.Parse("INSERT INTO docs (id, nope) VALUES (1, 2)")
	_, err = Insert(context.Background(), f.env(nil), f.table, stmt.(*sql.Insert), f)
	assert.ErrorIs(t, err, errs.NotFound)

	stmt, _ = sql.Parse("INSERT INTO docs VALUES (1, 'x')")
	_, err = Insert(context.Background(), f.env(nil), f.table, stmt.(*sql.Insert), f)
	assert.ErrorIs(t, err, errs.Type)

	stmt, _ = sql.Parse("INSERT INTO docs (id, v) VALUES (3, [1, 2, 3])")
	op, err = Insert(context.Background(), f.env(nil), f.table, stmt.(*sql.Insert), f)
	require.NoError(t, err)
	_, err = Drain(context.Background(), op)
	assert.ErrorIs(t, err, errs.DimensionMismatch)
}
