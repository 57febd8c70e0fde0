package hnsw

import (
	"bytes"
	"context"
	"math/rand/v2"
	"slices"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vectra/distance"
)

func newTestIndex(t *testing.T, dim int, metric distance.Metric) *Index {
	t.Helper()
	idx, err := New(func(o *Options) {
		o.Dimension = dim
		o.Metric = metric
		o.Seed = 42
	})
	require.NoError(t, err)
	return idx
}

func randomVectors(rng *rand.Rand, n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = float32(rng.NormFloat64())
		}
		out[i] = v
	}
	return out
}

func bruteForce(metric distance.Metric, data map[uint64][]float32, q []float32, k int) []uint64 {
	type scored struct {
		id uint64
		d  float32
	}
	all := make([]scored, 0, len(data))
	for id, v := range data {
		all = append(all, scored{id, metric.Distance(q, v)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].d != all[j].d {
			return all[i].d < all[j].d
		}
		return all[i].id < all[j].id
	})
	ids := make([]uint64, 0, k)
	for _, s := range all[:min(k, len(all))] {
		ids = append(ids, s.id)
	}
	return ids
}

func hitIDs(hits []Hit) []uint64 {
	ids := make([]uint64, len(hits))
	for i, h := range hits {
		ids[i] = h.RowID
	}
	return ids
}

func TestNew_Validation(t *testing.T) {
	_, err := New(func(o *Options) { o.Dimension = 0 })
	var dimErr *ErrInvalidDimension
	assert.ErrorAs(t, err, &dimErr)

	_, err = New(func(o *Options) { o.Dimension = MaxDimension + 1 })
	assert.ErrorAs(t, err, &dimErr)

	idx, err := New(func(o *Options) { o.Dimension = 8; o.M = 1; o.EFConstruction = 0 })
	require.NoError(t, err)
	assert.Equal(t, minimumM, idx.Options().M)
	assert.Equal(t, minimumM, idx.Options().EFConstruction)
}

func TestInsertSearch_Cosine(t *testing.T) {
	idx := newTestIndex(t, 4, distance.MetricCosine)
	require.NoError(t, idx.Insert(1, []float32{1, 0, 0, 0}))
	require.NoError(t, idx.Insert(2, []float32{0, 1, 0, 0}))
	require.NoError(t, idx.Insert(3, []float32{0.9, 0.1, 0, 0}))

	hits, err := idx.Search(context.Background(), []float32{1, 0, 0, 0}, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 3}, hitIDs(hits))
	assert.InDelta(t, 0, hits[0].Distance, 1e-6)

	hits, err = idx.Search(context.Background(), []float32{1, 0, 0, 0}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 3, 2}, hitIDs(hits))
}

func TestSearch_Empty(t *testing.T) {
	idx := newTestIndex(t, 4, distance.MetricL2)
	hits, err := idx.Search(context.Background(), []float32{1, 0, 0, 0}, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = idx.Search(context.Background(), []float32{1, 0, 0, 0}, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestInsert_Rejects(t *testing.T) {
	idx := newTestIndex(t, 4, distance.MetricL2)

	var dimErr *ErrDimensionMismatch
	require.ErrorAs(t, idx.Insert(1, []float32{1, 2, 3}), &dimErr)
	assert.Equal(t, 4, dimErr.Expected)
	assert.Equal(t, 3, dimErr.Actual)

	nan := float32(0)
	nan = nan / nan
	assert.ErrorIs(t, idx.Insert(1, []float32{1, nan, 0, 0}), ErrNonFinite)

	_, err := idx.Search(context.Background(), []float32{1}, 1, 0)
	assert.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 0, idx.Len())
}

func TestInsert_DuplicateAndRevive(t *testing.T) {
	idx := newTestIndex(t, 2, distance.MetricL2)
	require.NoError(t, idx.Insert(7, []float32{1, 1}))

	var dup *ErrDuplicateID
	require.ErrorAs(t, idx.Insert(7, []float32{2, 2}), &dup)
	assert.Equal(t, uint64(7), dup.RowID)

	require.NoError(t, idx.Delete(7))
	require.NoError(t, idx.Insert(7, []float32{5, 5}))

	v, ok := idx.Vector(7)
	require.True(t, ok)
	assert.Equal(t, []float32{5, 5}, v)

	st := idx.Stats()
	assert.Equal(t, 1, st.Live)
	assert.Equal(t, 1, st.Orphans)
	require.NoError(t, idx.Verify())
}

func TestInsert_CopiesVector(t *testing.T) {
	idx := newTestIndex(t, 2, distance.MetricL2)
	v := []float32{1, 2}
	require.NoError(t, idx.Insert(1, v))
	v[0] = 100

	got, ok := idx.Vector(1)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2}, got)
}

func TestDelete(t *testing.T) {
	idx := newTestIndex(t, 2, distance.MetricL2)
	require.NoError(t, idx.Insert(1, []float32{0, 0}))
	require.NoError(t, idx.Insert(2, []float32{1, 1}))

	var nf *ErrNodeNotFound
	assert.ErrorAs(t, idx.Delete(99), &nf)

	require.NoError(t, idx.Delete(1))
	require.NoError(t, idx.Delete(1))
	assert.False(t, idx.Contains(1))
	assert.True(t, idx.Contains(2))
	assert.Equal(t, 1, idx.Len())

	hits, err := idx.Search(context.Background(), []float32{0, 0}, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, hitIDs(hits))
}

func TestDelete_TombstoneExclusion(t *testing.T) {
	const dim = 16
	idx := newTestIndex(t, dim, distance.MetricCosine)
	rng := rand.New(rand.NewPCG(1, 2))

	vecs := randomVectors(rng, 1000, dim)
	for i, v := range vecs {
		distance.NormalizeL2InPlace(v)
		require.NoError(t, idx.Insert(uint64(i+1), v))
	}
	for id := uint64(100); id <= 199; id++ {
		require.NoError(t, idx.Delete(id))
	}

	for range 100 {
		q := randomVectors(rng, 1, dim)[0]
		for _, ef := range []int{10, 50, 400} {
			hits, err := idx.Search(context.Background(), q, 10, ef)
			require.NoError(t, err)
			require.Len(t, hits, 10)
			for _, h := range hits {
				assert.False(t, h.RowID >= 100 && h.RowID <= 199, "tombstoned row %d returned", h.RowID)
			}
		}
	}
	require.NoError(t, idx.Verify())
}

func TestDelete_EntryPointMoves(t *testing.T) {
	idx := newTestIndex(t, 8, distance.MetricL2)
	rng := rand.New(rand.NewPCG(3, 4))
	for i, v := range randomVectors(rng, 300, 8) {
		require.NoError(t, idx.Insert(uint64(i), v))
	}

	for range 5 {
		st := idx.Stats()
		require.True(t, st.HasEntryPoint)
		require.NoError(t, idx.Delete(st.EntryPoint))

		after := idx.Stats()
		assert.NotEqual(t, st.EntryPoint, after.EntryPoint)
		assert.True(t, idx.Contains(after.EntryPoint))
		require.NoError(t, idx.Verify())
	}

	hits, err := idx.Search(context.Background(), make([]float32, 8), 10, 0)
	require.NoError(t, err)
	assert.Len(t, hits, 10)
}

func TestSearch_SortedAndTieBreak(t *testing.T) {
	idx := newTestIndex(t, 2, distance.MetricL2)
	// Four points equidistant from the origin.
	require.NoError(t, idx.Insert(40, []float32{0, 1}))
	require.NoError(t, idx.Insert(10, []float32{1, 0}))
	require.NoError(t, idx.Insert(30, []float32{0, -1}))
	require.NoError(t, idx.Insert(20, []float32{-1, 0}))
	require.NoError(t, idx.Insert(50, []float32{3, 3}))

	hits, err := idx.Search(context.Background(), []float32{0, 0}, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 20, 30, 40, 50}, hitIDs(hits))
	assert.True(t, slices.IsSortedFunc(hits, func(a, b Hit) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		}
		return 0
	}))
}

func TestSearch_Recall(t *testing.T) {
	const (
		n       = 2000
		dim     = 32
		k       = 10
		queries = 200
	)
	idx := newTestIndex(t, dim, distance.MetricL2)
	rng := rand.New(rand.NewPCG(5, 6))

	data := make(map[uint64][]float32, n)
	for i, v := range randomVectors(rng, n, dim) {
		data[uint64(i)] = v
		require.NoError(t, idx.Insert(uint64(i), v))
	}

	good := 0
	for range queries {
		q := randomVectors(rng, 1, dim)[0]
		hits, err := idx.Search(context.Background(), q, k, 0)
		require.NoError(t, err)
		want := bruteForce(distance.MetricL2, data, q, k)
		match := 0
		for _, id := range hitIDs(hits) {
			if slices.Contains(want, id) {
				match++
			}
		}
		if match >= 8 {
			good++
		}
	}
	assert.GreaterOrEqual(t, float64(good)/queries, 0.95)
}

func TestSearch_Deterministic(t *testing.T) {
	idx := newTestIndex(t, 16, distance.MetricCosine)
	rng := rand.New(rand.NewPCG(7, 8))
	for i, v := range randomVectors(rng, 500, 16) {
		require.NoError(t, idx.Insert(uint64(i), v))
	}
	q := randomVectors(rng, 1, 16)[0]

	first, err := idx.Search(context.Background(), q, 10, 64)
	require.NoError(t, err)
	for range 5 {
		again, err := idx.Search(context.Background(), q, 10, 64)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestSearch_ContextCanceled(t *testing.T) {
	idx := newTestIndex(t, 4, distance.MetricL2)
	require.NoError(t, idx.Insert(1, []float32{1, 2, 3, 4}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := idx.Search(ctx, []float32{1, 2, 3, 4}, 1, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStats(t *testing.T) {
	idx := newTestIndex(t, 8, distance.MetricDot)
	rng := rand.New(rand.NewPCG(9, 10))
	for i, v := range randomVectors(rng, 200, 8) {
		require.NoError(t, idx.Insert(uint64(i), v))
	}
	for id := range uint64(20) {
		require.NoError(t, idx.Delete(id))
	}

	st := idx.Stats()
	assert.Equal(t, 180, st.Live)
	assert.Equal(t, 20, st.Tombstoned)
	assert.Equal(t, 8, st.Dimension)
	assert.Equal(t, "dot", st.MetricName)
	assert.Equal(t, 2*st.M, st.Mmax0)
	assert.InDelta(t, 0.1, st.TombstoneRatio(), 1e-9)

	total := 0
	for _, c := range st.LayerHistogram {
		total += c
	}
	assert.Equal(t, 200, total)
	assert.LessOrEqual(t, st.MaxLevel, len(st.LayerHistogram)-1)
}

func TestPersistLoad_RoundTrip(t *testing.T) {
	const dim = 12
	idx := newTestIndex(t, dim, distance.MetricCosine)
	rng := rand.New(rand.NewPCG(11, 12))
	for i, v := range randomVectors(rng, 400, dim) {
		require.NoError(t, idx.Insert(uint64(i+1), v))
	}
	for id := uint64(50); id < 90; id++ {
		require.NoError(t, idx.Delete(id))
	}

	var buf bytes.Buffer
	require.NoError(t, idx.Persist(&buf))
	snapshot := bytes.Clone(buf.Bytes())

	loaded, err := Load(bytes.NewReader(snapshot))
	require.NoError(t, err)
	require.NoError(t, loaded.Verify())

	var again bytes.Buffer
	require.NoError(t, loaded.Persist(&again))
	assert.Equal(t, snapshot, again.Bytes())

	assert.Equal(t, idx.Stats().Live, loaded.Stats().Live)
	assert.Equal(t, idx.Stats().EntryPoint, loaded.Stats().EntryPoint)

	for range 50 {
		q := randomVectors(rng, 1, dim)[0]
		want, err := idx.Search(context.Background(), q, 10, 0)
		require.NoError(t, err)
		got, err := loaded.Search(context.Background(), q, 10, 0)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestLoad_Corrupt(t *testing.T) {
	idx := newTestIndex(t, 4, distance.MetricL2)
	for i := range 20 {
		require.NoError(t, idx.Insert(uint64(i), []float32{float32(i), 1, 2, 3}))
	}
	var buf bytes.Buffer
	require.NoError(t, idx.Persist(&buf))
	data := buf.Bytes()

	flipped := bytes.Clone(data)
	flipped[len(flipped)/2] ^= 0xFF
	_, err := Load(bytes.NewReader(flipped))
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = Load(bytes.NewReader(data[:len(data)-3]))
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = Load(bytes.NewReader([]byte("NOPE!")))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestPersistLoad_Empty(t *testing.T) {
	idx := newTestIndex(t, 3, distance.MetricL2)
	var buf bytes.Buffer
	require.NoError(t, idx.Persist(&buf))

	loaded, err := Load(&buf)
	require.NoError(t, err)
	assert.Equal(t, 0, loaded.Len())
	assert.Equal(t, 3, loaded.Dimension())
	assert.False(t, loaded.Stats().HasEntryPoint)
}
