package vectra_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vectra"
)

func openTest(t *testing.T, optFns ...vectra.Option) *vectra.DB {
	t.Helper()
	cfg := vectra.DefaultConfig()
	cfg.CompactionSchedule = ""
	db, err := vectra.Open(t.TempDir(), append([]vectra.Option{vectra.WithConfig(cfg)}, optFns...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestQueryAndSearch(t *testing.T) {
	ctx := context.Background()
	m := &vectra.BasicMetricsCollector{}
	db := openTest(t, vectra.WithMetricsCollector(m))

	for _, q := range []string{
		"CREATE TABLE docs (id INT PRIMARY KEY, body TEXT, v VECTOR(3))",
		"CREATE INDEX ON docs (v) USING HNSW WITH (metric = 'l2')",
		"INSERT INTO docs VALUES (1, 'a', [0, 0, 0]), (2, 'b', [1, 0, 0]), (3, 'c', [5, 5, 5])",
	} {
		_, err := db.Query(ctx, q)
		require.NoError(t, err, q)
	}

	res, err := db.Search(ctx, "docs", "v", []float32{0.9, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)
	assert.Equal(t, int64(2), res.Hits[0].Row[0])
	assert.Equal(t, int64(1), res.Hits[1].Row[0])

	q, err := db.Query(ctx, "SELECT id FROM docs ORDER BY v <-> [4, 4, 4] LIMIT 1")
	require.NoError(t, err)
	require.Len(t, q.Rows, 1)
	assert.Equal(t, int64(3), q.Rows[0][0])

	stats := m.GetStats()
	assert.Positive(t, stats.QueryCount)
	assert.Positive(t, stats.SearchCount)
}

func TestErrorKinds(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)

	_, err := db.Query(ctx, "SELEC 1")
	assert.ErrorIs(t, err, vectra.ErrParse)
	assert.Equal(t, vectra.KindParse, vectra.KindOf(err))

	_, err = db.Query(ctx, "SELECT * FROM missing")
	assert.ErrorIs(t, err, vectra.ErrNotFound)

	_, err = db.Query(ctx, "CREATE TABLE t (id INT PRIMARY KEY, v VECTOR(2))")
	require.NoError(t, err)
	_, err = db.Query(ctx, "INSERT INTO t VALUES (1, [1, 2, 3])")
	assert.ErrorIs(t, err, vectra.ErrDimensionMismatch)

	_, err = db.Search(ctx, "t", "v", []float32{1, 2}, 1)
	assert.ErrorIs(t, err, vectra.ErrIndexAbsent)
}

func TestEmbeddingModel(t *testing.T) {
	ctx := context.Background()
	model := vectra.NewFuncModel("fixed", 2, func(context.Context, string) ([]float32, error) {
		return []float32{1, 0}, nil
	})
	db := openTest(t, vectra.WithEmbeddingModel(model, true))

	for _, q := range []string{
		"CREATE TABLE notes (id INT PRIMARY KEY, v VECTOR(2))",
		"INSERT INTO notes VALUES (1, [1, 0]), (2, [0, 1])",
	} {
		_, err := db.Query(ctx, q)
		require.NoError(t, err, q)
	}
	res, err := db.Query(ctx, "SELECT id FROM notes ORDER BY v <-> ai_embedding('anything') LIMIT 1")
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, int64(1), res.Rows[0][0])

	require.NoError(t, db.RegisterModel(vectra.NewFuncModel("broken", 2, func(context.Context, string) ([]float32, error) {
		return nil, errors.New("offline")
	})))
	_, err = db.Query(ctx, "SELECT id FROM notes ORDER BY v <-> ai_embedding('broken', 'x') LIMIT 1")
	assert.ErrorIs(t, err, vectra.ErrEmbeddingUnavailable)
}

func TestSubscribe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db := openTest(t)

	_, err := db.Query(ctx, "CREATE TABLE events (id INT PRIMARY KEY)")
	require.NoError(t, err)
	sub, err := db.Subscribe(vectra.TableTopic("events"))
	require.NoError(t, err)

	_, err = db.Query(ctx, "INSERT INTO events VALUES (7)")
	require.NoError(t, err)

	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	var ev vectra.Event
	require.NoError(t, json.Unmarshal(msg.Payload, &ev))
	assert.Equal(t, "insert", string(ev.Op))
	assert.Equal(t, "events", ev.Table)

	require.NoError(t, db.Unsubscribe(sub.ID()))
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, vectra.ErrSubscriptionClosed)
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := vectra.DefaultConfig()
	cfg.CompactionSchedule = ""

	db, err := vectra.Open(dir, vectra.WithConfig(cfg))
	require.NoError(t, err)
	_, err = db.Query(ctx, "CREATE TABLE kv (k TEXT PRIMARY KEY, v INT)")
	require.NoError(t, err)
	_, err = db.Query(ctx, "INSERT INTO kv VALUES ('a', 1)")
	require.NoError(t, err)
	lsn, err := db.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Positive(t, lsn)
	_, err = db.Query(ctx, "INSERT INTO kv VALUES ('b', 2)")
	require.NoError(t, err)
	require.NoError(t, db.Close())
	assert.ErrorIs(t, db.Close(), vectra.ErrClosed)

	db, err = vectra.Open(dir, vectra.WithConfig(cfg))
	require.NoError(t, err)
	defer db.Close()
	res, err := db.Query(ctx, "SELECT k, v FROM kv ORDER BY k")
	require.NoError(t, err)
	assert.Equal(t, []vectra.Row{{"a", int64(1)}, {"b", int64(2)}}, res.Rows)
	assert.Len(t, db.Stats().Tables, 1)
}
