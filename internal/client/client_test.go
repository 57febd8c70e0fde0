package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vectra/internal/engine"
	"github.com/hupe1980/vectra/internal/errs"
	"github.com/hupe1980/vectra/internal/server"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.CompactionSchedule = ""
	e, err := engine.Open(t.TempDir(), engine.WithConfig(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	ts := httptest.NewServer(server.New(e).Router())
	t.Cleanup(ts.Close)
	return New(ts.URL)
}

func TestClientRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Query(ctx, "CREATE TABLE docs (id INT PRIMARY KEY, v VECTOR(2))")
	require.NoError(t, err)
	res, err := c.Query(ctx, "INSERT INTO docs VALUES (1, [1,0]), (2, [0,1])")
	require.NoError(t, err)
	assert.Equal(t, 2, res.RowsAffected)
	_, err = c.Query(ctx, "CREATE INDEX ON docs (v)")
	require.NoError(t, err)

	hits, err := c.Search(ctx, server.SearchRequest{Table: "docs", Column: "v", Vector: []float32{0, 1}, K: 1})
	require.NoError(t, err)
	require.Len(t, hits.Hits, 1)
	assert.Equal(t, float64(2), hits.Hits[0].Row["id"])

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, json.Valid(stats))
}

func TestClientErrorKinds(t *testing.T) {
	c := newTestClient(t)

	_, err := c.Query(context.Background(), "SELECT * FROM missing")
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))

	err = c.Unsubscribe(context.Background(), "nope")
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestClientEvents(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.Query(ctx, "CREATE TABLE t (id INT)")
	require.NoError(t, err)
	sub, err := c.Subscribe(ctx, server.SubscribeRequest{Table: "t"})
	require.NoError(t, err)
	_, err = c.Query(ctx, "INSERT INTO t VALUES (7)")
	require.NoError(t, err)

	var got map[string]any
	err = c.Events(ctx, sub.SubscriptionID, func(payload []byte) error {
		require.NoError(t, json.Unmarshal(payload, &got))
		cancel()
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "insert", got["op"])
}
