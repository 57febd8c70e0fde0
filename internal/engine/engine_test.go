package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vectra/internal/bus"
	"github.com/hupe1980/vectra/internal/catalog"
	"github.com/hupe1980/vectra/internal/embed"
	"github.com/hupe1980/vectra/internal/errs"
	"github.com/hupe1980/vectra/internal/logging"
)

func openTest(t *testing.T, dir string, opts ...Option) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.CompactionSchedule = ""
	e, err := Open(dir, append([]Option{WithConfig(cfg)}, opts...)...)
	require.NoError(t, err)
	return e
}

// crash stops e without the final checkpoint, leaving only the WAL behind.
func crash(t *testing.T, e *Engine) {
	t.Helper()
	e.closed.Store(true)
	e.bgMu.Lock()
	e.bgMu.Unlock()
	e.cancel()
	e.wg.Wait()
	require.NoError(t, e.closeResources())
}

func mustExec(t *testing.T, e *Engine, query string) *Result {
	t.Helper()
	res, err := e.Execute(context.Background(), query)
	require.NoError(t, err, query)
	return res
}

func ids(res *Result) []int64 {
	out := make([]int64, len(res.Rows))
	for i, r := range res.Rows {
		out[i] = r[0].(int64)
	}
	return out
}

func vectorLit(v []float32) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = fmt.Sprintf("%g", f)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func randomVector(r *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = r.Float32()*2 - 1
	}
	return v
}

func setupDocs(t *testing.T, e *Engine) {
	t.Helper()
	mustExec(t, e, "CREATE TABLE docs (id INT PRIMARY KEY, body TEXT, v VECTOR(4))")
	mustExec(t, e, "INSERT INTO docs VALUES (1, 'a', [1,0,0,0]), (2, 'b', [0,1,0,0]), (3, 'c', [0.9,0.1,0,0])")
	mustExec(t, e, "CREATE INDEX docs_v ON docs (v)")
}

func TestCosineTopK(t *testing.T) {
	e := openTest(t, t.TempDir())
	defer e.Close()
	setupDocs(t, e)

	res := mustExec(t, e, "SELECT id FROM docs ORDER BY v <-> [1,0,0,0] LIMIT 2")
	assert.Equal(t, []string{"id"}, res.Columns)
	assert.Equal(t, []int64{1, 3}, ids(res))

	sr, err := e.Search(context.Background(), "docs", "v", []float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, sr.Hits, 2)
	assert.Equal(t, int64(1), sr.Hits[0].Row[0])
	assert.Equal(t, int64(3), sr.Hits[1].Row[0])
	assert.LessOrEqual(t, sr.Hits[0].Distance, sr.Hits[1].Distance)
}

func TestDeletedRowsNeverReturned(t *testing.T) {
	e := openTest(t, t.TempDir())
	defer e.Close()

	const dim = 8
	r := rand.New(rand.NewPCG(1, 2))
	mustExec(t, e, fmt.Sprintf("CREATE TABLE pts (id INT PRIMARY KEY, v VECTOR(%d))", dim))
	mustExec(t, e, "CREATE INDEX ON pts (v)")

	var sb strings.Builder
	sb.WriteString("INSERT INTO pts VALUES ")
	for i := range 1000 {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "(%d, %s)", i, vectorLit(randomVector(r, dim)))
	}
	assert.Equal(t, 1000, mustExec(t, e, sb.String()).RowsAffected)
	assert.Equal(t, 100, mustExec(t, e, "DELETE FROM pts WHERE id >= 100 AND id <= 199").RowsAffected)

	for range 100 {
		res := mustExec(t, e, fmt.Sprintf("SELECT id FROM pts ORDER BY v <-> %s LIMIT 10", vectorLit(randomVector(r, dim))))
		require.Len(t, res.Rows, 10)
		for _, id := range ids(res) {
			assert.False(t, id >= 100 && id <= 199, "deleted id %d returned", id)
		}
	}
}

func TestDimensionMismatchPublishesNothing(t *testing.T) {
	e := openTest(t, t.TempDir())
	defer e.Close()
	setupDocs(t, e)

	sub, err := e.Subscribe(bus.TableTopic("docs"))
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), "INSERT INTO docs VALUES (9, 'x', [1,0,0])")
	require.Error(t, err)
	assert.Equal(t, errs.KindDimensionMismatch, errs.KindOf(err))

	_, ok := sub.TryNext()
	assert.False(t, ok)
	assert.Equal(t, int64(3), mustExec(t, e, "SELECT COUNT(*) FROM docs").Rows[0][0])
}

func TestRecoveryWithoutClose(t *testing.T) {
	dir := t.TempDir()
	e := openTest(t, dir)
	setupDocs(t, e)
	mustExec(t, e, "INSERT INTO docs VALUES (4, 'd', [0,0,0,1])")
	crash(t, e)

	e2 := openTest(t, dir)
	defer e2.Close()

	res := mustExec(t, e2, "SELECT id FROM docs ORDER BY v <-> [0,0,0,1] LIMIT 1")
	assert.Equal(t, []int64{4}, ids(res))
	assert.Equal(t, int64(4), mustExec(t, e2, "SELECT COUNT(*) FROM docs").Rows[0][0])
}

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	e := openTest(t, dir)
	setupDocs(t, e)
	mustExec(t, e, "DELETE FROM docs WHERE id = 2")

	before, err := e.Search(context.Background(), "docs", "v", []float32{0.5, 0.5, 0, 0}, 3)
	require.NoError(t, err)

	lsn, err := e.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.Positive(t, lsn)

	// Writes after the checkpoint come back from the WAL tail.
	mustExec(t, e, "INSERT INTO docs VALUES (5, 'e', [0,0,1,0])")
	mustExec(t, e, "DELETE FROM docs WHERE id = 5")
	crash(t, e)

	e2 := openTest(t, dir)
	defer e2.Close()

	after, err := e2.Search(context.Background(), "docs", "v", []float32{0.5, 0.5, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, after.Hits, len(before.Hits))
	for i := range before.Hits {
		assert.Equal(t, before.Hits[i].RowID, after.Hits[i].RowID)
		assert.InDelta(t, before.Hits[i].Distance, after.Hits[i].Distance, 1e-6)
	}

	// Row-ids are never reused after recovery.
	res := mustExec(t, e2, "INSERT INTO docs VALUES (6, 'f', [0,0,1,0])")
	assert.Greater(t, res.RowIDs[0], uint64(4))
}

func TestConcurrentInserts(t *testing.T) {
	n := 10_000
	if testing.Short() {
		n = 1_000
	}
	cfg := DefaultConfig()
	cfg.SyncWrites = false
	cfg.CompactionSchedule = ""
	e, err := Open(t.TempDir(), WithConfig(cfg))
	require.NoError(t, err)
	defer e.Close()

	mustExec(t, e, "CREATE TABLE pts (v VECTOR(8))")
	mustExec(t, e, "CREATE INDEX ON pts (v)")
	tbl, err := e.Catalog().Get("pts")
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint64]bool, 2*n)
	)
	for w := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := rand.New(rand.NewPCG(uint64(w), 7))
			local := make([]uint64, 0, n)
			for range n {
				id, err := e.InsertRow(context.Background(), tbl, catalog.Row{randomVector(r, 8)})
				if !assert.NoError(t, err) {
					return
				}
				local = append(local, id)
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				assert.False(t, seen[id], "row-id %d assigned twice", id)
				seen[id] = true
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 2*n)
	st := e.Stats()
	require.Len(t, st.Tables, 1)
	require.Len(t, st.Tables[0].Indexes, 1)
	assert.Equal(t, 2*n, st.Tables[0].Indexes[0].Graph.Live)
}

func TestAIEmbedding(t *testing.T) {
	hook, err := embed.New()
	require.NoError(t, err)
	defer hook.Close()
	require.NoError(t, hook.Register(embed.NewFuncModel("stub", 4, func(context.Context, string) ([]float32, error) {
		return []float32{1, 0, 0, 0}, nil
	})))
	require.NoError(t, hook.SetDefault("stub"))

	e := openTest(t, t.TempDir(), WithEmbedder(hook))
	defer e.Close()
	setupDocs(t, e)
	for i := 4; i <= 10; i++ {
		mustExec(t, e, fmt.Sprintf("INSERT INTO docs VALUES (%d, 'x', [0,0,1,0])", i))
	}

	res := mustExec(t, e, "SELECT id FROM docs ORDER BY v <-> ai_embedding('anything') LIMIT 5")
	got := ids(res)
	require.Len(t, got, 5)
	assert.Equal(t, []int64{1, 3}, got[:2])
}

func TestUpdateMovesVectorToNewRowID(t *testing.T) {
	e := openTest(t, t.TempDir())
	defer e.Close()
	setupDocs(t, e)

	before := mustExec(t, e, "SELECT id FROM docs WHERE id = 2")
	require.Len(t, before.RowIDs, 1)

	res := mustExec(t, e, "UPDATE docs SET v = [1,0,0,0] WHERE id = 2")
	require.Equal(t, 1, res.RowsAffected)
	assert.NotEqual(t, before.RowIDs[0], res.RowIDs[0])

	top := mustExec(t, e, "SELECT id FROM docs ORDER BY v <-> [1,0,0,0] LIMIT 3")
	assert.ElementsMatch(t, []int64{1, 2, 3}, ids(top))

	// Scalar updates keep the row-id.
	res = mustExec(t, e, "UPDATE docs SET body = 'z' WHERE id = 1")
	one := mustExec(t, e, "SELECT id, body FROM docs WHERE id = 1")
	assert.Equal(t, one.RowIDs[0], res.RowIDs[0])
	assert.Equal(t, "z", one.Rows[0][1])

	st := e.Stats()
	assert.Equal(t, 3, st.Tables[0].Indexes[0].Graph.Live)
	assert.Equal(t, 1, st.Tables[0].Indexes[0].Graph.Tombstoned)
}

func TestConstraints(t *testing.T) {
	e := openTest(t, t.TempDir())
	defer e.Close()
	mustExec(t, e, "CREATE TABLE users (id INT PRIMARY KEY, email TEXT UNIQUE, name TEXT NOT NULL DEFAULT 'anon')")
	mustExec(t, e, "INSERT INTO users (id, email) VALUES (1, 'a@x')")

	_, err := e.Execute(context.Background(), "INSERT INTO users (id, email) VALUES (1, 'b@x')")
	assert.Equal(t, errs.KindDuplicateID, errs.KindOf(err))
	_, err = e.Execute(context.Background(), "INSERT INTO users (id, email) VALUES (2, 'a@x')")
	assert.Equal(t, errs.KindDuplicateID, errs.KindOf(err))
	_, err = e.Execute(context.Background(), "INSERT INTO users (id, email, name) VALUES (3, 'c@x', NULL)")
	assert.Equal(t, errs.KindType, errs.KindOf(err))

	res := mustExec(t, e, "SELECT name FROM users WHERE id = 1")
	assert.Equal(t, "anon", res.Rows[0][0])
}

func TestVectorErrors(t *testing.T) {
	e := openTest(t, t.TempDir())
	defer e.Close()
	mustExec(t, e, "CREATE TABLE docs (id INT PRIMARY KEY, v VECTOR(4))")
	mustExec(t, e, "INSERT INTO docs VALUES (1, [1,0,0,0])")

	_, err := e.Execute(context.Background(), "SELECT id FROM docs ORDER BY v <-> [1,0,0,0] LIMIT 1")
	assert.Equal(t, errs.KindIndexAbsent, errs.KindOf(err))

	_, err = e.Search(context.Background(), "docs", "v", []float32{1, 0, 0, 0}, 1)
	assert.Equal(t, errs.KindIndexAbsent, errs.KindOf(err))

	mustExec(t, e, "CREATE INDEX ON docs (v)")
	_, err = e.Search(context.Background(), "docs", "v", []float32{1, 0}, 1)
	assert.Equal(t, errs.KindDimensionMismatch, errs.KindOf(err))

	_, err = e.Search(context.Background(), "nope", "v", []float32{1, 0, 0, 0}, 1)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))

	_, err = e.Execute(context.Background(), "SELEC id FROM docs")
	assert.Equal(t, errs.KindParse, errs.KindOf(err))
}

func TestAutoIndex(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoIndex = true
	cfg.CompactionSchedule = ""
	e, err := Open(t.TempDir(), WithConfig(cfg))
	require.NoError(t, err)
	defer e.Close()

	mustExec(t, e, "CREATE TABLE docs (id INT PRIMARY KEY, v VECTOR(4))")
	mustExec(t, e, "INSERT INTO docs VALUES (1, [1,0,0,0]), (2, [0,1,0,0])")

	res := mustExec(t, e, "SELECT id FROM docs ORDER BY v <-> [0,1,0,0] LIMIT 1")
	assert.Equal(t, []int64{2}, ids(res))

	desc := mustExec(t, e, "DESCRIBE docs")
	require.Len(t, desc.Rows, 2)
	assert.NotNil(t, desc.Rows[1][6])
}

func TestDropTable(t *testing.T) {
	dir := t.TempDir()
	e := openTest(t, dir)
	setupDocs(t, e)
	mustExec(t, e, "DROP TABLE docs")

	_, err := e.Execute(context.Background(), "SELECT * FROM docs")
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
	mustExec(t, e, "DROP TABLE IF EXISTS docs")
	require.NoError(t, e.Close())

	e2 := openTest(t, dir)
	defer e2.Close()
	assert.Empty(t, mustExec(t, e2, "SHOW TABLES").Rows)

	// The name can be reused.
	setupDocs(t, e2)
	assert.Len(t, mustExec(t, e2, "SHOW TABLES").Rows, 1)
}

func TestEventsInCommitOrder(t *testing.T) {
	e := openTest(t, t.TempDir())
	defer e.Close()
	setupDocs(t, e)

	sub, err := e.Subscribe(bus.TableTopic("docs"))
	require.NoError(t, err)

	mustExec(t, e, "INSERT INTO docs VALUES (4, 'd', [0,0,1,0])")
	mustExec(t, e, "UPDATE docs SET body = 'dd' WHERE id = 4")
	mustExec(t, e, "DELETE FROM docs WHERE id = 4")

	var (
		ops  []string
		last float64
	)
	for range 3 {
		msg, err := sub.Next(context.Background())
		require.NoError(t, err)
		var ev map[string]any
		require.NoError(t, json.Unmarshal(msg.Payload, &ev))
		ops = append(ops, ev["op"].(string))
		lsn := ev["lsn"].(float64)
		assert.Greater(t, lsn, last)
		last = lsn
	}
	assert.Equal(t, []string{"insert", "update", "delete"}, ops)
	require.NoError(t, e.Unsubscribe(sub.ID()))
	assert.Equal(t, errs.KindNotFound, errs.KindOf(e.Unsubscribe(sub.ID())))
}

func TestCompactStatement(t *testing.T) {
	e := openTest(t, t.TempDir())
	defer e.Close()
	setupDocs(t, e)
	mustExec(t, e, "DELETE FROM docs WHERE id = 2")

	res := mustExec(t, e, "COMPACT docs")
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "docs_v", res.Rows[0][0])
	assert.Equal(t, int64(3), res.Rows[0][1])
	assert.Equal(t, int64(2), res.Rows[0][2])

	assert.Equal(t, []int64{1, 3}, ids(mustExec(t, e, "SELECT id FROM docs ORDER BY v <-> [1,0,0,0] LIMIT 5")))
}

func TestScheduledCompaction(t *testing.T) {
	e := openTest(t, t.TempDir())
	defer e.Close()
	setupDocs(t, e)
	mustExec(t, e, "DELETE FROM docs WHERE id IN (2, 3)")

	e.runScheduledCompaction()
	st := e.Stats()
	assert.Equal(t, 0, st.Tables[0].Indexes[0].Graph.Tombstoned)
	assert.Equal(t, 1, st.Tables[0].Indexes[0].Graph.Live)
}

func TestExplainAndIntrospection(t *testing.T) {
	e := openTest(t, t.TempDir())
	defer e.Close()
	setupDocs(t, e)

	plan := mustExec(t, e, "EXPLAIN SELECT id FROM docs ORDER BY v <-> [1,0,0,0] LIMIT 2")
	assert.Equal(t, []string{"plan"}, plan.Columns)
	assert.Contains(t, fmt.Sprint(plan.Rows), "VectorProbe")

	tables := mustExec(t, e, "SHOW TABLES")
	assert.Equal(t, catalog.Row{"docs", int64(3), int64(3), int64(1)}, tables.Rows[0])

	ckpt := mustExec(t, e, "CHECKPOINT")
	assert.Equal(t, []string{"lsn"}, ckpt.Columns)

	st := e.Stats()
	assert.Equal(t, ckpt.Rows[0][0], int64(st.WAL.CheckpointLSN))
}

func TestClosedEngine(t *testing.T) {
	e := openTest(t, t.TempDir())
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Close(), ErrClosed)
	_, err := e.Execute(context.Background(), "SHOW TABLES")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestShortVectorProbeIsLogged(t *testing.T) {
	var buf bytes.Buffer
	e := openTest(t, t.TempDir(), WithLogger(logging.NewTextLogger(&buf, slog.LevelDebug)))
	defer e.Close()

	mustExec(t, e, "CREATE TABLE line (id INT PRIMARY KEY, v VECTOR(2))")
	mustExec(t, e, "CREATE INDEX ON line (v) WITH (metric = 'l2')")
	var sb strings.Builder
	sb.WriteString("INSERT INTO line VALUES ")
	for i := range 200 {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "(%d, [%d, 0])", i, i)
	}
	mustExec(t, e, sb.String())

	res := mustExec(t, e, "SELECT id FROM line ORDER BY v <-> [0, 0] LIMIT 2")
	assert.Equal(t, []int64{0, 1}, ids(res))
	assert.NotContains(t, buf.String(), "fewer rows than requested")

	// The filter rejects every candidate within the fetch cap.
	res = mustExec(t, e, "SELECT id FROM line WHERE id > 150 ORDER BY v <-> [0, 0] LIMIT 2")
	assert.Empty(t, res.Rows)
	out := buf.String()
	assert.Contains(t, out, "level=INFO msg=\"vector probe returned fewer rows than requested\"")
	assert.Contains(t, out, "k=2 returned=0 fetched=64 rounds=4 exhausted=false")

	// Running out of candidates is routine and logged at debug.
	buf.Reset()
	res = mustExec(t, e, "SELECT id FROM line WHERE id > 1000 ORDER BY v <-> [0, 0] LIMIT 300")
	assert.Empty(t, res.Rows)
	assert.Contains(t, buf.String(), "level=DEBUG msg=\"vector probe returned fewer rows than requested\"")
	assert.Contains(t, buf.String(), "exhausted=true")
}
