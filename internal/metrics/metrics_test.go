package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasicCollector(t *testing.T) {
	var b BasicCollector
	b.RecordQuery("select", 2*time.Millisecond, nil)
	b.RecordQuery("select", 4*time.Millisecond, errors.New("x"))
	b.RecordInsert(time.Millisecond, nil)
	b.RecordSearch(10, time.Millisecond, nil)
	b.RecordDelete(time.Millisecond, errors.New("x"))
	b.RecordCheckpoint(time.Millisecond, 512, nil)
	b.RecordCheckpoint(time.Millisecond, 512, errors.New("disk"))
	b.RecordCompaction(time.Millisecond, 7, nil)
	b.RecordDrop("table.docs.changes")

	s := b.GetStats()
	assert.EqualValues(t, 2, s.QueryCount)
	assert.EqualValues(t, 1, s.QueryErrors)
	assert.Equal(t, (3 * time.Millisecond).Nanoseconds(), s.QueryAvgNanos)
	assert.EqualValues(t, 1, s.InsertCount)
	assert.EqualValues(t, 1, s.DeleteErrors)
	assert.EqualValues(t, 2, s.Checkpoints)
	assert.EqualValues(t, 512, s.CheckpointBytes)
	assert.EqualValues(t, 7, s.Reclaimed)
	assert.EqualValues(t, 1, s.Drops)
}

func TestMultiFansOut(t *testing.T) {
	var a, b BasicCollector
	m := Multi{&a, &b, NoopCollector{}}
	m.RecordInsert(time.Millisecond, nil)
	m.RecordDrop("t")
	assert.EqualValues(t, 1, a.InsertCount.Load())
	assert.EqualValues(t, 1, b.Drops.Load())
}

func TestPrometheusHandler(t *testing.T) {
	p := NewPrometheusCollector()
	p.RecordQuery("select", time.Millisecond, nil)
	p.RecordInsert(time.Millisecond, nil)
	p.RecordCheckpoint(time.Millisecond, 100, nil)
	p.RecordDrop("table.docs.changes")

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `vectra_queries_total{kind="select",status="success"} 1`)
	assert.Contains(t, text, `vectra_writes_total{status="success",type="insert"} 1`)
	assert.Contains(t, text, `vectra_checkpoint_bytes_total 100`)
	assert.Contains(t, text, `vectra_bus_dropped_total{topic="table.docs.changes"} 1`)
}
