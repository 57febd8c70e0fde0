package engine

import (
	"github.com/hupe1980/vectra/internal/bus"
	"github.com/hupe1980/vectra/internal/embed"
	"github.com/hupe1980/vectra/internal/hnsw"
	"github.com/hupe1980/vectra/internal/rowstore"
)

// Stats is a point-in-time view of the engine.
type Stats struct {
	UptimeSeconds float64         `json:"uptime_s"`
	Tables        []TableStats    `json:"tables"`
	WAL           WALStats        `json:"wal"`
	Bus           BusStats        `json:"bus"`
	Embedding     EmbeddingStats  `json:"embedding"`
	Background    BackgroundStats `json:"background"`
}

// TableStats describes one table.
type TableStats struct {
	Name    string         `json:"name"`
	ID      uint32         `json:"id"`
	Rows    rowstore.Stats `json:"rows"`
	Indexes []IndexStats   `json:"indexes,omitempty"`
}

// IndexStats describes one vector index.
type IndexStats struct {
	Name   string     `json:"name"`
	Column string     `json:"column"`
	Graph  hnsw.Stats `json:"graph"`
}

// WALStats describes the write-ahead log.
type WALStats struct {
	Bytes         int64  `json:"bytes"`
	Segment       uint64 `json:"segment"`
	LastLSN       uint64 `json:"last_lsn"`
	DurableLSN    uint64 `json:"durable_lsn"`
	CheckpointLSN uint64 `json:"checkpoint_lsn"`
}

// BusStats describes the change bus.
type BusStats struct {
	Topics        []bus.TopicStats `json:"topics"`
	Subscriptions int              `json:"subscriptions"`
}

// EmbeddingStats describes the embedding hook.
type EmbeddingStats struct {
	embed.Stats
	Models []embed.ModelInfo `json:"models"`
}

// BackgroundStats describes background work.
type BackgroundStats struct {
	Running int64 `json:"running"`
	IOBytes int64 `json:"io_bytes"`
}

// Stats collects table, index, WAL, bus and embedding statistics.
func (e *Engine) Stats() Stats {
	st := Stats{
		UptimeSeconds: e.Uptime().Seconds(),
		WAL: WALStats{
			Bytes:         e.wal.Size(),
			Segment:       e.wal.Segment(),
			LastLSN:       e.wal.LastLSN(),
			DurableLSN:    e.wal.DurableLSN(),
			CheckpointLSN: e.checkpointLSN.Load(),
		},
		Bus: BusStats{
			Topics:        e.bus.Stats(),
			Subscriptions: len(e.bus.Subscriptions()),
		},
		Embedding: EmbeddingStats{
			Stats:  e.embed.Stats(),
			Models: e.embed.Models(),
		},
		Background: BackgroundStats{
			Running: e.rc.BackgroundRunning(),
			IOBytes: e.rc.IOBytes(),
		},
	}
	for _, t := range e.cat.Tables() {
		ts, err := e.state(t.ID)
		if err != nil {
			continue
		}
		tst := TableStats{Name: t.Name, ID: t.ID, Rows: ts.rows.Stats()}
		for _, bi := range sortedIndexes(ts) {
			tst.Indexes = append(tst.Indexes, IndexStats{Name: bi.def.Name, Column: bi.def.Column, Graph: bi.index.Stats()})
		}
		st.Tables = append(st.Tables, tst)
	}
	return st
}
