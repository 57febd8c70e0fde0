// Package metrics defines the operational metrics the engine reports and
// two collectors: an in-memory one and a Prometheus one.
package metrics

import (
	"sync/atomic"
	"time"
)

// Collector receives operational events from the engine and the server.
// Implementations must be safe for concurrent use.
type Collector interface {
	// RecordQuery is called after each SQL statement. kind is the statement
	// kind ("select", "insert", "create_table", ...).
	RecordQuery(kind string, duration time.Duration, err error)

	// RecordInsert is called after each row insert.
	RecordInsert(duration time.Duration, err error)

	// RecordSearch is called after each vector probe with the requested k.
	RecordSearch(k int, duration time.Duration, err error)

	// RecordDelete is called after each row delete.
	RecordDelete(duration time.Duration, err error)

	// RecordCheckpoint is called after each checkpoint attempt.
	RecordCheckpoint(duration time.Duration, bytes int64, err error)

	// RecordCompaction is called after each index compaction.
	RecordCompaction(duration time.Duration, reclaimed int, err error)

	// RecordDrop is called when the change bus drops a message.
	RecordDrop(topic string)
}

// NoopCollector discards every event.
type NoopCollector struct{}

func (NoopCollector) RecordQuery(string, time.Duration, error)     {}
func (NoopCollector) RecordInsert(time.Duration, error)            {}
func (NoopCollector) RecordSearch(int, time.Duration, error)       {}
func (NoopCollector) RecordDelete(time.Duration, error)            {}
func (NoopCollector) RecordCheckpoint(time.Duration, int64, error) {}
func (NoopCollector) RecordCompaction(time.Duration, int, error)   {}
func (NoopCollector) RecordDrop(string)                            {}

// BasicCollector keeps counters in memory. The zero value is ready to use.
type BasicCollector struct {
	QueryCount       atomic.Int64
	QueryErrors      atomic.Int64
	QueryTotalNanos  atomic.Int64
	InsertCount      atomic.Int64
	InsertErrors     atomic.Int64
	InsertTotalNanos atomic.Int64
	SearchCount      atomic.Int64
	SearchErrors     atomic.Int64
	SearchTotalNanos atomic.Int64
	DeleteCount      atomic.Int64
	DeleteErrors     atomic.Int64
	Checkpoints      atomic.Int64
	CheckpointErrors atomic.Int64
	CheckpointBytes  atomic.Int64
	Compactions      atomic.Int64
	CompactionErrors atomic.Int64
	Reclaimed        atomic.Int64
	Drops            atomic.Int64
}

// RecordQuery implements Collector.
func (b *BasicCollector) RecordQuery(_ string, duration time.Duration, err error) {
	b.QueryCount.Add(1)
	b.QueryTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.QueryErrors.Add(1)
	}
}

// RecordInsert implements Collector.
func (b *BasicCollector) RecordInsert(duration time.Duration, err error) {
	b.InsertCount.Add(1)
	b.InsertTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.InsertErrors.Add(1)
	}
}

// RecordSearch implements Collector.
func (b *BasicCollector) RecordSearch(_ int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordDelete implements Collector.
func (b *BasicCollector) RecordDelete(_ time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordCheckpoint implements Collector.
func (b *BasicCollector) RecordCheckpoint(_ time.Duration, bytes int64, err error) {
	b.Checkpoints.Add(1)
	if err != nil {
		b.CheckpointErrors.Add(1)
		return
	}
	b.CheckpointBytes.Add(bytes)
}

// RecordCompaction implements Collector.
func (b *BasicCollector) RecordCompaction(_ time.Duration, reclaimed int, err error) {
	b.Compactions.Add(1)
	if err != nil {
		b.CompactionErrors.Add(1)
		return
	}
	b.Reclaimed.Add(int64(reclaimed))
}

// RecordDrop implements Collector.
func (b *BasicCollector) RecordDrop(string) { b.Drops.Add(1) }

// Stats is a snapshot of a BasicCollector.
type Stats struct {
	QueryCount       int64 `json:"query_count"`
	QueryErrors      int64 `json:"query_errors"`
	QueryAvgNanos    int64 `json:"query_avg_nanos"`
	InsertCount      int64 `json:"insert_count"`
	InsertErrors     int64 `json:"insert_errors"`
	InsertAvgNanos   int64 `json:"insert_avg_nanos"`
	SearchCount      int64 `json:"search_count"`
	SearchErrors     int64 `json:"search_errors"`
	SearchAvgNanos   int64 `json:"search_avg_nanos"`
	DeleteCount      int64 `json:"delete_count"`
	DeleteErrors     int64 `json:"delete_errors"`
	Checkpoints      int64 `json:"checkpoints"`
	CheckpointErrors int64 `json:"checkpoint_errors"`
	CheckpointBytes  int64 `json:"checkpoint_bytes"`
	Compactions      int64 `json:"compactions"`
	CompactionErrors int64 `json:"compaction_errors"`
	Reclaimed        int64 `json:"reclaimed_nodes"`
	Drops            int64 `json:"bus_drops"`
}

// GetStats returns a snapshot of current metrics.
func (b *BasicCollector) GetStats() Stats {
	return Stats{
		QueryCount:       b.QueryCount.Load(),
		QueryErrors:      b.QueryErrors.Load(),
		QueryAvgNanos:    avg(b.QueryTotalNanos.Load(), b.QueryCount.Load()),
		InsertCount:      b.InsertCount.Load(),
		InsertErrors:     b.InsertErrors.Load(),
		InsertAvgNanos:   avg(b.InsertTotalNanos.Load(), b.InsertCount.Load()),
		SearchCount:      b.SearchCount.Load(),
		SearchErrors:     b.SearchErrors.Load(),
		SearchAvgNanos:   avg(b.SearchTotalNanos.Load(), b.SearchCount.Load()),
		DeleteCount:      b.DeleteCount.Load(),
		DeleteErrors:     b.DeleteErrors.Load(),
		Checkpoints:      b.Checkpoints.Load(),
		CheckpointErrors: b.CheckpointErrors.Load(),
		CheckpointBytes:  b.CheckpointBytes.Load(),
		Compactions:      b.Compactions.Load(),
		CompactionErrors: b.CompactionErrors.Load(),
		Reclaimed:        b.Reclaimed.Load(),
		Drops:            b.Drops.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// Multi fans events out to several collectors.
type Multi []Collector

func (m Multi) RecordQuery(kind string, d time.Duration, err error) {
	for _, c := range m {
		c.RecordQuery(kind, d, err)
	}
}

func (m Multi) RecordInsert(d time.Duration, err error) {
	for _, c := range m {
		c.RecordInsert(d, err)
	}
}

func (m Multi) RecordSearch(k int, d time.Duration, err error) {
	for _, c := range m {
		c.RecordSearch(k, d, err)
	}
}

func (m Multi) RecordDelete(d time.Duration, err error) {
	for _, c := range m {
		c.RecordDelete(d, err)
	}
}

func (m Multi) RecordCheckpoint(d time.Duration, bytes int64, err error) {
	for _, c := range m {
		c.RecordCheckpoint(d, bytes, err)
	}
}

func (m Multi) RecordCompaction(d time.Duration, reclaimed int, err error) {
	for _, c := range m {
		c.RecordCompaction(d, reclaimed, err)
	}
}

func (m Multi) RecordDrop(topic string) {
	for _, c := range m {
		c.RecordDrop(topic)
	}
}
