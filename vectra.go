package vectra

import (
	"context"
	"errors"

	"github.com/hupe1980/vectra/internal/bus"
	"github.com/hupe1980/vectra/internal/catalog"
	"github.com/hupe1980/vectra/internal/embed"
	"github.com/hupe1980/vectra/internal/engine"
)

type (
	// Result is the outcome of one SQL statement.
	Result = engine.Result

	// Row is one row of values in column order.
	Row = catalog.Row

	// SearchResult holds the nearest rows of a vector search.
	SearchResult = engine.SearchResult

	// Hit is one search result. Lower distance is closer.
	Hit = engine.Hit

	// CompactResult reports one compacted index.
	CompactResult = engine.CompactResult

	// Stats is a snapshot of the database.
	Stats = engine.Stats

	// Event is the JSON payload of a change event.
	Event = engine.Event

	// Subscription is a change bus subscription.
	Subscription = bus.Subscription

	// Message is one delivered change event.
	Message = bus.Message

	// Model turns text into a vector for ai_embedding.
	Model = embed.Model

	// EmbedFunc is an embedding function.
	EmbedFunc = embed.Func
)

// ErrSubscriptionClosed is returned by Subscription.Next after Unsubscribe
// or Close.
var ErrSubscriptionClosed = bus.ErrClosed

// TableTopic returns the change topic of a table.
func TableTopic(table string) string {
	return bus.TableTopic(table)
}

// NewHashModel returns a deterministic offline model of the given dimension.
func NewHashModel(name string, dim int) Model {
	return embed.NewHashModel(name, dim)
}

// NewFuncModel adapts fn into a Model.
func NewFuncModel(name string, dim int, fn EmbedFunc) Model {
	return embed.NewFuncModel(name, dim, fn)
}

// DB is an open database. It is safe for concurrent use.
type DB struct {
	engine *engine.Engine
}

// Open opens or creates the database in dir. Recovery runs before Open
// returns: the last checkpoint is loaded and the WAL tail replayed.
func Open(dir string, optFns ...Option) (*DB, error) {
	o := applyOptions(optFns)

	opts := []engine.Option{
		engine.WithLogger(o.logger),
		engine.WithMetrics(o.metricsCollector),
	}
	if o.config != nil {
		opts = append(opts, engine.WithConfig(*o.config))
	}
	e, err := engine.Open(dir, opts...)
	if err != nil {
		return nil, err
	}

	for _, m := range o.models {
		if err := e.Embedder().Register(m); err != nil {
			return nil, errors.Join(err, e.Close())
		}
	}
	if o.defaultModel != "" {
		if err := e.Embedder().SetDefault(o.defaultModel); err != nil {
			return nil, errors.Join(err, e.Close())
		}
	}
	return &DB{engine: e}, nil
}

// Close stops background work, writes a final checkpoint and closes all
// subscriptions.
func (db *DB) Close() error {
	if db == nil {
		return nil
	}
	return db.engine.Close()
}

// Query parses and runs one SQL statement.
func (db *DB) Query(ctx context.Context, sql string) (*Result, error) {
	return db.engine.Execute(ctx, sql)
}

// Search returns the k rows of table nearest to vec in the indexed column.
func (db *DB) Search(ctx context.Context, table, column string, vec []float32, k int) (*SearchResult, error) {
	return db.engine.Search(ctx, table, column, vec, k)
}

// Subscribe opens a subscription on topic. Table topics are named by
// TableTopic.
func (db *DB) Subscribe(topic string) (*Subscription, error) {
	return db.engine.Subscribe(topic)
}

// Unsubscribe closes a subscription by id.
func (db *DB) Unsubscribe(id string) error {
	return db.engine.Unsubscribe(id)
}

// Checkpoint snapshots all tables and indexes and truncates the WAL. It
// returns the LSN the checkpoint covers.
func (db *DB) Checkpoint(ctx context.Context) (uint64, error) {
	return db.engine.Checkpoint(ctx)
}

// Compact rebuilds the vector indexes of table without tombstoned nodes.
func (db *DB) Compact(ctx context.Context, table string) ([]CompactResult, error) {
	return db.engine.Compact(ctx, table)
}

// RegisterModel adds or replaces an embedding model.
func (db *DB) RegisterModel(m Model) error {
	return db.engine.Embedder().Register(m)
}

// SetDefaultModel selects the model used by single-argument ai_embedding.
func (db *DB) SetDefaultModel(name string) error {
	return db.engine.Embedder().SetDefault(name)
}

// Stats returns a snapshot of tables, indexes, WAL and bus.
func (db *DB) Stats() Stats {
	return db.engine.Stats()
}
