package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hupe1980/vectra/internal/bus"
	"github.com/hupe1980/vectra/internal/catalog"
	"github.com/hupe1980/vectra/internal/embed"
	"github.com/hupe1980/vectra/internal/errs"
	"github.com/hupe1980/vectra/internal/exec"
	"github.com/hupe1980/vectra/internal/fs"
	"github.com/hupe1980/vectra/internal/hnsw"
	"github.com/hupe1980/vectra/internal/logging"
	"github.com/hupe1980/vectra/internal/metrics"
	"github.com/hupe1980/vectra/internal/resource"
	"github.com/hupe1980/vectra/internal/rowstore"
	"github.com/hupe1980/vectra/internal/wal"
)

const (
	walDir     = "wal"
	rowsDir    = "rows"
	indexesDir = "indexes"
)

// Engine is the database. It is safe for concurrent use.
type Engine struct {
	dir     string
	cfg     Config
	fs      fs.FileSystem
	logger  *logging.Logger
	metrics metrics.Collector
	rc      *resource.Controller

	cat      *catalog.Catalog
	wal      *wal.WAL
	bus      *bus.Bus
	embed    *embed.Hook
	ownEmbed bool

	// barrier is held shared by every mutation from its WAL append until it
	// is applied, and exclusively while a checkpoint snapshots state.
	barrier sync.RWMutex
	// ddlMu serializes schema changes.
	ddlMu sync.Mutex

	mu     sync.RWMutex
	tables map[uint32]*tableState

	ckptMu        sync.Mutex
	ckptRunning   atomic.Bool
	checkpointLSN atomic.Uint64

	cron    *cron.Cron
	started time.Time
	closed  atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	bgMu    sync.Mutex
	wg      sync.WaitGroup
}

// tableState is the storage of one table.
type tableState struct {
	rows *rowstore.Table

	// mu serializes writers of the table. WAL order per table is the order
	// in which writers hold it.
	mu      sync.Mutex
	dropped bool

	imu     sync.RWMutex
	indexes map[string]*boundIndex

	// Change events are published in ticket order, which is WAL order.
	pubMu     sync.Mutex
	pubCond   *sync.Cond
	ticket    uint64
	published uint64
}

type boundIndex struct {
	def   catalog.IndexDef
	col   int
	index *hnsw.Index
}

func newTableState(rows *rowstore.Table) *tableState {
	ts := &tableState{rows: rows, indexes: make(map[string]*boundIndex)}
	ts.pubCond = sync.NewCond(&ts.pubMu)
	return ts
}

// Open opens or creates the database in dir.
func Open(dir string, opts ...Option) (*Engine, error) {
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		dir:      dir,
		cfg:      DefaultConfig(),
		fs:       fs.Default,
		logger:   logging.NoopLogger(),
		metrics:  metrics.NoopCollector{},
		ownEmbed: true,
		tables:   make(map[uint32]*tableState),
		started:  time.Now(),
		ctx:      ctx,
		cancel:   cancel,
	}

	for _, opt := range opts {
		opt(e)
	}

	if err := e.init(); err != nil {
		cancel()
		e.closeResources()
		return nil, translateError(err)
	}
	return e, nil
}

func (e *Engine) init() error {
	if e.rc == nil {
		e.rc = resource.NewController(resource.Config{
			MaxBackgroundWorkers: e.cfg.BackgroundWorkers,
			IOLimitBytesPerSec:   e.cfg.IOLimitBytesPerSec,
		})
	}
	e.logger = e.logger.WithComponent("engine")

	for _, d := range []string{walDir, rowsDir, indexesDir} {
		if err := e.fs.MkdirAll(filepath.Join(e.dir, d), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}

	if e.embed == nil {
		var persistent string
		if e.cfg.EmbeddingPersistent {
			persistent = filepath.Join(e.dir, "embeddings")
		}
		h, err := embed.New(func(o *embed.Options) {
			o.CacheSize = e.cfg.EmbeddingCacheSize
			o.PersistentDir = persistent
			if e.cfg.EmbeddingModel != "" && e.cfg.EmbeddingDimension > 0 {
				o.DefaultModel = embed.NewHashModel(e.cfg.EmbeddingModel, e.cfg.EmbeddingDimension)
			}
			o.Logger = e.logger.WithComponent("embed").Logger
		})
		if err != nil {
			return err
		}
		e.embed = h
		e.ownEmbed = true
	}

	e.bus = bus.New(func(o *bus.Options) {
		o.BufferSize = e.cfg.BusBuffer
		o.OnDrop = e.onDrop
	})

	if err := e.recover(e.ctx); err != nil {
		return err
	}

	if e.cfg.CompactionSchedule != "" {
		e.cron = cron.New()
		if _, err := e.cron.AddFunc(e.cfg.CompactionSchedule, e.runScheduledCompaction); err != nil {
			return errs.Wrap(errs.KindParse, err, "compaction schedule %q", e.cfg.CompactionSchedule)
		}
		e.cron.Start()
	}
	return nil
}

func (e *Engine) onDrop(topic, subscriptionID string) {
	e.metrics.RecordDrop(topic)
	e.logger.LogDrop(topic, subscriptionID)
}

// Close stops background work, writes a final checkpoint and releases the
// WAL. Further calls return ErrClosed.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	e.bgMu.Lock()
	e.bgMu.Unlock()
	e.cancel()
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
	e.wg.Wait()

	var errList []error
	if err := e.checkpoint(context.Background()); err != nil {
		errList = append(errList, err)
	}
	if err := e.closeResources(); err != nil {
		errList = append(errList, err)
	}
	return translateError(errors.Join(errList...))
}

func (e *Engine) closeResources() error {
	var errList []error
	if e.wal != nil {
		if err := e.wal.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	if e.bus != nil {
		e.bus.Close()
	}
	if e.embed != nil && e.ownEmbed {
		if err := e.embed.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// Dir returns the data directory.
func (e *Engine) Dir() string { return e.dir }

// Catalog returns the table catalog.
func (e *Engine) Catalog() *catalog.Catalog { return e.cat }

// Bus returns the change bus.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Embedder returns the embedding hook used by ai_embedding.
func (e *Engine) Embedder() *embed.Hook { return e.embed }

// Uptime returns the time since Open.
func (e *Engine) Uptime() time.Duration { return time.Since(e.started) }

func (e *Engine) state(id uint32) (*tableState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ts, ok := e.tables[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "table %d not found", id)
	}
	return ts, nil
}

// Rows returns the row store of t.
func (e *Engine) Rows(t *catalog.Table) (*rowstore.Table, error) {
	ts, err := e.state(t.ID)
	if err != nil {
		return nil, errs.New(errs.KindNotFound, "table %q not found", t.Name)
	}
	return ts.rows, nil
}

// VectorIndex returns the index on t.column.
func (e *Engine) VectorIndex(t *catalog.Table, column string) (exec.VectorIndex, bool) {
	ts, err := e.state(t.ID)
	if err != nil {
		return nil, false
	}
	bi := ts.index(column)
	if bi == nil {
		return nil, false
	}
	return bi.index, true
}

func (ts *tableState) index(column string) *boundIndex {
	ts.imu.RLock()
	defer ts.imu.RUnlock()
	return ts.indexes[strings.ToLower(column)]
}

func (ts *tableState) indexList() []*boundIndex {
	ts.imu.RLock()
	defer ts.imu.RUnlock()
	out := make([]*boundIndex, 0, len(ts.indexes))
	for _, bi := range ts.indexes {
		out = append(out, bi)
	}
	return out
}

func (ts *tableState) setIndex(bi *boundIndex) {
	ts.imu.Lock()
	defer ts.imu.Unlock()
	ts.indexes[strings.ToLower(bi.def.Column)] = bi
}

// take reserves the next publish slot. Callers hold ts.mu.
func (ts *tableState) take() uint64 {
	ts.ticket++
	return ts.ticket
}

// publish waits for every earlier ticket, then publishes ev (if any) and
// releases the slot.
func (ts *tableState) publish(b *bus.Bus, topic string, ticket uint64, ev *Event) {
	ts.pubMu.Lock()
	defer ts.pubMu.Unlock()
	for ts.published != ticket-1 {
		ts.pubCond.Wait()
	}
	if ev != nil {
		if payload := ev.encode(); payload != nil {
			b.Publish(topic, payload)
		}
	}
	ts.published = ticket
	ts.pubCond.Broadcast()
}

func (e *Engine) env() exec.Env {
	return exec.Env{Source: e, Embed: e.embed, Metric: e.cfg.Metric}
}

// newIndex builds an empty HNSW index for def over a column of dimension dim.
func (e *Engine) newIndex(def catalog.IndexDef, dim int) (*hnsw.Index, error) {
	metric, err := parseMetric(def.Metric)
	if err != nil {
		return nil, err
	}
	return hnsw.New(func(o *hnsw.Options) {
		o.Dimension = dim
		o.Metric = metric
		o.M = def.M
		o.EFConstruction = def.EFConstruction
		o.EF = def.EF
		o.Seed = e.cfg.Seed
	})
}

func indexFileName(tableID uint32, column string) string {
	return fmt.Sprintf("%d-%s.hnsw", tableID, strings.ToLower(column))
}
