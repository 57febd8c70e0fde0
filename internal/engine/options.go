package engine

import (
	"time"

	"github.com/hupe1980/vectra/distance"
	"github.com/hupe1980/vectra/internal/catalog"
	"github.com/hupe1980/vectra/internal/embed"
	"github.com/hupe1980/vectra/internal/fs"
	"github.com/hupe1980/vectra/internal/hnsw"
	"github.com/hupe1980/vectra/internal/logging"
	"github.com/hupe1980/vectra/internal/metrics"
	"github.com/hupe1980/vectra/internal/plan"
	"github.com/hupe1980/vectra/internal/resource"
	"github.com/hupe1980/vectra/internal/rowstore"
)

const (
	// DefaultCheckpointWALBytes triggers a checkpoint once the WAL grows past it.
	DefaultCheckpointWALBytes = 64 << 20

	// DefaultQueryTimeout bounds statements whose context has no deadline.
	DefaultQueryTimeout = 30 * time.Second

	// DefaultCompactionSchedule is the cron spec of background compaction.
	DefaultCompactionSchedule = "@every 10m"

	// DefaultMinTombstoneRatio is the tombstone share that makes an index
	// eligible for background compaction.
	DefaultMinTombstoneRatio = 0.2
)

// Config holds the tunables of an engine.
type Config struct {
	// Index holds the defaults for CREATE INDEX parameters left unset.
	Index catalog.IndexDef

	// Metric is used by <-> between operands that are not indexed columns.
	Metric distance.Metric

	// AutoIndex creates a vector index on the first insert into a vector
	// column that has none.
	AutoIndex bool

	// Planner tunes the vector top-K rewrite.
	Planner plan.Options

	Compression rowstore.Compression

	// SyncWrites fsyncs the WAL before a write is acknowledged.
	SyncWrites bool

	// CheckpointWALBytes is the WAL size that triggers a checkpoint.
	// Zero disables size-triggered checkpoints.
	CheckpointWALBytes int64

	QueryTimeout time.Duration

	// CompactionSchedule is a cron spec. Empty disables background compaction.
	CompactionSchedule string
	MinTombstoneRatio  float64

	// BusBuffer is the per-subscription change bus buffer.
	BusBuffer int

	// The embedding settings configure the hook built when none is supplied.
	// The default model is a hash model of the given name and dimension.
	EmbeddingModel      string
	EmbeddingDimension  int
	EmbeddingCacheSize  int
	EmbeddingPersistent bool

	// BackgroundWorkers and IOLimitBytesPerSec configure the resource
	// controller built when none is supplied.
	BackgroundWorkers  int64
	IOLimitBytesPerSec int64

	// Seed makes HNSW level sampling reproducible. Zero is time-based.
	Seed uint64
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Index: catalog.IndexDef{
			Metric:         distance.MetricCosine.String(),
			M:              hnsw.DefaultM,
			EFConstruction: hnsw.DefaultEFConstruction,
			EF:             hnsw.DefaultEF,
		},
		Metric:             distance.MetricCosine,
		Planner:            plan.DefaultOptions,
		Compression:        rowstore.CompressionZSTD,
		SyncWrites:         true,
		CheckpointWALBytes: DefaultCheckpointWALBytes,
		QueryTimeout:       DefaultQueryTimeout,
		CompactionSchedule: DefaultCompactionSchedule,
		MinTombstoneRatio:  DefaultMinTombstoneRatio,
		BusBuffer:          1024,
		EmbeddingModel:     embed.DefaultModelName,
		EmbeddingDimension: embed.DefaultDimension,
		EmbeddingCacheSize: embed.DefaultCacheSize,
		BackgroundWorkers:  1,
	}
}

// Option defines a configuration option for the Engine.
type Option func(*Engine)

// WithConfig replaces the engine configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithLogger sets the logger for the engine.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics collector for the engine.
func WithMetrics(c metrics.Collector) Option {
	return func(e *Engine) {
		if c != nil {
			e.metrics = c
		}
	}
}

// WithResourceController sets the controller that bounds checkpoint and
// compaction work.
func WithResourceController(rc *resource.Controller) Option {
	return func(e *Engine) {
		e.rc = rc
	}
}

// WithFileSystem sets the file system implementation.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(e *Engine) {
		e.fs = fsys
	}
}

// WithEmbedder sets the embedding hook. The engine does not close it.
func WithEmbedder(h *embed.Hook) Option {
	return func(e *Engine) {
		e.embed = h
		e.ownEmbed = false
	}
}
