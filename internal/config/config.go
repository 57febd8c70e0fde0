// Package config loads server and engine settings from a config file and
// VECTRA_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hupe1980/vectra/distance"
	"github.com/hupe1980/vectra/internal/catalog"
	"github.com/hupe1980/vectra/internal/embed"
	"github.com/hupe1980/vectra/internal/engine"
	"github.com/hupe1980/vectra/internal/hnsw"
	"github.com/hupe1980/vectra/internal/logging"
	"github.com/hupe1980/vectra/internal/plan"
	"github.com/hupe1980/vectra/internal/rowstore"
)

const (
	// EnvPrefix prefixes every environment variable, e.g. VECTRA_SERVER_PORT.
	EnvPrefix = "VECTRA"
	// FileName is the config file name without extension.
	FileName = "vectra"
	// DefaultDataDir is the default engine data directory.
	DefaultDataDir = "./data"
)

// Config holds the application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Vector     VectorConfig     `mapstructure:"vector"`
	Bus        BusConfig        `mapstructure:"bus"`
	Query      QueryConfig      `mapstructure:"query"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Compaction CompactionConfig `mapstructure:"compaction"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// StorageConfig holds durability settings.
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
	// Compression of row snapshots: none, lz4 or zstd.
	Compression        string `mapstructure:"compression"`
	CheckpointWALBytes int64  `mapstructure:"checkpoint_wal_bytes"`
	// Sync is "sync" (fsync before acknowledging) or "async".
	Sync               string `mapstructure:"sync"`
	IOLimitBytesPerSec int64  `mapstructure:"io_limit_bytes_per_sec"`
	BackgroundWorkers  int64  `mapstructure:"background_workers"`
}

// VectorConfig holds HNSW defaults and planner settings.
type VectorConfig struct {
	M              int    `mapstructure:"m"`
	EFConstruction int    `mapstructure:"ef_construction"`
	EF             int    `mapstructure:"ef"`
	Metric         string `mapstructure:"metric"`
	OverFetch      int    `mapstructure:"over_fetch"`
	AutoIndex      bool   `mapstructure:"auto_index"`
}

// BusConfig holds change bus settings.
type BusConfig struct {
	Buffer int `mapstructure:"buffer"`
}

// QueryConfig holds statement settings.
type QueryConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// EmbeddingConfig holds embedding hook settings.
type EmbeddingConfig struct {
	Model           string `mapstructure:"model"`
	Dimension       int    `mapstructure:"dimension"`
	CacheSize       int    `mapstructure:"cache_size"`
	PersistentCache bool   `mapstructure:"persistent_cache"`
}

// CompactionConfig holds background compaction settings.
type CompactionConfig struct {
	Schedule          string  `mapstructure:"schedule"`
	MinTombstoneRatio float64 `mapstructure:"min_tombstone_ratio"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Storage: StorageConfig{
			DataDir:            DefaultDataDir,
			Compression:        rowstore.CompressionZSTD.String(),
			CheckpointWALBytes: engine.DefaultCheckpointWALBytes,
			Sync:               "sync",
			BackgroundWorkers:  1,
		},
		Vector: VectorConfig{
			M:              hnsw.DefaultM,
			EFConstruction: hnsw.DefaultEFConstruction,
			EF:             hnsw.DefaultEF,
			Metric:         distance.MetricCosine.String(),
			OverFetch:      plan.DefaultOverFetch,
		},
		Bus: BusConfig{
			Buffer: 1024,
		},
		Query: QueryConfig{
			Timeout: engine.DefaultQueryTimeout,
		},
		Embedding: EmbeddingConfig{
			Model:     embed.DefaultModelName,
			Dimension: embed.DefaultDimension,
			CacheSize: embed.DefaultCacheSize,
		},
		Compaction: CompactionConfig{
			Schedule:          engine.DefaultCompactionSchedule,
			MinTombstoneRatio: engine.DefaultMinTombstoneRatio,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration. An explicit path must exist; otherwise
// vectra.{toml,yaml,json} is searched in ./config and the working
// directory. Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Short names kept from earlier releases.
	_ = v.BindEnv("server.host", "VECTRA_HOST")
	_ = v.BindEnv("server.port", "VECTRA_PORT")
	_ = v.BindEnv("storage.data_dir", "VECTRA_DATA_DIR")
	_ = v.BindEnv("vector.m", "VECTRA_HNSW_M")
	_ = v.BindEnv("embedding.model", "VECTRA_EMBEDDING_MODEL")
	_ = v.BindEnv("embedding.dimension", "VECTRA_VECTOR_DIMENSION")
	_ = v.BindEnv("logging.level", "VECTRA_LOG_LEVEL")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("server.host", c.Server.Host)
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("storage.data_dir", c.Storage.DataDir)
	v.SetDefault("storage.compression", c.Storage.Compression)
	v.SetDefault("storage.checkpoint_wal_bytes", c.Storage.CheckpointWALBytes)
	v.SetDefault("storage.sync", c.Storage.Sync)
	v.SetDefault("storage.io_limit_bytes_per_sec", c.Storage.IOLimitBytesPerSec)
	v.SetDefault("storage.background_workers", c.Storage.BackgroundWorkers)
	v.SetDefault("vector.m", c.Vector.M)
	v.SetDefault("vector.ef_construction", c.Vector.EFConstruction)
	v.SetDefault("vector.ef", c.Vector.EF)
	v.SetDefault("vector.metric", c.Vector.Metric)
	v.SetDefault("vector.over_fetch", c.Vector.OverFetch)
	v.SetDefault("vector.auto_index", c.Vector.AutoIndex)
	v.SetDefault("bus.buffer", c.Bus.Buffer)
	v.SetDefault("query.timeout", c.Query.Timeout)
	v.SetDefault("embedding.model", c.Embedding.Model)
	v.SetDefault("embedding.dimension", c.Embedding.Dimension)
	v.SetDefault("embedding.cache_size", c.Embedding.CacheSize)
	v.SetDefault("embedding.persistent_cache", c.Embedding.PersistentCache)
	v.SetDefault("compaction.schedule", c.Compaction.Schedule)
	v.SetDefault("compaction.min_tombstone_ratio", c.Compaction.MinTombstoneRatio)
	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errList []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errList = append(errList, fmt.Errorf("invalid port %d", c.Server.Port))
	}
	if c.Storage.DataDir == "" {
		errList = append(errList, errors.New("storage.data_dir is empty"))
	}
	if _, err := rowstore.ParseCompression(c.Storage.Compression); err != nil {
		errList = append(errList, err)
	}
	switch strings.ToLower(c.Storage.Sync) {
	case "sync", "async":
	default:
		errList = append(errList, fmt.Errorf("storage.sync must be sync or async, got %q", c.Storage.Sync))
	}
	if _, err := distance.ParseMetric(c.Vector.Metric); err != nil {
		errList = append(errList, err)
	}
	if c.Vector.M < 2 || c.Vector.EFConstruction < 1 || c.Vector.EF < 1 {
		errList = append(errList, fmt.Errorf("invalid HNSW parameters m=%d ef_construction=%d ef=%d", c.Vector.M, c.Vector.EFConstruction, c.Vector.EF))
	}
	if c.Embedding.Dimension <= 0 || c.Embedding.Dimension > catalog.MaxVectorDim {
		errList = append(errList, fmt.Errorf("embedding.dimension must be in [1, %d]", catalog.MaxVectorDim))
	}
	if c.Compaction.MinTombstoneRatio < 0 || c.Compaction.MinTombstoneRatio > 1 {
		errList = append(errList, fmt.Errorf("compaction.min_tombstone_ratio must be in [0, 1]"))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errList = append(errList, err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errList = append(errList, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}
	return errors.Join(errList...)
}

// Addr returns host:port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// Engine converts the settings into an engine configuration.
func (c *Config) Engine() (engine.Config, error) {
	cfg := engine.DefaultConfig()

	metric, err := distance.ParseMetric(c.Vector.Metric)
	if err != nil {
		return cfg, err
	}
	compression, err := rowstore.ParseCompression(c.Storage.Compression)
	if err != nil {
		return cfg, err
	}

	cfg.Index = catalog.IndexDef{
		Metric:         metric.String(),
		M:              c.Vector.M,
		EFConstruction: c.Vector.EFConstruction,
		EF:             c.Vector.EF,
	}
	cfg.Metric = metric
	cfg.AutoIndex = c.Vector.AutoIndex
	cfg.Planner.OverFetch = c.Vector.OverFetch
	cfg.Compression = compression
	cfg.SyncWrites = !strings.EqualFold(c.Storage.Sync, "async")
	cfg.CheckpointWALBytes = c.Storage.CheckpointWALBytes
	cfg.QueryTimeout = c.Query.Timeout
	cfg.CompactionSchedule = c.Compaction.Schedule
	cfg.MinTombstoneRatio = c.Compaction.MinTombstoneRatio
	cfg.BusBuffer = c.Bus.Buffer
	cfg.EmbeddingModel = c.Embedding.Model
	cfg.EmbeddingDimension = c.Embedding.Dimension
	cfg.EmbeddingCacheSize = c.Embedding.CacheSize
	cfg.EmbeddingPersistent = c.Embedding.PersistentCache
	cfg.BackgroundWorkers = c.Storage.BackgroundWorkers
	cfg.IOLimitBytesPerSec = c.Storage.IOLimitBytesPerSec
	return cfg, nil
}
