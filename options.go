package vectra

import (
	"log/slog"
	"os"

	"github.com/hupe1980/vectra/internal/engine"
)

// Config holds the tunables of a database. Start from DefaultConfig.
type Config = engine.Config

// DefaultConfig returns the defaults used by Open.
func DefaultConfig() Config {
	return engine.DefaultConfig()
}

type options struct {
	config           *Config
	metricsCollector MetricsCollector
	logger           *Logger
	models           []Model
	defaultModel     string
}

// Option configures Open.
type Option func(*options)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.config = &cfg
	}
}

// WithMetricsCollector configures a metrics collector. Pass nil to disable
// metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging. Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := vectra.NewJSONLogger(os.Stderr, slog.LevelInfo)
//	db, _ := vectra.Open(dir, vectra.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger on stderr with the specified level.
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(os.Stderr, level)
	}
}

// WithEmbeddingModel registers a model for ai_embedding. The last model
// passed with asDefault set becomes the default model.
func WithEmbeddingModel(m Model, asDefault bool) Option {
	return func(o *options) {
		o.models = append(o.models, m)
		if asDefault && m != nil {
			o.defaultModel = m.Name()
		}
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	return o
}
