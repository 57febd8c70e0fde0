package embed

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/vectra/distance"
	"github.com/hupe1980/vectra/internal/cache"
	"github.com/hupe1980/vectra/internal/errs"
)

// DefaultCacheSize is the number of cached vectors.
const DefaultCacheSize = 4096

// Options configures a Hook.
type Options struct {
	// CacheSize bounds the in-memory cache in entries.
	CacheSize int
	// PersistentDir enables the on-disk cache tier when non-empty.
	PersistentDir string
	// DefaultModel replaces the built-in hash model.
	DefaultModel Model
	Logger       *slog.Logger
}

type key struct {
	model string
	text  string
}

// Hook resolves (model, text) pairs to vectors.
type Hook struct {
	mu          sync.RWMutex
	models      map[string]Model
	defaultName string

	cache  *cache.Sharded[key, []float32]
	disk   *persistentCache
	group  singleflight.Group
	logger *slog.Logger

	calls     atomic.Int64
	failures  atomic.Int64
	diskHits  atomic.Int64
	diskFails atomic.Int64
}

// New creates a hook with its default model registered.
func New(optFns ...func(o *Options)) (*Hook, error) {
	opts := Options{CacheSize: DefaultCacheSize}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.DefaultModel == nil {
		opts.DefaultModel = NewHashModel(DefaultModelName, DefaultDimension)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	h := &Hook{
		models: make(map[string]Model),
		cache:  cache.NewSharded[key, []float32](int64(opts.CacheSize), nil),
		logger: opts.Logger,
	}
	if err := h.Register(opts.DefaultModel); err != nil {
		return nil, err
	}
	h.defaultName = opts.DefaultModel.Name()

	if opts.PersistentDir != "" {
		disk, err := openPersistent(opts.PersistentDir, opts.Logger)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, err, "open embedding cache")
		}
		h.disk = disk
	}
	return h, nil
}

// Register adds or replaces a model.
func (h *Hook) Register(m Model) error {
	if m == nil || m.Name() == "" || m.Dimension() <= 0 {
		return errs.New(errs.KindType, "invalid embedding model")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	name := strings.ToLower(m.Name())
	_, replaced := h.models[name]
	h.models[name] = m
	if replaced {
		h.cache.Invalidate(func(k key) bool { return k.model == name })
	}
	return nil
}

// SetDefault selects the model used when none is named.
func (h *Hook) SetDefault(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.models[strings.ToLower(name)]; !ok {
		return errs.New(errs.KindNotFound, "embedding model %q not registered", name)
	}
	h.defaultName = name
	return nil
}

// Model returns a registered model; an empty name selects the default.
func (h *Hook) Model(name string) (Model, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if name == "" {
		name = h.defaultName
	}
	m, ok := h.models[strings.ToLower(name)]
	if !ok {
		return nil, errs.New(errs.KindEmbeddingUnavailable, "embedding model %q not registered", name)
	}
	return m, nil
}

// Embed returns the vector of text under model (empty for the default).
// Concurrent calls for the same pair share one model invocation. The
// returned slice is owned by the caller.
func (h *Hook) Embed(ctx context.Context, model, text string) ([]float32, error) {
	m, err := h.Model(model)
	if err != nil {
		return nil, err
	}
	k := key{model: strings.ToLower(m.Name()), text: text}

	if v, ok := h.cache.Get(k); ok {
		return slices.Clone(v), nil
	}

	res, err, _ := h.group.Do(k.model+"\x00"+text, func() (any, error) {
		if h.disk != nil {
			v, ok, err := h.disk.get(k)
			switch {
			case err != nil:
				h.diskFails.Add(1)
				h.logger.Warn("embedding cache read failed", "error", err)
			case ok && len(v) == m.Dimension():
				h.diskHits.Add(1)
				h.cache.Set(k, v)
				return v, nil
			}
		}

		h.calls.Add(1)
		v, err := m.Embed(ctx, text)
		if err != nil {
			h.failures.Add(1)
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil, err
			}
			return nil, errs.Wrap(errs.KindEmbeddingUnavailable, err, "model %q", m.Name())
		}
		if len(v) != m.Dimension() {
			h.failures.Add(1)
			return nil, errs.New(errs.KindEmbeddingUnavailable, "model %q returned %d dimensions, declared %d", m.Name(), len(v), m.Dimension())
		}
		if !distance.IsFinite(v) {
			h.failures.Add(1)
			return nil, errs.New(errs.KindEmbeddingUnavailable, "model %q returned non-finite vector", m.Name())
		}
		v = slices.Clone(v)

		h.cache.Set(k, v)
		if h.disk != nil {
			if err := h.disk.set(k, v); err != nil {
				h.diskFails.Add(1)
				h.logger.Warn("embedding cache write failed", "error", err)
			}
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(res.([]float32)), nil
}

// ModelInfo describes a registered model.
type ModelInfo struct {
	Name      string `json:"name"`
	Dimension int    `json:"dimension"`
	Default   bool   `json:"default"`
}

// Models lists registered models sorted by name.
func (h *Hook) Models() []ModelInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ModelInfo, 0, len(h.models))
	for _, m := range h.models {
		out = append(out, ModelInfo{
			Name:      m.Name(),
			Dimension: m.Dimension(),
			Default:   strings.EqualFold(m.Name(), h.defaultName),
		})
	}
	slices.SortFunc(out, func(a, b ModelInfo) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Stats summarizes hook activity.
type Stats struct {
	Cache          cache.Stats `json:"cache"`
	Persistent     bool        `json:"persistent"`
	PersistentHits int64       `json:"persistent_hits"`
	PersistentErrs int64       `json:"persistent_errors"`
	ModelCalls     int64       `json:"model_calls"`
	ModelFailures  int64       `json:"model_failures"`
}

// Stats returns cache and model counters.
func (h *Hook) Stats() Stats {
	return Stats{
		Cache:          h.cache.Stats(),
		Persistent:     h.disk != nil,
		PersistentHits: h.diskHits.Load(),
		PersistentErrs: h.diskFails.Load(),
		ModelCalls:     h.calls.Load(),
		ModelFailures:  h.failures.Load(),
	}
}

// Close releases the persistent tier.
func (h *Hook) Close() error {
	if h.disk == nil {
		return nil
	}
	return h.disk.close()
}
