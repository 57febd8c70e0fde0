package embed

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vectra/distance"
	"github.com/hupe1980/vectra/internal/errs"
)

func TestHashModelDeterministic(t *testing.T) {
	m := NewHashModel("h", 8)
	a, err := m.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	b, err := m.Embed(context.Background(), "hello world")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 8)
	assert.InDelta(t, 1.0, float64(distance.Norm(a)), 1e-5)

	c, err := m.Embed(context.Background(), "other")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	empty, err := m.Embed(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 8), empty)
}

func TestHookDefaultModel(t *testing.T) {
	h, err := New()
	require.NoError(t, err)
	defer h.Close()

	v, err := h.Embed(context.Background(), "", "hello")
	require.NoError(t, err)
	assert.Len(t, v, DefaultDimension)

	models := h.Models()
	require.Len(t, models, 1)
	assert.Equal(t, ModelInfo{Name: DefaultModelName, Dimension: DefaultDimension, Default: true}, models[0])
}

func TestHookCaches(t *testing.T) {
	var calls atomic.Int64
	stub := NewFuncModel("stub", 4, func(ctx context.Context, text string) ([]float32, error) {
		calls.Add(1)
		return []float32{1, 0, 0, 0}, nil
	})
	h, err := New(func(o *Options) { o.DefaultModel = stub })
	require.NoError(t, err)

	for range 5 {
		v, err := h.Embed(context.Background(), "", "hello")
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 0, 0, 0}, v)
		v[0] = 42
	}
	assert.Equal(t, int64(1), calls.Load())

	st := h.Stats()
	assert.Equal(t, int64(4), st.Cache.Hits)
	assert.Equal(t, int64(1), st.ModelCalls)
}

func TestHookSingleflight(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	slow := NewFuncModel("slow", 2, func(ctx context.Context, text string) ([]float32, error) {
		calls.Add(1)
		<-release
		return []float32{0, 1}, nil
	})
	h, err := New(func(o *Options) { o.DefaultModel = slow })
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := h.Embed(context.Background(), "", "same")
			assert.NoError(t, err)
			assert.Equal(t, []float32{0, 1}, v)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int64(2))
}

func TestHookFailures(t *testing.T) {
	failing := NewFuncModel("down", 4, func(ctx context.Context, text string) ([]float32, error) {
		return nil, errors.New("connection refused")
	})
	short := NewFuncModel("short", 4, func(ctx context.Context, text string) ([]float32, error) {
		return []float32{1, 2}, nil
	})
	nan := NewFuncModel("nan", 2, func(ctx context.Context, text string) ([]float32, error) {
		return []float32{float32(math.NaN()), 0}, nil
	})

	h, err := New()
	require.NoError(t, err)
	require.NoError(t, h.Register(failing))
	require.NoError(t, h.Register(short))
	require.NoError(t, h.Register(nan))

	for _, name := range []string{"down", "short", "nan", "missing"} {
		_, err := h.Embed(context.Background(), name, "x")
		assert.ErrorIs(t, err, errs.EmbeddingUnavailable, name)
	}
	assert.Equal(t, int64(3), h.Stats().ModelFailures)

	assert.ErrorIs(t, h.Register(nil), errs.Type)
	assert.ErrorIs(t, h.SetDefault("missing"), errs.NotFound)
}

func TestHookSelectsModelByName(t *testing.T) {
	h, err := New()
	require.NoError(t, err)
	require.NoError(t, h.Register(NewHashModel("tiny", 3)))

	v, err := h.Embed(context.Background(), "TINY", "abc")
	require.NoError(t, err)
	assert.Len(t, v, 3)

	require.NoError(t, h.SetDefault("tiny"))
	v, err = h.Embed(context.Background(), "", "abc")
	require.NoError(t, err)
	assert.Len(t, v, 3)
}

func TestHookContextTimeout(t *testing.T) {
	blocking := NewFuncModel("block", 2, func(ctx context.Context, text string) ([]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h, err := New(func(o *Options) { o.DefaultModel = blocking })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = h.Embed(ctx, "", "x")
	assert.Equal(t, errs.KindTimeout, errs.KindOf(err))
}

func TestHookPersistentTier(t *testing.T) {
	dir := t.TempDir()
	var calls atomic.Int64
	model := NewFuncModel("stub", 4, func(ctx context.Context, text string) ([]float32, error) {
		calls.Add(1)
		return []float32{0.5, 0.5, 0.5, 0.5}, nil
	})

	h, err := New(func(o *Options) {
		o.DefaultModel = model
		o.PersistentDir = dir
	})
	require.NoError(t, err)
	_, err = h.Embed(context.Background(), "", "persist me")
	require.NoError(t, err)
	require.NoError(t, h.Close())

	h2, err := New(func(o *Options) {
		o.DefaultModel = model
		o.PersistentDir = dir
	})
	require.NoError(t, err)
	defer h2.Close()

	v, err := h2.Embed(context.Background(), "", "persist me")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5, 0.5, 0.5}, v)
	assert.Equal(t, int64(1), calls.Load(), "second hook is served from disk")
	assert.Equal(t, int64(1), h2.Stats().PersistentHits)
	assert.True(t, h2.Stats().Persistent)
}
