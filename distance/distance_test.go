package distance

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDot(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"Simple", []float32{1, 2, 3}, []float32{4, 5, 6}, 32},
		{"Zero", []float32{0, 0, 0}, []float32{0, 0, 0}, 0},
		{"Mixed", []float32{1, -1, 2}, []float32{1, 1, -2}, -4},
		{"Empty", []float32{}, []float32{}, 0},
		{"Single", []float32{2}, []float32{3}, 6},
		{"Large", make([]float32, 1027), make([]float32, 1027), 1027},
	}
	for i := range tests[5].a {
		tests[5].a[i] = 1
		tests[5].b[i] = 1
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Dot(tt.a, tt.b), 1e-4)
			assert.InDelta(t, -tt.expected, NegDot(tt.a, tt.b), 1e-4)
		})
	}
}

func TestL2(t *testing.T) {
	tests := []struct {
		name    string
		a, b    []float32
		squared float32
	}{
		{"Simple", []float32{1, 2, 3}, []float32{4, 5, 6}, 27},
		{"Identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 0},
		{"Mixed", []float32{1, -1}, []float32{-1, 1}, 8},
		{"Empty", []float32{}, []float32{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.squared, SquaredL2(tt.a, tt.b), 1e-5)
			assert.InDelta(t, math.Sqrt(float64(tt.squared)), L2(tt.a, tt.b), 1e-5)
		})
	}
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 0, Cosine([]float32{1, 0, 0, 0}, []float32{2, 0, 0, 0}), 1e-6)
	assert.InDelta(t, 1, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.InDelta(t, 2, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-6)

	t.Run("ZeroNorm", func(t *testing.T) {
		assert.Equal(t, float32(1), Cosine([]float32{0, 0}, []float32{0, 0}))
		assert.Equal(t, float32(1), Cosine([]float32{0, 0}, []float32{1, 0}))
	})
}

func TestDimensionMismatchPanics(t *testing.T) {
	assert.Panics(t, func() { Dot([]float32{1}, []float32{1, 2}) })
	assert.Panics(t, func() { SquaredL2([]float32{1}, []float32{1, 2}) })
	assert.Panics(t, func() { Cosine([]float32{1}, []float32{1, 2}) })
}

func TestKernelsAgree(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for _, dim := range []int{1, 3, 7, 8, 15, 16, 17, 128, 129} {
		a := make([]float32, dim)
		b := make([]float32, dim)
		for i := range a {
			a[i] = r.Float32()*2 - 1
			b[i] = r.Float32()*2 - 1
		}
		want := dotGeneric(a, b)
		assert.InDelta(t, want, dotUnroll4(a, b), 1e-4, "dim=%d", dim)
		assert.InDelta(t, want, dotUnroll8(a, b), 1e-4, "dim=%d", dim)

		wantL2 := squaredL2Generic(a, b)
		assert.InDelta(t, wantL2, squaredL2Unroll4(a, b), 1e-4, "dim=%d", dim)
		assert.InDelta(t, wantL2, squaredL2Unroll8(a, b), 1e-4, "dim=%d", dim)
	}
}

func TestDeterministic(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	a := make([]float32, 384)
	b := make([]float32, 384)
	for i := range a {
		a[i] = r.Float32()
		b[i] = r.Float32()
	}
	first := Cosine(a, b)
	for i := 0; i < 100; i++ {
		require.Equal(t, math.Float32bits(first), math.Float32bits(Cosine(a, b)))
	}
}

func TestParseMetric(t *testing.T) {
	for in, want := range map[string]Metric{
		"cosine":    MetricCosine,
		"L2":        MetricL2,
		"euclidean": MetricL2,
		"dot":       MetricDot,
		"ip":        MetricDot,
	} {
		got, err := ParseMetric(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseMetric("hamming")
	assert.Error(t, err)
}

func TestMetricFunc(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0.5, 0.5}
	assert.Equal(t, Cosine(a, b), MetricCosine.Distance(a, b))
	assert.Equal(t, L2(a, b), MetricL2.Distance(a, b))
	assert.Equal(t, -Dot(a, b), MetricDot.Distance(a, b))
}

func TestNormalizeAndFinite(t *testing.T) {
	v := []float32{3, 4}
	require.True(t, NormalizeL2InPlace(v))
	assert.InDelta(t, 1, Norm(v), 1e-6)
	assert.False(t, NormalizeL2InPlace([]float32{0, 0}))

	assert.True(t, IsFinite([]float32{1, 2}))
	assert.False(t, IsFinite([]float32{float32(math.NaN())}))
	assert.False(t, IsFinite([]float32{float32(math.Inf(1))}))
}

func TestISA(t *testing.T) {
	prev := ActiveISA()
	defer setISA(prev)

	for _, isa := range []ISA{Generic, Unroll4, Unroll8} {
		setISA(isa)
		assert.Equal(t, isa, ActiveISA())
		assert.InDelta(t, 32, Dot([]float32{1, 2, 3}, []float32{4, 5, 6}), 1e-6)
	}

	got, ok := ParseISA("unroll8")
	assert.True(t, ok)
	assert.Equal(t, Unroll8, got)
}
