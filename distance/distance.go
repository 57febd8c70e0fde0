package distance

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrNonFinite is returned when a vector contains NaN or Inf components.
var ErrNonFinite = errors.New("vector contains non-finite component")

// Metric represents the distance metric used for vector comparison.
type Metric uint8

const (
	MetricL2 Metric = iota
	MetricCosine
	MetricDot
)

func (m Metric) String() string {
	switch m {
	case MetricL2:
		return "euclidean"
	case MetricCosine:
		return "cosine"
	case MetricDot:
		return "dot"
	default:
		return fmt.Sprintf("unknown(%d)", m)
	}
}

// Valid reports whether m is a known metric.
func (m Metric) Valid() bool {
	return m <= MetricDot
}

// ParseMetric parses a metric name. Accepted spellings are case-insensitive.
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "l2", "euclidean", "euclid":
		return MetricL2, nil
	case "cosine", "cos":
		return MetricCosine, nil
	case "dot", "ip", "inner_product":
		return MetricDot, nil
	default:
		return 0, fmt.Errorf("unsupported metric %q", s)
	}
}

// Func is a function type for distance calculation. Smaller is closer.
type Func func(a, b []float32) float32

// Func returns the distance function for the metric.
func (m Metric) Func() Func {
	switch m {
	case MetricCosine:
		return Cosine
	case MetricDot:
		return NegDot
	default:
		return L2
	}
}

// Distance computes the distance between a and b under m.
func (m Metric) Distance(a, b []float32) float32 {
	return m.Func()(a, b)
}

func mustSameLen(a, b []float32) {
	if len(a) != len(b) {
		panic(fmt.Sprintf("distance: dimension mismatch %d != %d", len(a), len(b)))
	}
}

// Dot calculates the dot product of two vectors.
func Dot(a, b []float32) float32 {
	mustSameLen(a, b)
	return dotKernel(a, b)
}

// NegDot returns -Dot(a, b).
func NegDot(a, b []float32) float32 {
	return -Dot(a, b)
}

// SquaredL2 calculates the squared Euclidean distance between two vectors.
func SquaredL2(a, b []float32) float32 {
	mustSameLen(a, b)
	return squaredL2Kernel(a, b)
}

// L2 calculates the Euclidean distance between two vectors.
func L2(a, b []float32) float32 {
	return float32(math.Sqrt(float64(SquaredL2(a, b))))
}

// Cosine returns 1 - (a·b)/(|a||b|). A zero-norm operand yields 1.
func Cosine(a, b []float32) float32 {
	mustSameLen(a, b)
	ab := dotKernel(a, b)
	aa := dotKernel(a, a)
	bb := dotKernel(b, b)
	if aa == 0 || bb == 0 {
		return 1
	}
	sim := float64(ab) / (math.Sqrt(float64(aa)) * math.Sqrt(float64(bb)))
	return float32(1 - sim)
}

// Norm returns the Euclidean length of v.
func Norm(v []float32) float32 {
	return float32(math.Sqrt(float64(dotKernel(v, v))))
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v has zero L2 norm.
func NormalizeL2InPlace(v []float32) bool {
	n := Norm(v)
	if n == 0 {
		return false
	}
	inv := 1 / n
	for i := range v {
		v[i] *= inv
	}
	return true
}

// IsFinite reports whether every component of v is finite.
func IsFinite(v []float32) bool {
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
