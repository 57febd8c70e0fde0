// Package distance provides vector distance kernels.
//
// All kernels operate on float32 slices of identical length. Passing slices of
// different lengths is a programming error and panics.
//
// # Supported Metrics
//
//   - MetricL2: Euclidean distance
//   - MetricCosine: Cosine distance (1 - cosine similarity)
//   - MetricDot: Negated dot product, so that smaller is closer
//
// # Usage
//
//	d := distance.Cosine(a, b)
//	fn := distance.MetricL2.Func()
//	d = fn(a, b)
//
// Kernels are pure Go with unrolled accumulators. The unroll width is picked
// once per process from the CPU features reported by golang.org/x/sys/cpu, so a
// given binary on a given machine always produces identical bits.
package distance
