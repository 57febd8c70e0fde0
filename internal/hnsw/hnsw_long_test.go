//go:build longtests

package hnsw

import (
	"context"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vectra/distance"
)

// These tests are intentionally expensive and are excluded from default test
// runs. Run with:
//
//	go test ./internal/hnsw -tags=longtests -run TestRecallFloorLong -count=1
func TestRecallFloorLong(t *testing.T) {
	const (
		n       = 10_000
		dim     = 128
		k       = 10
		queries = 1000
	)
	idx := newTestIndex(t, dim, distance.MetricL2)
	rng := rand.New(rand.NewPCG(2024, 1))

	data := make(map[uint64][]float32, n)
	for i, v := range randomVectors(rng, n, dim) {
		data[uint64(i)] = v
		require.NoError(t, idx.Insert(uint64(i), v))
	}

	good := 0
	for range queries {
		q := randomVectors(rng, 1, dim)[0]
		hits, err := idx.Search(context.Background(), q, k, 0)
		require.NoError(t, err)
		want := bruteForce(distance.MetricL2, data, q, k)
		match := 0
		for _, h := range hits {
			if slices.Contains(want, h.RowID) {
				match++
			}
		}
		if match >= 8 {
			good++
		}
	}
	assert.GreaterOrEqual(t, float64(good)/queries, 0.95)
}
