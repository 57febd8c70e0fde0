package hnsw

import (
	"fmt"

	"github.com/hupe1980/vectra/distance"
)

const (
	// DefaultM is the default number of bidirectional links.
	DefaultM = 16

	// DefaultEFConstruction is the default build candidate list size.
	DefaultEFConstruction = 200

	// DefaultEF is the default search candidate list size.
	DefaultEF = 50

	// MaxDimension is the largest supported vector dimension.
	MaxDimension = 65536

	// mmax0Multiplier is the multiplier for calculating maximum connections at layer 0.
	mmax0Multiplier = 2

	// minimumM is the minimum valid value for M.
	minimumM = 2

	// maxLevel caps sampled levels; the snapshot stores levels as a byte.
	maxLevel = 31
)

// Options represents the options for configuring HNSW.
type Options struct {
	Dimension      int
	M              int
	EFConstruction int
	EF             int
	Metric         distance.Metric

	// Seed makes level sampling reproducible. Zero picks a time-based seed.
	Seed uint64
}

// DefaultOptions contains the default options for HNSW.
var DefaultOptions = Options{
	M:              DefaultM,
	EFConstruction: DefaultEFConstruction,
	EF:             DefaultEF,
	Metric:         distance.MetricCosine,
}

func (o *Options) validate() error {
	if o.Dimension < 1 || o.Dimension > MaxDimension {
		return &ErrInvalidDimension{Dimension: o.Dimension}
	}
	if !o.Metric.Valid() {
		return fmt.Errorf("hnsw: invalid metric %d", o.Metric)
	}
	if o.M < minimumM {
		o.M = minimumM
	}
	if o.M > 0xFFFF/mmax0Multiplier {
		return fmt.Errorf("hnsw: M %d too large", o.M)
	}
	if o.EFConstruction < o.M {
		o.EFConstruction = o.M
	}
	if o.EF <= 0 {
		o.EF = DefaultEF
	}
	return nil
}
