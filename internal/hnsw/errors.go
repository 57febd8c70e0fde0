package hnsw

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyVector is returned for zero-length vectors.
	ErrEmptyVector = errors.New("hnsw: empty vector")

	// ErrNonFinite is returned when a vector holds NaN or Inf.
	ErrNonFinite = errors.New("hnsw: vector has non-finite component")

	// ErrCorrupt is returned by Load and Verify when the graph is inconsistent.
	ErrCorrupt = errors.New("hnsw: corrupt graph")
)

// ErrInvalidDimension is returned when the index dimension is out of range.
type ErrInvalidDimension struct {
	Dimension int
}

func (e *ErrInvalidDimension) Error() string {
	return fmt.Sprintf("hnsw: invalid dimension %d (must be in [1, %d])", e.Dimension, MaxDimension)
}

// ErrDimensionMismatch is returned when a vector length differs from the index dimension.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("hnsw: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrDuplicateID is returned when inserting a row-id that is already live.
type ErrDuplicateID struct {
	RowID uint64
}

func (e *ErrDuplicateID) Error() string {
	return fmt.Sprintf("hnsw: row %d already indexed", e.RowID)
}

// ErrNodeNotFound is returned when a row-id was never inserted.
type ErrNodeNotFound struct {
	RowID uint64
}

func (e *ErrNodeNotFound) Error() string {
	return fmt.Sprintf("hnsw: row %d not found", e.RowID)
}
