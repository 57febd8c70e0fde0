package vectra

import (
	"github.com/hupe1980/vectra/internal/engine"
	"github.com/hupe1980/vectra/internal/errs"
)

// ErrorKind classifies errors returned by the database.
type ErrorKind = errs.Kind

// Error is the error type returned by the database.
type Error = errs.Error

const (
	KindParse                = errs.KindParse
	KindType                 = errs.KindType
	KindNotFound             = errs.KindNotFound
	KindDuplicateID          = errs.KindDuplicateID
	KindDimensionMismatch    = errs.KindDimensionMismatch
	KindIndexAbsent          = errs.KindIndexAbsent
	KindEmbeddingUnavailable = errs.KindEmbeddingUnavailable
	KindTimeout              = errs.KindTimeout
	KindBackpressureDrop     = errs.KindBackpressureDrop
	KindInternal             = errs.KindInternal
)

// Sentinel errors for errors.Is. They match any error of the same kind.
var (
	ErrParse                = errs.Parse
	ErrType                 = errs.Type
	ErrNotFound             = errs.NotFound
	ErrDuplicateID          = errs.DuplicateID
	ErrDimensionMismatch    = errs.DimensionMismatch
	ErrIndexAbsent          = errs.IndexAbsent
	ErrEmbeddingUnavailable = errs.EmbeddingUnavailable
	ErrTimeout              = errs.Timeout
	ErrBackpressureDrop     = errs.BackpressureDrop
	ErrInternal             = errs.Internal

	// ErrClosed is returned by every operation after Close.
	ErrClosed = engine.ErrClosed
)

// KindOf returns the kind of err. Context errors are Timeout and unknown
// errors are Internal.
func KindOf(err error) ErrorKind {
	return errs.KindOf(err)
}
