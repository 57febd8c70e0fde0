package engine

import (
	"errors"

	"github.com/hupe1980/vectra/internal/bus"
	"github.com/hupe1980/vectra/internal/errs"
	"github.com/hupe1980/vectra/internal/hnsw"
	"github.com/hupe1980/vectra/internal/rowstore"
	"github.com/hupe1980/vectra/internal/wal"
)

// ErrClosed is returned when an operation is attempted on a closed engine.
var ErrClosed = errors.New("engine closed")

// translateError classifies component errors. Already classified errors pass
// through unchanged.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var (
		dm  *hnsw.ErrDimensionMismatch
		dup *hnsw.ErrDuplicateID
		nf  *hnsw.ErrNodeNotFound
	)
	switch {
	case errors.As(err, &dm):
		return errs.Wrap(errs.KindDimensionMismatch, err, "vector index")
	case errors.As(err, &dup):
		return errs.Wrap(errs.KindDuplicateID, err, "vector index")
	case errors.As(err, &nf):
		return errs.Wrap(errs.KindNotFound, err, "vector index")
	case errors.Is(err, hnsw.ErrNonFinite), errors.Is(err, hnsw.ErrEmptyVector):
		return errs.Wrap(errs.KindType, err, "vector index")
	case errors.Is(err, bus.ErrSubscriptionNotFound):
		return errs.Wrap(errs.KindNotFound, err, "change bus")
	case errors.Is(err, bus.ErrEmptyTopic):
		return errs.Wrap(errs.KindParse, err, "change bus")
	case errors.Is(err, hnsw.ErrCorrupt), errors.Is(err, wal.ErrCorrupt), errors.Is(err, rowstore.ErrCorruptSST):
		return errs.Wrap(errs.KindInternal, err, "corrupt data")
	}
	return errs.Wrap(errs.KindOf(err), err, "engine")
}
