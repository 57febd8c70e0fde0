// Package errs defines the error taxonomy surfaced by the engine.
//
// Every error that leaves the engine carries one Kind. Component packages keep
// their own sentinel and typed errors; the engine translates them into *Error
// at its boundary.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error. The string form is surfaced verbatim on the wire.
type Kind string

const (
	KindParse                Kind = "ParseError"
	KindType                 Kind = "TypeError"
	KindNotFound             Kind = "NotFound"
	KindDuplicateID          Kind = "DuplicateId"
	KindDimensionMismatch    Kind = "DimensionMismatch"
	KindIndexAbsent          Kind = "IndexAbsent"
	KindEmbeddingUnavailable Kind = "EmbeddingUnavailable"
	KindTimeout              Kind = "Timeout"
	KindBackpressureDrop     Kind = "BackpressureDrop"
	KindInternal             Kind = "Internal"
)

// Error is a classified error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" && e.Err != nil {
		return e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, errs.NotFound) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Message == "" && t.Err == nil && t.Kind == e.Kind
	}
	return false
}

// Sentinels usable with errors.Is.
var (
	Parse                = &Error{Kind: KindParse}
	Type                 = &Error{Kind: KindType}
	NotFound             = &Error{Kind: KindNotFound}
	DuplicateID          = &Error{Kind: KindDuplicateID}
	DimensionMismatch    = &Error{Kind: KindDimensionMismatch}
	IndexAbsent          = &Error{Kind: KindIndexAbsent}
	EmbeddingUnavailable = &Error{Kind: KindEmbeddingUnavailable}
	Timeout              = &Error{Kind: KindTimeout}
	BackpressureDrop     = &Error{Kind: KindBackpressureDrop}
	Internal             = &Error{Kind: KindInternal}
)

// New returns a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. If err is already classified it is returned unchanged.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err. Deadline and cancellation map to Timeout;
// anything unclassified is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}
