package resilience

import (
	"context"
	"errors"
)

// ErrorKind classifies why an operation produced a fallback value instead of
// its normal result.
type ErrorKind string

// Error kinds.
const (
	KindNone           ErrorKind = "none"
	KindFatal          ErrorKind = "fatal"
	KindConfig         ErrorKind = "config"
	KindTransient      ErrorKind = "transient"
	KindRetryExhausted ErrorKind = "retry_exhausted"
	KindDecode         ErrorKind = "decode"
	KindValidation     ErrorKind = "validation"
	KindTimeout        ErrorKind = "timeout"
	KindCancelled      ErrorKind = "cancelled"
	KindCircuitOpen    ErrorKind = "circuit_open"
	KindSchemaDrift    ErrorKind = "schema_drift"
	KindSkipped        ErrorKind = "skipped"
	KindNoData         ErrorKind = "no_data"
	KindUnknown        ErrorKind = "unknown"
)

// Result carries a value that is always usable, plus the reason it may be a
// fallback. Kind is KindNone when Value is the genuine result.
type Result[T any] struct {
	Value T
	Kind  ErrorKind
	Err   error
}

// OK wraps a genuine result.
func OK[T any](v T) Result[T] {
	return Result[T]{Value: v, Kind: KindNone}
}

// Fallback wraps a default value produced because of err. If kind is empty it
// is derived from err.
func Fallback[T any](v T, kind ErrorKind, err error) Result[T] {
	if kind == "" {
		kind = Classify(err)
	}
	return Result[T]{Value: v, Kind: kind, Err: err}
}

// Degraded reports whether the value is a fallback.
func (r Result[T]) Degraded() bool {
	return r.Kind != KindNone
}

// KindError attaches an explicit ErrorKind to an error.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// WithKind tags err with kind. A nil err stays nil.
func WithKind(err error, kind ErrorKind) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// Classify maps an error chain to an ErrorKind. Explicit KindError tags win
// over inferred kinds.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrRetryExhausted):
		return KindRetryExhausted
	case IsTransient(err):
		return KindTransient
	default:
		return KindUnknown
	}
}
