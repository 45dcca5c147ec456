package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors shared by the queue, consumer, and coordinator.
var (
	ErrQueueClosed  = errors.New("queue closed")
	ErrEndOfStream  = errors.New("end of stream")
	ErrDuplicate    = errors.New("duplicate item")
	ErrDrainTimeout = errors.New("drain deadline exceeded")
)

// Kind classifies a failure for counting and reporting.
type Kind string

// Error kinds recorded by the progress tracker.
const (
	KindSourceTransient  Kind = "source_transient"
	KindSourceFatal      Kind = "source_fatal"
	KindHandlerTransient Kind = "handler_transient"
	KindHandlerFatal     Kind = "handler_fatal"
	KindQueueClosed      Kind = "queue_closed"
	KindCancelled        Kind = "cancelled"
	KindTimeout          Kind = "timeout"
)

// Kinds lists every error kind in report order.
func Kinds() []Kind {
	return []Kind{
		KindSourceTransient,
		KindSourceFatal,
		KindHandlerTransient,
		KindHandlerFatal,
		KindQueueClosed,
		KindCancelled,
		KindTimeout,
	}
}

// Fatal reports whether the kind ends the component that raised it.
func (k Kind) Fatal() bool {
	return k == KindSourceFatal || k == KindHandlerFatal
}

// Error is a classified pipeline failure.
type Error struct {
	Kind Kind
	// Op names the component or operation that failed, e.g. "fetcher feeds".
	Op  string
	Err error
}

// NewError wraps err with a kind and operation label.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

type severity int

const (
	severityTransient severity = iota + 1
	severityFatal
)

type markedError struct {
	err      error
	severity severity
}

func (m *markedError) Error() string { return m.err.Error() }

func (m *markedError) Unwrap() error { return m.err }

// Fatal marks err as unrecoverable. Sources and handlers use it to stop the
// component that observed the failure.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, severity: severityFatal}
}

// Transient marks err as recoverable. Unmarked errors are treated the same way;
// the marker exists so callers can be explicit.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, severity: severityTransient}
}

// IsFatal reports whether err carries a fatal marker or a fatal Kind.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var m *markedError
	if errors.As(err, &m) && m.severity == severityFatal {
		return true
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind.Fatal()
	}
	return false
}

// IsDuplicate reports whether err signals a duplicate item.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// IsCancellation reports whether err stems from context cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// KindOf returns the Kind of the outermost *Error in err's chain, or the empty
// Kind when err is unclassified.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, ErrQueueClosed):
		return KindQueueClosed
	case errors.Is(err, ErrDrainTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case IsCancellation(err):
		return KindCancelled
	}
	return ""
}
