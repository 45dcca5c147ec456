package pipeline

import (
	"context"
	"maps"
	"time"
)

// Item is a single record produced by a Source and consumed by a Handler.
type Item struct {
	// ID is the stable identity used for deduplication.
	ID string
	// Payload is opaque to the pipeline.
	Payload []byte
	// Key is an optional ordering key supplied by the source.
	Key string
	// Source names the fetcher that produced the item.
	Source string
	// Metadata carries source-specific attributes (content type, URL, headers).
	Metadata map[string]string
	// FetchedAt is stamped by the fetcher when the item is enqueued.
	FetchedAt time.Time
}

// Clone returns a copy that shares no mutable state with the receiver.
func (it Item) Clone() Item {
	out := it
	if it.Payload != nil {
		out.Payload = append([]byte(nil), it.Payload...)
	}
	if it.Metadata != nil {
		out.Metadata = maps.Clone(it.Metadata)
	}
	return out
}

// Batch is the unit returned by Source.Next.
type Batch struct {
	// Items are enqueued in order.
	Items []Item
	// Failures are per-item errors; they are logged and skipped.
	Failures []error
	// Done signals the source has nothing more to produce. Items in the same
	// batch are still delivered.
	Done bool
}

// Source produces the next batch of items or signals the end of input.
//
// Errors marked with Fatal stop the fetcher. Any other error is treated as
// transient and retried with backoff.
type Source interface {
	Next(ctx context.Context) (Batch, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) (Batch, error)

// Next calls f(ctx).
func (f SourceFunc) Next(ctx context.Context) (Batch, error) {
	return f(ctx)
}

// Handler processes one item.
//
// Returning nil reports success. ErrDuplicate reports a duplicate with no side
// effect. Errors marked with Fatal stop the run; any other error is recoverable
// and the consumer continues with the next item.
type Handler interface {
	Handle(ctx context.Context, item Item) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, item Item) error

// Handle calls f(ctx, item).
func (f HandlerFunc) Handle(ctx context.Context, item Item) error {
	return f(ctx, item)
}

// Outcome is the consumer's classification of a handler result.
type Outcome int

// Handler outcomes.
const (
	OutcomeSuccess Outcome = iota
	OutcomeDuplicate
	OutcomeRecoverable
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeRecoverable:
		return "recoverable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// OutcomeOf classifies the error returned by Handler.Handle.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case IsDuplicate(err):
		return OutcomeDuplicate
	case IsFatal(err):
		return OutcomeFatal
	default:
		return OutcomeRecoverable
	}
}
