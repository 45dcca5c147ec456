package progress

import "context"

// Sink consumes batches of progress events. Implementations must be safe for
// repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies this interface so the
// tracker stays agnostic about how events are buffered or persisted.
type Emitter interface {
	Emit(evt Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(evt Event)

// Emit calls f(evt).
func (f EmitterFunc) Emit(evt Event) {
	f(evt)
}
