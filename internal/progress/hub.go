package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 4096).
//   - MaxBatchEvents: flush once this many events queue (default 1000).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 500ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub batches events and fans them out to registered sinks. Emit never blocks
// callers: when the buffer is full the event is counted as dropped.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}

	dropped     atomic.Int64
	lastDropLog atomic.Int64
	closed      atomic.Bool
	closeOnce   sync.Once
	closeCtx    context.Context
}

// NewHub starts the batching goroutine and returns a ready Hub.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		events: make(chan Event, cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go h.loop()
	return h
}

// Emit enqueues evt for the next batch. Invalid events are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.cfg.Logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		n := h.dropped.Add(1)
		h.warnDropped(n)
	}
}

// Dropped returns how many events were discarded due to backpressure.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Close stops accepting events, flushes what is buffered, closes the sinks, and
// waits for the batching goroutine. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.doneCh)
	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	// flushC is nil while the batch is empty so the timer case never fires.
	var flushC <-chan time.Time

	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.flush(batch)
				batch = batch[:0]
				timer.Stop()
				flushC = nil
			} else if flushC == nil {
				timer.Reset(h.cfg.MaxBatchWait)
				flushC = timer.C
			}
		case <-flushC:
			flushC = nil
			h.flush(batch)
			batch = batch[:0]
		case <-h.stopCh:
			timer.Stop()
			h.drain(batch)
			return
		}
	}
}

func (h *Hub) drain(batch []Event) {
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.flush(batch)
				batch = batch[:0]
			}
		default:
			h.flush(batch)
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	out := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.cfg.Logger.Warn("progress sink consume failed", zap.Error(err), zap.Int("events", len(out)))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.cfg.Logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

func (h *Hub) warnDropped(total int64) {
	now := time.Now().UnixNano()
	last := h.lastDropLog.Load()
	if now-last < dropLogInterval.Nanoseconds() {
		return
	}
	if h.lastDropLog.CompareAndSwap(last, now) {
		h.cfg.Logger.Warn("progress events dropped due to backpressure", zap.Int64("dropped_total", total))
	}
}
