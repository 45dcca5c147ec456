// Package fetcher runs one Source against the pipeline queue. A Fetcher owns
// retry, backoff, and optional rate limiting for its source; it never shares
// state with peer fetchers beyond the queue itself.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ingestd/internal/pipeline"
	"github.com/JakeFAU/ingestd/internal/queue"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultMaxRetries     = 5
	DefaultBackoffInitial = 250 * time.Millisecond
	DefaultBackoffMax     = 5 * time.Second
)

// Config controls retry behaviour.
type Config struct {
	// MaxRetries is the number of retries after the first failed attempt.
	// Zero means DefaultMaxRetries; a negative value disables retries.
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func (c Config) withDefaults() Config {
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = DefaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = DefaultBackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
	return c
}

// Recorder receives fetcher-side progress. progress.Tracker satisfies it.
type Recorder interface {
	AddEnqueued(source string, n int, bytes int64)
	RecordError(kind pipeline.Kind, source string, err error)
}

// Waiter throttles calls to Source.Next. ratelimit.Limiter satisfies it.
type Waiter interface {
	Wait(ctx context.Context, key string) error
}

// Option customises a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithRecorder routes counts to r.
func WithRecorder(r Recorder) Option {
	return func(f *Fetcher) {
		if r != nil {
			f.recorder = r
		}
	}
}

// WithRateLimit waits on w, keyed by the fetcher name, before every Next call.
func WithRateLimit(w Waiter) Option {
	return func(f *Fetcher) {
		f.limiter = w
	}
}

// WithClock overrides the timestamp source used for Item.FetchedAt.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

// Fetcher pulls batches from a Source and enqueues their items in order.
type Fetcher struct {
	name     string
	src      pipeline.Source
	cfg      Config
	backoff  Backoff
	limiter  Waiter
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// New builds a Fetcher. name labels items whose Source field is empty and
// keys the rate limiter.
func New(name string, src pipeline.Source, cfg Config, opts ...Option) *Fetcher {
	cfg = cfg.withDefaults()
	f := &Fetcher{
		name:     name,
		src:      src,
		cfg:      cfg,
		backoff:  Backoff{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax},
		recorder: nopRecorder{},
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With(zap.String("fetcher", name))
	return f
}

// Reporting returns a copy of f that reports to r. The coordinator uses it to
// bind fetchers to the run's tracker.
func (f *Fetcher) Reporting(r Recorder) *Fetcher {
	cp := *f
	if r != nil {
		cp.recorder = r
	}
	return &cp
}

// Name returns the fetcher label.
func (f *Fetcher) Name() string {
	return f.name
}

// Run pulls from the source until it is exhausted, ctx ends, or a fatal error
// occurs. Source exhaustion and cancellation return nil. Fatal source errors
// and retry exhaustion return a *pipeline.Error of kind SourceFatal.
func (f *Fetcher) Run(ctx context.Context, q queue.Enqueuer) error {
	if f.src == nil {
		return pipeline.NewError(pipeline.KindSourceFatal, f.op(), errors.New("source is nil"))
	}
	retries := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, f.name); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				f.logger.Warn("rate limit wait failed", zap.Error(err))
			}
		}

		batch, err := f.src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if pipeline.IsFatal(err) {
				return f.fail(err)
			}
			f.recorder.RecordError(pipeline.KindSourceTransient, f.name, err)
			if retries >= f.cfg.MaxRetries {
				return f.fail(fmt.Errorf("retries exhausted after %d attempts: %w", retries+1, err))
			}
			delay := f.backoff.Delay(retries)
			retries++
			f.logger.Warn("source error, retrying",
				zap.Error(err),
				zap.Int("retry", retries),
				zap.Duration("backoff", delay),
			)
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}
		retries = 0

		for _, ferr := range batch.Failures {
			f.recorder.RecordError(pipeline.KindSourceTransient, f.name, ferr)
			f.logger.Warn("skipping failed item", zap.Error(ferr))
		}
		if stop := f.enqueue(ctx, q, batch.Items); stop {
			return nil
		}
		if batch.Done {
			f.logger.Debug("source exhausted")
			return nil
		}
	}
}

// enqueue puts items in order and reports whether the fetcher must stop.
func (f *Fetcher) enqueue(ctx context.Context, q queue.Enqueuer, items []pipeline.Item) bool {
	var (
		n     int
		bytes int64
	)
	defer func() {
		f.recorder.AddEnqueued(f.name, n, bytes)
	}()
	for _, item := range items {
		if item.Source == "" {
			item.Source = f.name
		}
		if item.FetchedAt.IsZero() {
			item.FetchedAt = f.now()
		}
		if err := q.Put(ctx, item); err != nil {
			if errors.Is(err, pipeline.ErrQueueClosed) && ctx.Err() == nil {
				f.recorder.RecordError(pipeline.KindQueueClosed, f.name, err)
				f.logger.Warn("queue closed before item was delivered", zap.String("item_id", item.ID))
			}
			return true
		}
		n++
		bytes += int64(len(item.Payload))
	}
	return false
}

func (f *Fetcher) fail(err error) error {
	perr := pipeline.NewError(pipeline.KindSourceFatal, f.op(), err)
	f.recorder.RecordError(pipeline.KindSourceFatal, f.name, perr)
	f.logger.Error("fetcher stopped", zap.Error(err))
	return perr
}

func (f *Fetcher) op() string {
	return "fetcher " + f.name
}

// sleep waits for d or until ctx ends; it reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type nopRecorder struct{}

func (nopRecorder) AddEnqueued(string, int, int64) {}
func (nopRecorder) RecordError(pipeline.Kind, string, error) {}
