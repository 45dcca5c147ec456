// Package coordinator owns one pipeline run: it creates the bounded queue,
// starts the fetchers and the single consumer, and drives the run through
// Idle, Running, Draining, and a terminal Stopped or Failed state.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingestd/internal/consumer"
	"github.com/JakeFAU/ingestd/internal/dedup"
	"github.com/JakeFAU/ingestd/internal/fetcher"
	idgen "github.com/JakeFAU/ingestd/internal/id/uuid"
	"github.com/JakeFAU/ingestd/internal/logging"
	"github.com/JakeFAU/ingestd/internal/metrics"
	"github.com/JakeFAU/ingestd/internal/pipeline"
	"github.com/JakeFAU/ingestd/internal/progress"
	"github.com/JakeFAU/ingestd/internal/queue/memory"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultQueueCapacity = 64
	DefaultDrainTimeout  = 5 * time.Second
	DefaultGrace         = time.Second
)

// ErrNotIdle is returned by Start when the run was already started or cancelled.
var ErrNotIdle = errors.New("coordinator is not idle")

// Config controls one run.
type Config struct {
	QueueCapacity int
	// DrainTimeout bounds how long the consumer may keep draining after Cancel.
	DrainTimeout time.Duration
	// Grace bounds the wait for workers that ignore cancellation.
	Grace time.Duration
	// FailFast turns any fetcher fatal error into a failed run.
	FailFast bool
	// DisableDedup turns off identity dedup in the consumer.
	DisableDedup bool
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	return c
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEmitter mirrors progress into e, typically a progress.Hub.
func WithEmitter(e progress.Emitter) Option {
	return func(c *Coordinator) {
		c.emitter = e
	}
}

// WithRunID fixes the run identifier instead of generating a UUIDv7.
func WithRunID(id uuid.UUID) Option {
	return func(c *Coordinator) {
		c.runID = id
	}
}

// WithTracer sets the tracer used for handler spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		c.tracer = tracer
	}
}

// Coordinator runs fetchers and one consumer over a shared bounded queue.
// All methods are safe for concurrent use.
type Coordinator struct {
	cfg     Config
	handler pipeline.Handler
	logger  *zap.Logger
	emitter progress.Emitter
	tracer  trace.Tracer
	runID   uuid.UUID
	tracker *progress.Tracker

	mu       sync.Mutex
	state    pipeline.State
	queue    *memory.Queue
	fatalErr []error

	cancelOnce sync.Once
	cancelCh   chan struct{}
	failFastCh chan struct{}
	done       chan struct{}

	report pipeline.Report
	err    error
}

// New validates cfg and returns an Idle coordinator.
func New(cfg Config, handler pipeline.Handler, opts ...Option) (*Coordinator, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	c := &Coordinator{
		cfg:        cfg.withDefaults(),
		handler:    handler,
		logger:     zap.NewNop(),
		state:      pipeline.StateIdle,
		cancelCh:   make(chan struct{}),
		failFastCh: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.runID == uuid.Nil {
		id, err := idgen.New().NewRunID()
		if err != nil {
			return nil, fmt.Errorf("generate run id: %w", err)
		}
		c.runID = id
	}
	c.logger = logging.ForRun(c.logger, "coordinator", c.runID.String())
	c.tracker = progress.NewTracker(c.runID, c.emitter)
	return c, nil
}

// RunID identifies this run.
func (c *Coordinator) RunID() uuid.UUID {
	return c.runID
}

// State returns the current lifecycle state.
func (c *Coordinator) State() pipeline.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Progress returns an eventually consistent snapshot of the run counters.
func (c *Coordinator) Progress() progress.Snapshot {
	return c.tracker.Snapshot()
}

// QueueDepth reports how many items are waiting for the consumer.
func (c *Coordinator) QueueDepth() int {
	c.mu.Lock()
	q := c.queue
	c.mu.Unlock()
	if q == nil {
		return 0
	}
	return q.Len()
}

// Done is closed once the run reaches a terminal state.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Start launches every fetcher and the consumer. It may be called once, from
// Idle. Cancelling ctx has the same effect as calling Cancel.
func (c *Coordinator) Start(ctx context.Context, fetchers ...*fetcher.Fetcher) error {
	c.mu.Lock()
	if c.state != pipeline.StateIdle {
		c.mu.Unlock()
		return ErrNotIdle
	}
	q, err := memory.NewQueue(c.cfg.QueueCapacity)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("create queue: %w", err)
	}
	c.queue = q
	c.state = pipeline.StateRunning
	c.mu.Unlock()
	c.tracker.SetState(pipeline.StateRunning)

	base := context.WithoutCancel(ctx)
	fetchCtx, fetchCancel := context.WithCancel(base)
	consumeCtx, consumeCancel := context.WithCancel(base)
	stopWatch := context.AfterFunc(ctx, c.Cancel)

	var opts []consumer.Option
	opts = append(opts,
		consumer.WithRecorder(c.tracker),
		consumer.WithLogger(c.logger.Named("consumer")),
		consumer.WithTracer(c.tracer),
	)
	if !c.cfg.DisableDedup {
		opts = append(opts, consumer.WithDedup(dedup.New()))
	}
	cons := consumer.New(c.handler, opts...)

	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- cons.Run(consumeCtx, q)
	}()

	var wg sync.WaitGroup
	for _, f := range fetchers {
		if f == nil {
			continue
		}
		f = f.Reporting(c.tracker)
		wg.Add(1)
		go func() {
			defer wg.Done()
			metrics.IncFetchers()
			defer metrics.DecFetchers()
			if err := f.Run(fetchCtx, q); err != nil {
				c.fetcherFailed(f.Name(), err)
			}
		}()
	}
	fetchersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(fetchersDone)
	}()

	c.logger.Info("run started", zap.Int("fetchers", len(fetchers)), zap.Int("queue_capacity", q.Cap()))
	go c.supervise(run{
		queue:         q,
		fetchCancel:   fetchCancel,
		consumeCancel: consumeCancel,
		stopWatch:     stopWatch,
		consumerDone:  consumerDone,
		fetchersDone:  fetchersDone,
	})
	return nil
}

// Cancel requests a graceful stop: producers are cancelled, the queue is
// closed, and the consumer drains until the drain deadline. Cancel is
// idempotent and never blocks. Cancelling an Idle coordinator stops it.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	if c.state == pipeline.StateIdle {
		c.state = pipeline.StateStopped
		c.mu.Unlock()
		c.tracker.MarkCancelled()
		c.finish(pipeline.StateStopped, nil)
		return
	}
	c.mu.Unlock()
	c.cancelOnce.Do(func() {
		close(c.cancelCh)
	})
}

// Wait blocks until the run is terminal and returns its report together with
// the joined fatal errors. A clean or cancelled run returns a nil error.
func (c *Coordinator) Wait() (pipeline.Report, error) {
	<-c.done
	return c.report, c.err
}

func (c *Coordinator) fetcherFailed(name string, err error) {
	c.mu.Lock()
	c.fatalErr = append(c.fatalErr, err)
	c.mu.Unlock()
	c.logger.Warn("fetcher failed", zap.String("fetcher", name), zap.Error(err))
	if c.cfg.FailFast {
		select {
		case c.failFastCh <- struct{}{}:
		default:
		}
	}
}

func (c *Coordinator) setState(state pipeline.State) {
	c.mu.Lock()
	if !c.state.Terminal() {
		c.state = state
	}
	c.mu.Unlock()
	c.tracker.SetState(state)
}

func (c *Coordinator) finish(state pipeline.State, errs []error) {
	c.mu.Lock()
	c.state = state
	all := append(append([]error(nil), c.fatalErr...), errs...)
	c.mu.Unlock()
	c.tracker.SetState(state)
	c.report = c.tracker.Snapshot().Report()
	c.err = errors.Join(all...)
	c.logger.Info("run finished", zap.String("report", c.report.String()))
	close(c.done)
}

// run carries the per-run handles owned by the supervisor goroutine.
type run struct {
	queue         *memory.Queue
	fetchCancel   context.CancelFunc
	consumeCancel context.CancelFunc
	stopWatch     func() bool
	consumerDone  <-chan error
	fetchersDone  <-chan struct{}
}

// supervise drives the state machine until the consumer has exited or the
// drain deadline has passed, then joins the fetchers and finishes the run.
func (c *Coordinator) supervise(r run) {
	defer r.stopWatch()
	defer r.fetchCancel()
	defer r.consumeCancel()

	var (
		errs       []error
		failed     bool
		draining   bool
		consumerUp = true
		drainTimer *time.Timer
		deadline   <-chan time.Time
	)
	fetchersDone := r.fetchersDone
	cancelCh := c.cancelCh

	startDrain := func() {
		if draining {
			return
		}
		draining = true
		r.queue.Close()
		c.setState(pipeline.StateDraining)
	}
	abort := func() {
		r.fetchCancel()
		r.consumeCancel()
		r.queue.Close()
	}

loop:
	for {
		select {
		case <-fetchersDone:
			fetchersDone = nil
			c.logger.Debug("all fetchers finished, draining")
			startDrain()
		case <-cancelCh:
			cancelCh = nil
			c.tracker.MarkCancelled()
			c.logger.Info("cancel requested", zap.Int("queued", r.queue.Len()))
			r.fetchCancel()
			startDrain()
			drainTimer = time.NewTimer(c.cfg.DrainTimeout)
			deadline = drainTimer.C
		case <-c.failFastCh:
			failed = true
			c.logger.Warn("fail-fast: aborting run after fetcher failure")
			abort()
			break loop
		case err := <-r.consumerDone:
			consumerUp = false
			if err != nil {
				failed = true
				errs = append(errs, err)
				abort()
			}
			break loop
		case <-deadline:
			derr := pipeline.NewError(pipeline.KindTimeout, "coordinator", pipeline.ErrDrainTimeout)
			c.tracker.RecordError(pipeline.KindTimeout, "", derr)
			errs = append(errs, derr)
			c.logger.Warn("drain deadline exceeded", zap.Duration("drain_timeout", c.cfg.DrainTimeout))
			r.consumeCancel()
			break loop
		}
	}
	if drainTimer != nil {
		drainTimer.Stop()
	}

	if consumerUp {
		if exited, err := c.joinConsumer(r.consumerDone); exited && err != nil {
			failed = true
			errs = append(errs, err)
		}
	}
	if n := r.queue.Discard(); n > 0 {
		c.tracker.AddDropped(n)
		c.logger.Info("dropped queued items", zap.Int("dropped", n))
	}

	r.fetchCancel()
	c.joinFetchers(r.fetchersDone)
	// The loop may have exited on consumerDone while a fail-fast signal was
	// also pending.
	select {
	case <-c.failFastCh:
		failed = true
	default:
	}

	state := pipeline.StateStopped
	if failed {
		state = pipeline.StateFailed
	}
	c.finish(state, errs)
}

// joinConsumer waits up to the grace period for the consumer to return.
func (c *Coordinator) joinConsumer(done <-chan error) (bool, error) {
	timer := time.NewTimer(c.cfg.Grace)
	defer timer.Stop()
	select {
	case err := <-done:
		return true, err
	case <-timer.C:
		c.logger.Warn("consumer did not stop within grace period", zap.Duration("grace", c.cfg.Grace))
		return false, nil
	}
}

// joinFetchers waits up to the grace period for every fetcher goroutine.
func (c *Coordinator) joinFetchers(done <-chan struct{}) {
	timer := time.NewTimer(c.cfg.Grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		c.logger.Warn("fetchers did not stop within grace period", zap.Duration("grace", c.cfg.Grace))
	}
}
