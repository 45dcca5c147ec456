// Package consumer drains the run queue through a Handler. There is exactly
// one consumer per run; it dedups by item identity, classifies handler
// results, and reports every outcome to a Recorder.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingestd/internal/dedup"
	"github.com/JakeFAU/ingestd/internal/pipeline"
	"github.com/JakeFAU/ingestd/internal/queue"
)

const tracerName = "github.com/JakeFAU/ingestd/internal/consumer"

// Recorder receives consumer-side progress. progress.Tracker satisfies it.
type Recorder interface {
	AddProcessed(item pipeline.Item, dur time.Duration)
	AddDuplicate(item pipeline.Item)
	AddDropped(n int)
	RecordError(kind pipeline.Kind, source string, err error)
}

// Option customises a Consumer.
type Option func(*Consumer)

// WithDedup enables identity dedup against set. Without it, duplicates are
// only detected by the handler returning pipeline.ErrDuplicate.
func WithDedup(set *dedup.Set) Option {
	return func(c *Consumer) {
		c.seen = set
	}
}

// WithRecorder routes outcomes to r.
func WithRecorder(r Recorder) Option {
	return func(c *Consumer) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracer overrides the OpenTelemetry tracer. The global provider is used otherwise.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Consumer) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// Consumer applies a Handler to each dequeued item.
type Consumer struct {
	handler  pipeline.Handler
	seen     *dedup.Set
	recorder Recorder
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New builds a Consumer for handler.
func New(handler pipeline.Handler, opts ...Option) *Consumer {
	c := &Consumer{
		handler:  handler,
		recorder: nopRecorder{},
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes until the queue reports end of stream or ctx ends; both return
// nil. A fatal handler error is returned as a *pipeline.Error of kind
// HandlerFatal and leaves the remaining items in the queue.
func (c *Consumer) Run(ctx context.Context, q queue.Dequeuer) error {
	if c.handler == nil {
		return pipeline.NewError(pipeline.KindHandlerFatal, "consumer", errors.New("handler is nil"))
	}
	for {
		item, err := q.Get(ctx)
		if err != nil {
			if errors.Is(err, pipeline.ErrEndOfStream) {
				c.logEndOfStream()
				return nil
			}
			if pipeline.IsCancellation(err) || ctx.Err() != nil {
				return nil
			}
			return pipeline.NewError(pipeline.KindHandlerFatal, "consumer", fmt.Errorf("dequeue: %w", err))
		}
		stop, err := c.process(ctx, item)
		if err != nil || stop {
			return err
		}
	}
}

// process handles one item. stop is set when the run context ended while the
// item was in flight.
func (c *Consumer) process(ctx context.Context, item pipeline.Item) (stop bool, err error) {
	logger := c.logger.With(zap.String("item_id", item.ID), zap.String("source", item.Source))
	if ctx.Err() != nil {
		c.recorder.AddDropped(1)
		return true, nil
	}
	if c.seen != nil && item.ID != "" && !c.seen.Mark(item.ID) {
		c.recorder.AddDuplicate(item)
		logger.Debug("duplicate item skipped")
		return false, nil
	}

	start := time.Now()
	herr := c.handle(ctx, item)
	dur := time.Since(start)

	switch pipeline.OutcomeOf(herr) {
	case pipeline.OutcomeSuccess:
		c.recorder.AddProcessed(item, dur)
		return false, nil
	case pipeline.OutcomeDuplicate:
		c.recorder.AddDuplicate(item)
		logger.Debug("handler reported duplicate")
		return false, nil
	case pipeline.OutcomeFatal:
		perr := pipeline.NewError(pipeline.KindHandlerFatal, "consumer", fmt.Errorf("item %s: %w", item.ID, herr))
		c.recorder.RecordError(pipeline.KindHandlerFatal, item.Source, perr)
		logger.Error("handler failed fatally", zap.Error(herr))
		return true, perr
	default:
		c.forget(item)
		if ctx.Err() != nil {
			c.recorder.AddDropped(1)
			logger.Debug("item interrupted by cancellation", zap.Error(herr))
			return true, nil
		}
		c.recorder.RecordError(pipeline.KindHandlerTransient, item.Source, herr)
		logger.Warn("handler failed, continuing", zap.Error(herr), zap.Duration("dur", dur))
		return false, nil
	}
}

func (c *Consumer) handle(ctx context.Context, item pipeline.Item) (err error) {
	ctx, span := c.tracer.Start(ctx, "consumer.handle", trace.WithAttributes(
		attribute.String("ingestd.item_id", item.ID),
		attribute.String("ingestd.source", item.Source),
		attribute.Int("ingestd.payload_bytes", len(item.Payload)),
	))
	defer func() {
		if r := recover(); r != nil {
			err = pipeline.Fatal(fmt.Errorf("handler panic: %v", r))
		}
		if err != nil && !pipeline.IsDuplicate(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	return c.handler.Handle(ctx, item)
}

func (c *Consumer) logEndOfStream() {
	fields := []zap.Field{}
	if c.seen != nil {
		fields = append(fields, zap.Int("distinct_ids", c.seen.Len()))
	}
	c.logger.Debug("end of stream", fields...)
}

func (c *Consumer) forget(item pipeline.Item) {
	if c.seen != nil && item.ID != "" {
		c.seen.Forget(item.ID)
	}
}

type nopRecorder struct{}

func (nopRecorder) AddProcessed(pipeline.Item, time.Duration) {}
func (nopRecorder) AddDuplicate(pipeline.Item) {}
func (nopRecorder) AddDropped(int) {}
func (nopRecorder) RecordError(pipeline.Kind, string, error) {}
