// Package pubsub bridges a Google Cloud Pub/Sub subscription into a
// pipeline.Source. Messages are acknowledged when they are handed to the
// fetcher; a message still waiting when the source closes is nacked so the
// broker redelivers it.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingestd/internal/pipeline"
)

const (
	defaultBatchSize = 32
	defaultMaxWait   = time.Second
)

// ItemIDAttribute names the message attribute used as the item identity when
// present. The Pub/Sub message ID is used otherwise.
const ItemIDAttribute = "item_id"

// Config controls batching.
type Config struct {
	BatchSize int
	// MaxWait bounds how long Next keeps filling a batch after the first message.
	MaxWait time.Duration
	// IdleTimeout ends the source when no message arrives for this long. Zero
	// keeps the source open until the run is cancelled.
	IdleTimeout time.Duration
}

// Receiver is the subset of *pubsub.Subscription the source needs.
type Receiver interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

// Source pulls messages from a subscription.
type Source struct {
	cfg    Config
	sub    Receiver
	logger *zap.Logger

	startOnce sync.Once
	msgs      chan *pubsub.Message
	recvErr   chan error
	stop      context.CancelFunc
	mu        sync.Mutex
	done      bool
}

// Option customises a Source.
type Option func(*Source)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New wraps sub. Receiving starts with the first Next call.
func New(sub Receiver, cfg Config, opts ...Option) (*Source, error) {
	if sub == nil {
		return nil, errors.New("pubsub source needs a subscription")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	s := &Source{
		cfg:     cfg,
		sub:     sub,
		logger:  zap.NewNop(),
		msgs:    make(chan *pubsub.Message),
		recvErr: make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Next blocks for the first message, then keeps collecting until the batch is
// full or MaxWait passes.
func (s *Source) Next(ctx context.Context) (pipeline.Batch, error) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done {
		return pipeline.Batch{Done: true}, nil
	}
	s.startOnce.Do(s.start)

	var idle <-chan time.Time
	if s.cfg.IdleTimeout > 0 {
		timer := time.NewTimer(s.cfg.IdleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	var first *pubsub.Message
	select {
	case <-ctx.Done():
		return pipeline.Batch{}, ctx.Err()
	case err := <-s.recvErr:
		return pipeline.Batch{}, s.fail(err)
	case <-idle:
		s.logger.Info("subscription idle, ending source", zap.Duration("idle_timeout", s.cfg.IdleTimeout))
		s.Close()
		return pipeline.Batch{Done: true}, nil
	case first = <-s.msgs:
	}

	batch := []*pubsub.Message{first}
	fill := time.NewTimer(s.cfg.MaxWait)
	defer fill.Stop()
collect:
	for len(batch) < s.cfg.BatchSize {
		select {
		case m := <-s.msgs:
			batch = append(batch, m)
		case <-fill.C:
			break collect
		case <-ctx.Done():
			for _, m := range batch {
				m.Nack()
			}
			return pipeline.Batch{}, ctx.Err()
		}
	}

	items := make([]pipeline.Item, 0, len(batch))
	for _, m := range batch {
		items = append(items, toItem(m))
		m.Ack()
	}
	return pipeline.Batch{Items: items}, nil
}

// Close stops receiving. Messages not yet handed out are nacked.
func (s *Source) Close() {
	s.mu.Lock()
	s.done = true
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (s *Source) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.stop = cancel
	s.mu.Unlock()
	go func() {
		err := s.sub.Receive(ctx, func(cbCtx context.Context, m *pubsub.Message) {
			select {
			case s.msgs <- m:
			case <-cbCtx.Done():
				m.Nack()
			}
		})
		if err != nil && ctx.Err() == nil {
			s.recvErr <- err
		}
	}()
}

func (s *Source) fail(err error) error {
	s.Close()
	s.logger.Error("subscription receive failed", zap.Error(err))
	return pipeline.Fatal(fmt.Errorf("pubsub receive: %w", err))
}

func toItem(m *pubsub.Message) pipeline.Item {
	meta := maps.Clone(m.Attributes)
	if meta == nil {
		meta = make(map[string]string, 2)
	}
	meta["message_id"] = m.ID
	if !m.PublishTime.IsZero() {
		meta["publish_time"] = m.PublishTime.UTC().Format(time.RFC3339Nano)
	}
	id := m.Attributes[ItemIDAttribute]
	if id == "" {
		id = m.ID
	}
	return pipeline.Item{
		ID:       id,
		Key:      m.OrderingKey,
		Payload:  append([]byte(nil), m.Data...),
		Metadata: meta,
	}
}
