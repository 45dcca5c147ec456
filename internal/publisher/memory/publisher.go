// Package memory contains an in-memory publisher for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	err      error
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes subsequent Publish calls return err. Passing nil restores success.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]PublishedMessage(nil), p.messages...)
}
