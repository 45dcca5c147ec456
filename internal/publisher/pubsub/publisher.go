// Package pubsub implements a Google Cloud Pub/Sub publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
)

// Publisher publishes JSON payloads to Pub/Sub topics, caching one topic
// handle per name so batching settings are shared across calls.
type Publisher struct {
	client       *pubsub.Client
	defaultTopic string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New creates a Publisher. defaultTopic is used when Publish receives an empty topic.
func New(client *pubsub.Client, defaultTopic string) *Publisher {
	return &Publisher{
		client:       client,
		defaultTopic: defaultTopic,
		topics:       make(map[string]*pubsub.Topic),
	}
}

// Publish marshals the payload to JSON and waits for the server-assigned ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p == nil || p.client == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	if topic == "" {
		topic = p.defaultTopic
	}
	if topic == "" {
		return "", errors.New("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: make(map[string]string)}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	result := p.topic(topic).Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages on every cached topic.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.topics {
		t.Stop()
	}
}

func (p *Publisher) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		p.topics[name] = t
	}
	return t
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
