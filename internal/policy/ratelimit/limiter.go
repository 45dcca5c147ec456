// Package ratelimit implements keyed token-bucket rate limiting. Fetchers key
// by source name; HTTP sources may key by host.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Observer receives the delay introduced by a Wait call.
type Observer func(key string, waited time.Duration)

// Limiter manages one token bucket per key.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	observe      Observer
}

// Config holds rate limiter configuration. A non-positive RPS disables limiting.
type Config struct {
	RPS   float64
	Burst int
	// Observer is optional.
	Observer Observer
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
		observe:      cfg.Observer,
	}
}

// Wait blocks until a token is available for key or ctx ends.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	limiter := l.bucket(key)
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond && l.observe != nil {
		l.observe(key, waited)
	}
	return nil
}

// WaitURL keys the wait by the URL's host.
func (l *Limiter) WaitURL(ctx context.Context, rawURL string) error {
	key := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		key = u.Hostname()
	}
	return l.Wait(ctx, key)
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[key] = limiter
	}
	return limiter
}
