// Package web implements a pipeline.Source that fetches a fixed list of URLs
// with a colly collector, one URL per batch.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingestd/internal/pipeline"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	URLs          []string
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	Headers       http.Header
}

// URLPolicy decides whether a URL may be fetched.
type URLPolicy interface {
	AllowURL(rawURL string) bool
}

// Option customises a Source.
type Option func(*Source)

// WithPolicy rejects URLs that p does not allow. Rejected URLs are reported
// as per-item failures.
func WithPolicy(p URLPolicy) Option {
	return func(s *Source) {
		s.policy = p
	}
}

// WithTransport replaces the HTTP transport. Tests use it to point at httptest.
func WithTransport(rt http.RoundTripper) Option {
	return func(s *Source) {
		if rt != nil {
			s.transport = rt
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Source walks cfg.URLs in order. A URL that fails with a network error or a
// 5xx/429 status is not advanced past, so the fetcher's retry fetches it again.
type Source struct {
	cfg       Config
	policy    URLPolicy
	transport http.RoundTripper
	base      *colly.Collector
	logger    *zap.Logger

	mu  sync.Mutex
	pos int
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// response is what the collector callbacks capture for one visit.
type response struct {
	url     string
	status  int
	headers http.Header
	body    []byte
	err     error
}

// New builds a Source.
func New(cfg Config, opts ...Option) (*Source, error) {
	if len(cfg.URLs) == 0 {
		return nil, errors.New("web source needs at least one url")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	s := &Source{
		cfg:       cfg,
		transport: newHTTPTransport(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.base = colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	return s, nil
}

// Next fetches the next URL.
func (s *Source) Next(ctx context.Context) (pipeline.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.cfg.URLs) {
		return pipeline.Batch{Done: true}, nil
	}
	raw := s.cfg.URLs[s.pos]
	last := s.pos == len(s.cfg.URLs)-1

	id, err := NormalizeURL(raw)
	if err != nil || (s.policy != nil && !s.policy.AllowURL(raw)) {
		s.pos++
		if err == nil {
			err = fmt.Errorf("url %s rejected by policy", raw)
		}
		return pipeline.Batch{Failures: []error{err}, Done: last}, nil
	}

	start := time.Now()
	resp, err := s.visit(ctx, raw)
	if err != nil {
		return pipeline.Batch{}, err
	}
	if resp.err != nil {
		if retryable(resp.status) {
			return pipeline.Batch{}, pipeline.Transient(fmt.Errorf("fetch %s: status %d: %w", raw, resp.status, resp.err))
		}
		s.pos++
		return pipeline.Batch{
			Failures: []error{fmt.Errorf("fetch %s: status %d: %w", raw, resp.status, resp.err)},
			Done:     last,
		}, nil
	}
	s.pos++
	s.logger.Debug("fetched page",
		zap.String("url", resp.url),
		zap.Int("status", resp.status),
		zap.Int("bytes", len(resp.body)),
		zap.Duration("dur", time.Since(start)),
	)
	return pipeline.Batch{Items: []pipeline.Item{toItem(id, resp)}, Done: last}, nil
}

func (s *Source) visit(ctx context.Context, rawURL string) (*response, error) {
	collector := s.buildCollector()
	resp := &response{}
	s.configureCollectorHooks(ctx, collector, resp)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if ctx.Err() != nil {
			return nil, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
		}
		if errors.Is(err, colly.ErrRobotsTxtBlocked) {
			resp.err = err
			resp.status = http.StatusForbidden
			return resp, nil
		}
		if err != nil && resp.err == nil {
			// Visit failed before any callback ran, e.g. a malformed URL.
			resp.err = err
		}
		return resp, nil
	}
}

func (s *Source) buildCollector() *colly.Collector {
	collector := s.base.Clone()
	if s.cfg.UserAgent != "" {
		collector.UserAgent = s.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !s.cfg.RespectRobots
	collector.SetRequestTimeout(s.cfg.Timeout)
	if s.cfg.RespectRobots {
		collector.WithTransport(&robotsAwareTransport{base: s.transport, logger: s.logger})
	} else {
		collector.WithTransport(s.transport)
	}
	return collector
}

func (s *Source) configureCollectorHooks(ctx context.Context, hooks collectorHooks, resp *response) {
	hooks.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		for key, values := range s.cfg.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		resp.url = r.Request.URL.String()
		resp.status = r.StatusCode
		if r.Headers != nil {
			resp.headers = r.Headers.Clone()
		}
		resp.body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			resp.status = r.StatusCode
		}
		resp.err = err
	})
}

// retryable reports whether a failed visit should be retried. Status 0 means
// the request never produced a response.
func retryable(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

func toItem(id string, resp *response) pipeline.Item {
	meta := map[string]string{
		"url":    resp.url,
		"status": strconv.Itoa(resp.status),
	}
	if ct := resp.headers.Get("Content-Type"); ct != "" {
		meta["content_type"] = ct
	}
	if etag := resp.headers.Get("ETag"); etag != "" {
		meta["etag"] = etag
	}
	return pipeline.Item{
		ID:       id,
		Key:      id,
		Payload:  resp.body,
		Metadata: meta,
	}
}

// NormalizeURL returns the identity used for a page: lower-cased scheme and
// host, default ports and fragments removed, empty path as "/".
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
