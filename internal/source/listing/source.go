// Package listing implements a pipeline.Source over paginated index pages.
// Each Next call fetches one page, extracts the links matched by a CSS
// selector, and follows the page's rel=next link.
package listing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingestd/internal/pipeline"
	"github.com/JakeFAU/ingestd/internal/source/web"
)

const (
	defaultNextSelector = `a[rel~="next"], link[rel~="next"]`
	defaultTimeout      = 20 * time.Second
	defaultUserAgent    = "ingestd/1.0"
)

// Config describes one listing.
type Config struct {
	StartURL string
	// Selector matches the anchors whose href becomes an item.
	Selector string
	// NextSelector overrides how the next page is located.
	NextSelector string
	// MaxPages stops pagination early. Zero means no limit.
	MaxPages  int
	UserAgent string
}

// URLPolicy decides whether a discovered link is kept.
type URLPolicy interface {
	AllowURL(rawURL string) bool
}

// Pacer spaces out page requests per host. ratelimit.Limiter satisfies it.
type Pacer interface {
	WaitURL(ctx context.Context, rawURL string) error
}

// Source walks a listing page by page.
type Source struct {
	cfg    Config
	client *http.Client
	policy URLPolicy
	pacer  Pacer
	logger *zap.Logger

	mu      sync.Mutex
	next    string
	pages   int
	visited map[string]struct{}
	seen    map[string]struct{}
}

// Option customises a Source.
type Option func(*Source)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Source) {
		if client != nil {
			s.client = client
		}
	}
}

// WithPolicy drops links that p rejects.
func WithPolicy(p URLPolicy) Option {
	return func(s *Source) {
		s.policy = p
	}
}

// WithPacer waits on p before every page request.
func WithPacer(p Pacer) Option {
	return func(s *Source) {
		s.pacer = p
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

// New validates cfg and returns a Source positioned at the start page.
func New(cfg Config, opts ...Option) (*Source, error) {
	if cfg.StartURL == "" {
		return nil, errors.New("listing source needs a start url")
	}
	if strings.TrimSpace(cfg.Selector) == "" {
		return nil, errors.New("listing source needs a link selector")
	}
	if _, err := web.NormalizeURL(cfg.StartURL); err != nil {
		return nil, fmt.Errorf("start url: %w", err)
	}
	if cfg.NextSelector == "" {
		cfg.NextSelector = defaultNextSelector
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	s := &Source{
		cfg:     cfg,
		client:  &http.Client{Timeout: defaultTimeout},
		logger:  zap.NewNop(),
		next:    cfg.StartURL,
		visited: make(map[string]struct{}),
		seen:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Next fetches the current page. Network errors and 5xx responses leave the
// position unchanged so a retry fetches the same page.
func (s *Source) Next(ctx context.Context) (pipeline.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next == "" {
		return pipeline.Batch{Done: true}, nil
	}
	pageURL := s.next

	if s.pacer != nil {
		if err := s.pacer.WaitURL(ctx, pageURL); err != nil {
			return pipeline.Batch{}, pipeline.Transient(fmt.Errorf("pace %s: %w", pageURL, err))
		}
	}
	doc, status, err := s.fetchDocument(ctx, pageURL)
	if err != nil {
		if status != 0 && status < http.StatusInternalServerError && status != http.StatusTooManyRequests {
			s.next = ""
			return pipeline.Batch{Failures: []error{err}, Done: true}, nil
		}
		return pipeline.Batch{}, pipeline.Transient(err)
	}
	s.pages++
	if id, nerr := web.NormalizeURL(pageURL); nerr == nil {
		s.visited[id] = struct{}{}
	}

	items, failures := s.extractLinks(doc, pageURL)
	s.next = s.nextPage(doc, pageURL)
	if s.cfg.MaxPages > 0 && s.pages >= s.cfg.MaxPages {
		s.next = ""
	}
	s.logger.Debug("listing page scanned",
		zap.String("page", pageURL),
		zap.Int("links", len(items)),
		zap.String("next", s.next),
	)
	return pipeline.Batch{Items: items, Failures: failures, Done: s.next == ""}, nil
}

func (s *Source) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request listing %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("listing %s returned %s", pageURL, resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("parse document: %w", err)
	}
	return doc, resp.StatusCode, nil
}

func (s *Source) extractLinks(doc *goquery.Document, pageURL string) ([]pipeline.Item, []error) {
	base, _ := url.Parse(pageURL)
	var (
		items    []pipeline.Item
		failures []error
	)
	doc.Find(s.cfg.Selector).Each(func(i int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		abs, err := resolve(base, href)
		if err != nil {
			failures = append(failures, fmt.Errorf("link %d on %s: %w", i, pageURL, err))
			return
		}
		if s.policy != nil && !s.policy.AllowURL(abs) {
			return
		}
		id, err := web.NormalizeURL(abs)
		if err != nil {
			failures = append(failures, fmt.Errorf("link %d on %s: %w", i, pageURL, err))
			return
		}
		if _, dup := s.seen[id]; dup {
			return
		}
		s.seen[id] = struct{}{}
		title := strings.Join(strings.Fields(sel.Text()), " ")
		items = append(items, pipeline.Item{
			ID:      id,
			Key:     id,
			Payload: []byte(title),
			Metadata: map[string]string{
				"url":      abs,
				"title":    title,
				"page":     pageURL,
				"position": strconv.Itoa(i),
			},
		})
	})
	return items, failures
}

// nextPage returns the absolute URL of the next page, or "" when there is
// none or it was already visited.
func (s *Source) nextPage(doc *goquery.Document, pageURL string) string {
	href, ok := doc.Find(s.cfg.NextSelector).First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return ""
	}
	base, _ := url.Parse(pageURL)
	abs, err := resolve(base, href)
	if err != nil {
		return ""
	}
	id, err := web.NormalizeURL(abs)
	if err != nil {
		return ""
	}
	if _, loop := s.visited[id]; loop {
		return ""
	}
	return abs
}

func resolve(base *url.URL, href string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse href: %w", err)
	}
	if base == nil {
		return ref.String(), nil
	}
	return base.ResolveReference(ref).String(), nil
}
