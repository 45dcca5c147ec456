// Package config loads and validates ingestd configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/ingestd/internal/coordinator"
	"github.com/JakeFAU/ingestd/internal/fetcher"
	"github.com/JakeFAU/ingestd/internal/policy/ratelimit"
	"github.com/JakeFAU/ingestd/internal/progress"
)

// Source kinds accepted in sources[].kind.
const (
	SourceWeb     = "web"
	SourceListing = "listing"
	SourcePubSub  = "pubsub"
)

// Storage kinds accepted in storage.kind.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Progress ProgressConfig `mapstructure:"progress"`
	Sources  []SourceConfig `mapstructure:"sources"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// PipelineConfig governs the queue and the coordinator.
type PipelineConfig struct {
	QueueCapacity  int  `mapstructure:"queue_capacity"`
	DrainTimeoutMs int  `mapstructure:"drain_timeout_ms"`
	GraceMs        int  `mapstructure:"grace_ms"`
	FailFast       bool `mapstructure:"fail_fast"`
	Dedup          bool `mapstructure:"dedup"`
}

// FetchConfig configures fetcher retry and pacing.
type FetchConfig struct {
	MaxRetries       int     `mapstructure:"max_retries"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
	RatePerSecond    float64 `mapstructure:"rate_per_second"`
	Burst            int     `mapstructure:"burst"`
	UserAgent        string  `mapstructure:"user_agent"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	RespectRobots    bool    `mapstructure:"respect_robots"`
	// AllowHosts restricts web and listing sources when non-empty.
	AllowHosts []string `mapstructure:"allow_hosts"`
	// DenyHosts always wins over AllowHosts; "*.example" matches subdomains.
	DenyHosts []string `mapstructure:"deny_hosts"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize     int `mapstructure:"buffer_size"`
	MaxBatchEvents int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs  int `mapstructure:"sink_timeout_ms"`
}

// SourceConfig describes one fetcher.
type SourceConfig struct {
	Name string `mapstructure:"name"`
	Kind string `mapstructure:"kind"`
	// URLs feeds web sources; listing sources use the first entry as start page.
	URLs          []string `mapstructure:"urls"`
	Selector      string   `mapstructure:"selector"`
	MaxPages      int      `mapstructure:"max_pages"`
	Subscription  string   `mapstructure:"subscription"`
	BatchSize     int      `mapstructure:"batch_size"`
	IdleTimeoutMs int      `mapstructure:"idle_timeout_ms"`
}

// StorageConfig sets where blobs go and how they are labelled.
type StorageConfig struct {
	Kind        string `mapstructure:"kind"`
	BaseDir     string `mapstructure:"base_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the relational database. An empty DSN keeps
// item and progress records in memory.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int    `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the status HTTP server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig guards mutating status routes.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig toggles the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGESTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pipeline.queue_capacity", coordinator.DefaultQueueCapacity)
	v.SetDefault("pipeline.drain_timeout_ms", coordinator.DefaultDrainTimeout.Milliseconds())
	v.SetDefault("pipeline.grace_ms", coordinator.DefaultGrace.Milliseconds())
	v.SetDefault("pipeline.fail_fast", false)
	v.SetDefault("pipeline.dedup", true)
	v.SetDefault("fetch.max_retries", fetcher.DefaultMaxRetries)
	v.SetDefault("fetch.backoff_initial_ms", 250)
	v.SetDefault("fetch.backoff_max_ms", 5000)
	v.SetDefault("fetch.rate_per_second", 0)
	v.SetDefault("fetch.burst", 1)
	v.SetDefault("fetch.user_agent", "ingestd/0.1")
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.allow_hosts", []string{})
	v.SetDefault("fetch.deny_hosts", []string{})
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 1000)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 10000)
	v.SetDefault("storage.kind", StorageMemory)
	v.SetDefault("storage.base_dir", "data")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "items")
	v.SetDefault("storage.content_type", "application/octet-stream")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "ingest_items")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "ingestd")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Pipeline.QueueCapacity <= 0 {
		return fmt.Errorf("pipeline.queue_capacity must be > 0")
	}
	if c.Pipeline.DrainTimeoutMs <= 0 {
		return fmt.Errorf("pipeline.drain_timeout_ms must be > 0")
	}
	if c.Fetch.BackoffMaxMs < c.Fetch.BackoffInitialMs {
		return fmt.Errorf("fetch.backoff_max_ms must be >= fetch.backoff_initial_ms")
	}
	if c.Fetch.RatePerSecond < 0 {
		return fmt.Errorf("fetch.rate_per_second must be >= 0")
	}
	if c.Server.Port < 0 {
		return fmt.Errorf("server.port must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Kind {
	case StorageMemory:
	case StorageLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for local storage")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for gcs storage")
		}
	default:
		return fmt.Errorf("storage.kind %q is not supported", c.Storage.Kind)
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for i, src := range c.Sources {
		if err := src.validate(c.PubSub); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
		if _, dup := seen[src.Name]; dup {
			return fmt.Errorf("sources[%d]: duplicate name %q", i, src.Name)
		}
		seen[src.Name] = struct{}{}
	}
	return nil
}

func (s SourceConfig) validate(ps PubSubConfig) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch s.Kind {
	case SourceWeb:
		if len(s.URLs) == 0 {
			return fmt.Errorf("web source %q needs urls", s.Name)
		}
	case SourceListing:
		if len(s.URLs) == 0 || s.Selector == "" {
			return fmt.Errorf("listing source %q needs urls and selector", s.Name)
		}
	case SourcePubSub:
		if s.Subscription == "" || ps.ProjectID == "" {
			return fmt.Errorf("pubsub source %q needs subscription and pubsub.project_id", s.Name)
		}
	default:
		return fmt.Errorf("source %q has unknown kind %q", s.Name, s.Kind)
	}
	return nil
}

// CoordinatorConfig converts the pipeline section.
func (c Config) CoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		QueueCapacity: c.Pipeline.QueueCapacity,
		DrainTimeout:  millis(c.Pipeline.DrainTimeoutMs),
		Grace:         millis(c.Pipeline.GraceMs),
		FailFast:      c.Pipeline.FailFast,
		DisableDedup:  !c.Pipeline.Dedup,
	}
}

// FetcherConfig converts the retry knobs. A configured max_retries of 0 means
// no retries.
func (c Config) FetcherConfig() fetcher.Config {
	retries := c.Fetch.MaxRetries
	if retries == 0 {
		retries = -1
	}
	return fetcher.Config{
		MaxRetries:     retries,
		BackoffInitial: millis(c.Fetch.BackoffInitialMs),
		BackoffMax:     millis(c.Fetch.BackoffMaxMs),
	}
}

// RateLimitConfig converts the pacing knobs. Observer is left for the caller.
func (c Config) RateLimitConfig() ratelimit.Config {
	return ratelimit.Config{
		RPS:   c.Fetch.RatePerSecond,
		Burst: c.Fetch.Burst,
	}
}

// ProgressConfig converts the hub tuning knobs.
func (c Config) ProgressConfig() progress.Config {
	return progress.Config{
		BufferSize:     c.Progress.BufferSize,
		MaxBatchEvents: c.Progress.MaxBatchEvents,
		MaxBatchWait:   millis(c.Progress.MaxBatchWaitMs),
		SinkTimeout:    millis(c.Progress.SinkTimeoutMs),
	}
}

// FetchTimeout is the per-request budget for web and listing sources.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
