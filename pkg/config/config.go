// Package config loads and validates the sync pipeline configuration.
//
// Values are layered: an optional YAML file, then a .env file, then process
// environment variables. Validate must pass before anything talks to the API.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ReportMode selects how per-campaign reports are loaded.
type ReportMode string

const (
	// ReportModePaginated pages through each campaign's email activity in turn.
	ReportModePaginated ReportMode = "paginated"

	// ReportModeBatch loads all reports through one asynchronous batch job.
	ReportModeBatch ReportMode = "batch"
)

// SinkKind selects the output sink.
type SinkKind string

const (
	SinkPostHog SinkKind = "posthog"
	SinkS3      SinkKind = "s3"
)

// Defaults.
const (
	DefaultPageSize      = 1000
	DefaultChunkSize     = 20000
	DefaultBatchTimeout  = 1800 * time.Second
	DefaultMaxOperations = 500
	DefaultTickInterval  = time.Minute
	DefaultPostHogHost   = "https://app.posthog.com/"
	DefaultPipelineID    = "default"
)

var dataCenterPattern = regexp.MustCompile(`-([a-z]+\d+)$`)

// ConfigError reports missing or malformed configuration. It is fatal at startup.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Message)
}

// Config holds all configuration for the sync pipeline.
type Config struct {
	PipelineID string          `yaml:"pipeline_id"`
	Mailchimp  MailchimpConfig `yaml:"mailchimp"`
	Sync       SyncConfig      `yaml:"sync"`
	Sink       SinkConfig      `yaml:"sink"`
	Redis      RedisConfig     `yaml:"redis"`
	Log        LogConfig       `yaml:"log"`
	Server     ServerConfig    `yaml:"server"`
}

// MailchimpConfig holds the remote API credentials.
type MailchimpConfig struct {
	// APIKey carries the data center as suffix, e.g. "abc123-us6".
	APIKey string `yaml:"api_key"`

	// DataCenter is optional; when set it must match the API key suffix.
	DataCenter string `yaml:"data_center"`

	// BaseURL overrides the derived https://<dc>.api.mailchimp.com/3.0/ (tests, proxies).
	BaseURL string `yaml:"base_url"`

	// RequestsPerSecond paces outgoing requests on the client side.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// SyncConfig holds pipeline tuning values.
type SyncConfig struct {
	ReportMode    ReportMode    `yaml:"report_mode"`
	PageSize      int           `yaml:"page_size"`
	ChunkSize     int           `yaml:"chunk_size"`
	BatchTimeout  time.Duration `yaml:"batch_timeout"`
	MaxOperations int           `yaml:"max_operations"`
	TickInterval  time.Duration `yaml:"tick_interval"`

	// CycleInterval restarts a finished or halted cycle once it is this old.
	// Zero keeps a finished cycle idle until an explicit reset.
	CycleInterval time.Duration `yaml:"cycle_interval"`
}

// SinkConfig selects and configures the output sink.
type SinkConfig struct {
	Kind    SinkKind      `yaml:"kind"`
	PostHog PostHogConfig `yaml:"posthog"`
	S3      S3Config      `yaml:"s3"`
}

// PostHogConfig holds PostHog batch capture settings.
type PostHogConfig struct {
	APIKey string `yaml:"api_key"`
	Host   string `yaml:"host"`
}

// S3Config holds the S3 sink settings.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	Prefix string `yaml:"prefix"`
}

// RedisConfig holds the state store connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// ServerConfig holds the health/metrics listener used by `mcsync run`.
type ServerConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns a configuration with every optional value set.
func Default() Config {
	return Config{
		PipelineID: DefaultPipelineID,
		Mailchimp: MailchimpConfig{
			RequestsPerSecond: 5,
			TimeoutSeconds:    30,
		},
		Sync: SyncConfig{
			ReportMode:    ReportModePaginated,
			PageSize:      DefaultPageSize,
			ChunkSize:     DefaultChunkSize,
			BatchTimeout:  DefaultBatchTimeout,
			MaxOperations: DefaultMaxOperations,
			TickInterval:  DefaultTickInterval,
		},
		Sink: SinkConfig{
			Kind:    SinkPostHog,
			PostHog: PostHogConfig{Host: DefaultPostHogHost},
		},
		Redis:  RedisConfig{Addr: "localhost:6379"},
		Log:    LogConfig{Level: "info"},
		Server: ServerConfig{MetricsAddr: ":9090"},
	}
}

// Load reads the optional YAML file at path, then .env, then the environment,
// and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("PIPELINE_ID", &c.PipelineID)
	str("MC_API_KEY", &c.Mailchimp.APIKey)
	str("MC_DATA_CENTER", &c.Mailchimp.DataCenter)
	str("MC_BASE_URL", &c.Mailchimp.BaseURL)
	str("PH_API_KEY", &c.Sink.PostHog.APIKey)
	str("PH_HOST", &c.Sink.PostHog.Host)
	str("S3_BUCKET", &c.Sink.S3.Bucket)
	str("S3_REGION", &c.Sink.S3.Region)
	str("S3_PREFIX", &c.Sink.S3.Prefix)
	str("REDIS_URL", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("LOG_LEVEL", &c.Log.Level)
	str("METRICS_ADDR", &c.Server.MetricsAddr)

	if v, ok := lookup("MC_REPORT_MODE"); ok && v != "" {
		c.Sync.ReportMode = ReportMode(strings.ToLower(v))
	}
	if v, ok := lookup("SINK"); ok && v != "" {
		c.Sink.Kind = SinkKind(strings.ToLower(v))
	}
	if v, ok := lookup("REDIS_DB"); ok && v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigError{Field: "REDIS_DB", Message: fmt.Sprintf("not an integer: %q", v)}
		}
		c.Redis.DB = db
	}
	if v, ok := lookup("TICK_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return &ConfigError{Field: "TICK_INTERVAL", Message: err.Error()}
		}
		c.Sync.TickInterval = d
	}
	if v, ok := lookup("CYCLE_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return &ConfigError{Field: "CYCLE_INTERVAL", Message: err.Error()}
		}
		c.Sync.CycleInterval = d
	}
	if v, ok := lookup("LOG_PRETTY"); ok && v != "" {
		pretty, err := strconv.ParseBool(v)
		if err != nil {
			return &ConfigError{Field: "LOG_PRETTY", Message: err.Error()}
		}
		c.Log.Pretty = pretty
	}
	return nil
}

// Validate checks required values and the API key format.
func (c *Config) Validate() error {
	if c.Mailchimp.APIKey == "" {
		return &ConfigError{Field: "mailchimp.api_key", Message: "is required"}
	}
	dc, err := DataCenterFromKey(c.Mailchimp.APIKey)
	if err != nil {
		return err
	}
	if c.Mailchimp.DataCenter != "" && c.Mailchimp.DataCenter != dc {
		return &ConfigError{
			Field:   "mailchimp.data_center",
			Message: fmt.Sprintf("%q does not match api key suffix %q", c.Mailchimp.DataCenter, dc),
		}
	}
	c.Mailchimp.DataCenter = dc

	if c.PipelineID == "" {
		return &ConfigError{Field: "pipeline_id", Message: "is required"}
	}

	switch c.Sync.ReportMode {
	case ReportModePaginated, ReportModeBatch:
	default:
		return &ConfigError{Field: "sync.report_mode", Message: fmt.Sprintf("unknown mode %q", c.Sync.ReportMode)}
	}
	if c.Sync.PageSize <= 0 || c.Sync.PageSize > DefaultPageSize {
		return &ConfigError{Field: "sync.page_size", Message: fmt.Sprintf("must be in 1..%d (got %d)", DefaultPageSize, c.Sync.PageSize)}
	}
	if c.Sync.ChunkSize <= 0 {
		return &ConfigError{Field: "sync.chunk_size", Message: "must be > 0"}
	}
	if c.Sync.BatchTimeout <= 0 {
		return &ConfigError{Field: "sync.batch_timeout", Message: "must be > 0"}
	}
	if c.Sync.MaxOperations <= 0 {
		return &ConfigError{Field: "sync.max_operations", Message: "must be > 0"}
	}
	if c.Sync.TickInterval <= 0 {
		return &ConfigError{Field: "sync.tick_interval", Message: "must be > 0"}
	}
	if c.Sync.CycleInterval < 0 {
		return &ConfigError{Field: "sync.cycle_interval", Message: "must be >= 0"}
	}

	switch c.Sink.Kind {
	case SinkPostHog:
		if c.Sink.PostHog.APIKey == "" {
			return &ConfigError{Field: "sink.posthog.api_key", Message: "is required"}
		}
		if c.Sink.PostHog.Host == "" {
			c.Sink.PostHog.Host = DefaultPostHogHost
		}
	case SinkS3:
		if c.Sink.S3.Bucket == "" {
			return &ConfigError{Field: "sink.s3.bucket", Message: "is required"}
		}
	default:
		return &ConfigError{Field: "sink.kind", Message: fmt.Sprintf("unknown sink %q", c.Sink.Kind)}
	}

	if c.Redis.Addr == "" {
		return &ConfigError{Field: "redis.addr", Message: "is required"}
	}
	return nil
}

// DataCenterFromKey extracts the data center suffix ("us6") from an API key.
func DataCenterFromKey(apiKey string) (string, error) {
	m := dataCenterPattern.FindStringSubmatch(apiKey)
	if m == nil {
		return "", &ConfigError{
			Field:   "mailchimp.api_key",
			Message: "missing data center suffix, e.g. -us6",
		}
	}
	return m[1], nil
}

// BaseURLOrDefault returns the API root for the configured data center.
func (m MailchimpConfig) BaseURLOrDefault() string {
	if m.BaseURL != "" {
		return strings.TrimRight(m.BaseURL, "/") + "/"
	}
	return fmt.Sprintf("https://%s.api.mailchimp.com/3.0/", m.DataCenter)
}

// Timeout returns the HTTP timeout as a duration.
func (m MailchimpConfig) Timeout() time.Duration {
	if m.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(m.TimeoutSeconds) * time.Second
}
