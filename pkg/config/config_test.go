package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Default()
	cfg.Mailchimp.APIKey = "0123456789abcdef-us6"
	cfg.Sink.PostHog.APIKey = "phc_test"
	return cfg
}

func TestDataCenterFromKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		want    string
		wantErr bool
	}{
		{name: "us6 suffix", key: "abc-us6", want: "us6"},
		{name: "two digit suffix", key: "abc-us21", want: "us21"},
		{name: "missing suffix", key: "abcdef", wantErr: true},
		{name: "suffix without digits", key: "abc-us", wantErr: true},
		{name: "uppercase suffix", key: "abc-US6", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DataCenterFromKey(tt.key)
			if tt.wantErr {
				var cfgErr *ConfigError
				require.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing api key", mutate: func(c *Config) { c.Mailchimp.APIKey = "" }, wantField: "mailchimp.api_key"},
		{name: "malformed api key", mutate: func(c *Config) { c.Mailchimp.APIKey = "nosuffix" }, wantField: "mailchimp.api_key"},
		{name: "data center mismatch", mutate: func(c *Config) { c.Mailchimp.DataCenter = "us1" }, wantField: "mailchimp.data_center"},
		{name: "data center match", mutate: func(c *Config) { c.Mailchimp.DataCenter = "us6" }},
		{name: "unknown mode", mutate: func(c *Config) { c.Sync.ReportMode = "stream" }, wantField: "sync.report_mode"},
		{name: "page size too large", mutate: func(c *Config) { c.Sync.PageSize = 1001 }, wantField: "sync.page_size"},
		{name: "zero chunk", mutate: func(c *Config) { c.Sync.ChunkSize = 0 }, wantField: "sync.chunk_size"},
		{name: "posthog key missing", mutate: func(c *Config) { c.Sink.PostHog.APIKey = "" }, wantField: "sink.posthog.api_key"},
		{name: "s3 bucket missing", mutate: func(c *Config) { c.Sink.Kind = SinkS3 }, wantField: "sink.s3.bucket"},
		{name: "unknown sink", mutate: func(c *Config) { c.Sink.Kind = "kafka" }, wantField: "sink.kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantField == "" {
				require.NoError(t, err)
				assert.Equal(t, "us6", cfg.Mailchimp.DataCenter)
				return
			}
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %v", err)
			assert.Equal(t, tt.wantField, cfgErr.Field)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"MC_API_KEY":     "key-us19",
		"MC_REPORT_MODE": "BATCH",
		"PH_API_KEY":     "phc_env",
		"REDIS_DB":       "3",
		"TICK_INTERVAL":  "90s",
		"CYCLE_INTERVAL": "24h",
		"LOG_PRETTY":     "true",
		"PIPELINE_ID":    "newsletter",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "us19", cfg.Mailchimp.DataCenter)
	assert.Equal(t, ReportModeBatch, cfg.Sync.ReportMode)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, 90*time.Second, cfg.Sync.TickInterval)
	assert.Equal(t, 24*time.Hour, cfg.Sync.CycleInterval)
	assert.True(t, cfg.Log.Pretty)
	assert.Equal(t, "newsletter", cfg.PipelineID)
}

func TestApplyEnv_Invalid(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "REDIS_DB" {
			return "three", true
		}
		return "", false
	}
	cfg := Default()
	var cfgErr *ConfigError
	require.True(t, errors.As(cfg.applyEnv(lookup), &cfgErr))
	assert.Equal(t, "REDIS_DB", cfgErr.Field)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcsync.yaml")
	content := `
pipeline_id: weekly
mailchimp:
  api_key: yamlkey-us2
sync:
  report_mode: batch
  batch_timeout: 10m
  chunk_size: 500
sink:
  kind: s3
  s3:
    bucket: events-bucket
    region: eu-west-1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("MC_API_KEY", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "weekly", cfg.PipelineID)
	assert.Equal(t, "us2", cfg.Mailchimp.DataCenter)
	assert.Equal(t, 10*time.Minute, cfg.Sync.BatchTimeout)
	assert.Equal(t, 500, cfg.Sync.ChunkSize)
	assert.Equal(t, SinkS3, cfg.Sink.Kind)
	assert.Equal(t, DefaultPageSize, cfg.Sync.PageSize)
}

func TestBaseURLOrDefault(t *testing.T) {
	assert.Equal(t, "https://us6.api.mailchimp.com/3.0/", MailchimpConfig{DataCenter: "us6"}.BaseURLOrDefault())
	assert.Equal(t, "http://127.0.0.1:8080/3.0/", MailchimpConfig{BaseURL: "http://127.0.0.1:8080/3.0"}.BaseURLOrDefault())
}
