// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/Sternrassler/mailchimp-activity-sync/pkg/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Context field names shared by all components.
const (
	FieldComponent  = "component"
	FieldPipeline   = "pipeline"
	FieldCycleID    = "cycle_id"
	FieldResource   = "resource"
	FieldCampaignID = "campaign_id"
	FieldBatchID    = "batch_id"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// FromConfig converts the log section of the configuration, writing to out.
func FromConfig(cfg config.LogConfig, out io.Writer) Config {
	return Config{
		Level:  LogLevel(cfg.Level),
		Pretty: cfg.Pretty,
		Output: out,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	var output io.Writer = cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str(FieldComponent, component).Logger()
}

// ForPipeline creates a component logger bound to one pipeline instance.
func ForPipeline(component, pipelineID string) zerolog.Logger {
	return log.With().
		Str(FieldComponent, component).
		Str(FieldPipeline, pipelineID).
		Logger()
}

// ForResource narrows a pipeline logger to one resource of the cycle.
func ForResource(logger zerolog.Logger, resource string) zerolog.Logger {
	return logger.With().Str(FieldResource, resource).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Page requests (offset, count, endpoint)
//   - Batch poll scheduling (next_poll_at, delay)
//   - Store reads/writes
//
// Info: Normal operation events
//   - Resource state transitions (campaigns, reports, dispatch)
//   - Batch submitted / finished
//   - Event chunks dispatched
//   - Runner startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Rate limited responses (deferred to next tick)
//   - Malformed response retried
//   - Tick skipped because another host holds the lock
//
// Error: Error conditions requiring attention
//   - Resource moved to error (sync halted until reset)
//   - Batch timeout or errored operations
//   - Dispatch failure
//   - Configuration errors
//
// Context Fields:
//   - pipeline: pipeline instance ID
//   - cycle_id: sync cycle ID (new after every reset)
//   - resource: campaigns, reports, batch, dispatch
//   - campaign_id: campaign whose report is being loaded
//   - offset: page offset requested
//   - batch_id: remote batch identifier
//   - status: remote or local status value
//   - error_class: client, server, rate_limit, network, shape
