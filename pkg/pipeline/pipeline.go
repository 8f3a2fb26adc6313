// Package pipeline implements the incremental sync state machine.
//
// A Pipeline is advanced one unit of work per Tick: one campaign page, one
// report page, one batch step, one projection or one event chunk. Tick takes
// the current State and returns the next one together with a NextAction for
// the host scheduler. Nothing is kept in memory between ticks.
//
// Resources advance in a fixed order:
//
//	campaigns -> reports (paginated or batch) -> dispatch
//
// A resource that reaches error halts the cycle until Reset.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/Sternrassler/mailchimp-activity-sync/pkg/batch"
	"github.com/Sternrassler/mailchimp-activity-sync/pkg/config"
	"github.com/Sternrassler/mailchimp-activity-sync/pkg/logging"
	"github.com/Sternrassler/mailchimp-activity-sync/pkg/mailchimp"
	"github.com/Sternrassler/mailchimp-activity-sync/pkg/pagination"
	"github.com/Sternrassler/mailchimp-activity-sync/pkg/sink"
	"github.com/rs/zerolog"
)

// minDeferral is used when a rate limit carries no usable delay.
const minDeferral = 5 * time.Second

// API is the remote API used by the pipeline.
type API interface {
	Campaigns(ctx context.Context, offset, count int) (pagination.Page[mailchimp.Campaign], error)
	EmailActivity(ctx context.Context, campaignID string, offset, count int) (pagination.Page[mailchimp.EmailActivity], error)
	batch.API
}

// Options configures a pipeline.
type Options struct {
	PipelineID    string
	ReportMode    config.ReportMode
	PageSize      int
	ChunkSize     int
	BatchTimeout  time.Duration
	MaxOperations int
	Retry         RetryPolicy
}

// DefaultOptions returns the canonical options.
func DefaultOptions() Options {
	return Options{
		PipelineID:    config.DefaultPipelineID,
		ReportMode:    config.ReportModePaginated,
		PageSize:      config.DefaultPageSize,
		ChunkSize:     config.DefaultChunkSize,
		BatchTimeout:  config.DefaultBatchTimeout,
		MaxOperations: config.DefaultMaxOperations,
		Retry:         DefaultRetryPolicy(),
	}
}

// OptionsFromConfig builds options from a validated configuration.
func OptionsFromConfig(cfg config.Config) Options {
	opts := DefaultOptions()
	opts.PipelineID = cfg.PipelineID
	opts.ReportMode = cfg.Sync.ReportMode
	opts.PageSize = cfg.Sync.PageSize
	opts.ChunkSize = cfg.Sync.ChunkSize
	opts.BatchTimeout = cfg.Sync.BatchTimeout
	opts.MaxOperations = cfg.Sync.MaxOperations
	return opts
}

// Key returns the store key of one value owned by a pipeline instance.
func Key(pipelineID, name string) string {
	return "mcsync:" + pipelineID + ":" + name
}

// Pipeline advances the sync state machine.
type Pipeline struct {
	api       API
	sink      sink.Sink
	poller    *batch.Poller
	campaigns *pagination.Paginator[mailchimp.Campaign]
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a pipeline. kv holds the in-flight batch identifier.
func New(api API, out sink.Sink, kv batch.KV, opts Options) *Pipeline {
	defaults := DefaultOptions()
	if opts.PipelineID == "" {
		opts.PipelineID = defaults.PipelineID
	}
	if opts.ReportMode == "" {
		opts.ReportMode = defaults.ReportMode
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaults.PageSize
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaults.ChunkSize
	}
	if opts.MaxOperations <= 0 {
		opts.MaxOperations = defaults.MaxOperations
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = defaults.Retry
	}

	return &Pipeline{
		api:    api,
		sink:   out,
		poller: batch.NewPoller(api, kv, Key(opts.PipelineID, "batch_id"), opts.BatchTimeout),
		campaigns: pagination.New(api.Campaigns, pagination.Config{
			PageSize: opts.PageSize,
			Endpoint: mailchimp.EndpointCampaigns,
		}),
		opts:   opts,
		logger: logging.ForPipeline("pipeline", opts.PipelineID),
		now:    time.Now,
	}
}

// SetClock overrides the pipeline's clock (for testing).
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
	p.poller.SetClock(now)
}

// Options returns the effective options.
func (p *Pipeline) Options() Options {
	return p.opts
}

func (p *Pipeline) reportPaginator(campaignID string) *pagination.Paginator[mailchimp.EmailActivity] {
	fetch := func(ctx context.Context, offset, count int) (pagination.Page[mailchimp.EmailActivity], error) {
		return p.api.EmailActivity(ctx, campaignID, offset, count)
	}
	return pagination.New(fetch, pagination.Config{
		PageSize: p.opts.PageSize,
		Endpoint: mailchimp.EndpointEmailActivity,
	})
}

// fetchFailed classifies a failed remote call made for res.
//
// Rate limits defer without a state change. A malformed response is retried
// under the retry policy and escalated to a fatal APIError once the attempts
// are used up. Everything else moves res to error.
func (p *Pipeline) fetchFailed(ctx context.Context, name string, res *Resource, err error) (NextAction, error) {
	logger := logging.ForResource(p.logger, name)

	if ctx.Err() != nil {
		return None("canceled"), errors.Join(errDeferred, ctx.Err())
	}

	if mailchimp.IsFatal(err) {
		return p.fail(name, res, err)
	}

	if mailchimp.IsRateLimited(err) {
		delay := deferral(mailchimp.RetryAfter(err))
		logger.Warn().Dur("retry_after", delay).Msg("Rate limited, deferring to a later tick")
		return RetryAfter(delay, "rate limited"), errDeferred
	}

	var shapeErr *mailchimp.ResponseShapeError
	if errors.As(err, &shapeErr) {
		res.Attempts++
		res.UpdatedAt = p.now()
		if delay, ok := p.opts.Retry.Next(name, res.Attempts); ok {
			logger.Warn().
				Err(err).
				Int("attempt", res.Attempts).
				Dur("retry_in", delay).
				Msg("Malformed response, retrying")
			return RetryAfter(delay, "malformed response"), nil
		}
		err = shapeErr.Escalate()
	}

	return p.fail(name, res, err)
}

// fail moves res to error and returns the halt error.
func (p *Pipeline) fail(name string, res *Resource, err error) (NextAction, error) {
	if ferr := res.Fail(err, p.now()); ferr != nil {
		return None("halted"), ferr
	}
	haltsTotal.WithLabelValues(name).Inc()

	evt := p.logger.Error().Err(err).Str("resource", name)
	var apiErr *mailchimp.APIError
	if errors.As(err, &apiErr) {
		evt = evt.Str("error_class", string(apiErr.ErrorClass)).Int("status", apiErr.StatusCode)
	}
	evt.Msg("Resource failed, sync halted until reset")

	return None("halted: " + name), halt(name, err)
}

func deferral(d time.Duration) time.Duration {
	if d < minDeferral {
		return minDeferral
	}
	return d
}

func isEscalated(err error) bool {
	var apiErr *mailchimp.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorClass == mailchimp.ErrorClassShape
}

// sinkDeferral reports whether err is a sink rate limit, which defers like
// an API rate limit.
func (p *Pipeline) sinkDeferral(err error) (NextAction, bool) {
	if !sink.IsRateLimited(err) {
		return NextAction{}, false
	}
	delay := deferral(sink.RetryAfter(err))
	p.logger.Warn().
		Str("resource", ResourceDispatch).
		Str("sink", p.sink.Name()).
		Dur("retry_after", delay).
		Msg("Sink rate limited, deferring chunk")
	return RetryAfter(delay, "sink rate limited"), true
}
