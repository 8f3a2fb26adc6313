package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/mailchimp-activity-sync/pkg/mailchimp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for batch jobs.
var (
	batchSubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcsync_batch_submissions_total",
		Help: "Total batch submissions by result",
	}, []string{"result"})

	batchPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcsync_batch_polls_total",
		Help: "Total batch status polls by observed status",
	}, []string{"status"})

	batchOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcsync_batch_outcomes_total",
		Help: "Total terminal batch outcomes (finished, errored, timeout)",
	}, []string{"outcome"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mcsync_batch_duration_seconds",
		Help:    "Time from submission to a finished batch",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
	})
)

// DefaultTimeout is the canonical batch time budget.
const DefaultTimeout = 1800 * time.Second

// KV is the host key-value store holding the in-flight batch identifier.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// API is the part of the remote API used for batch jobs.
type API interface {
	SubmitBatch(ctx context.Context, ops []mailchimp.BatchOperation) (*mailchimp.Batch, error)
	GetBatch(ctx context.Context, id string) (*mailchimp.Batch, error)
	DownloadBatchResults(ctx context.Context, url string) ([]mailchimp.OperationResult, error)
}

// Outcome is the result of one Poll.
type Outcome int

const (
	// Waiting means the job is not finished; poll again after Delay.
	Waiting Outcome = iota

	// Finished means the result archive is ready to be consumed.
	Finished
)

// PollResult reports what a poll observed.
type PollResult struct {
	Outcome Outcome
	Delay   time.Duration
	Polled  bool
}

// Poller submits batch jobs and polls them to completion.
type Poller struct {
	api     API
	kv      KV
	key     string
	timeout time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

// NewPoller creates a poller storing the job identifier under key.
func NewPoller(api API, kv KV, key string, timeout time.Duration) *Poller {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Poller{
		api:     api,
		kv:      kv,
		key:     key,
		timeout: timeout,
		logger:  log.With().Str("component", "batch-poller").Logger(),
		now:     time.Now,
	}
}

// SetClock overrides the poller's clock (for testing).
func (p *Poller) SetClock(now func() time.Time) {
	p.now = now
}

// Timeout returns the time budget of a job.
func (p *Poller) Timeout() time.Duration {
	return p.timeout
}

// Submit submits ops as one batch and remembers its identifier.
func (p *Poller) Submit(ctx context.Context, ops []mailchimp.BatchOperation) (*Job, error) {
	b, err := p.api.SubmitBatch(ctx, ops)
	if err != nil {
		if mailchimp.IsRateLimited(err) {
			batchSubmissionsTotal.WithLabelValues("rate_limited").Inc()
			return nil, err
		}
		batchSubmissionsTotal.WithLabelValues("error").Inc()
		return nil, &SubmissionError{Err: err}
	}
	if b.ID == "" || !knownStatus(b.Status) {
		batchSubmissionsTotal.WithLabelValues("error").Inc()
		return nil, &SubmissionError{Status: b.Status}
	}

	now := p.now()
	job := &Job{
		ID:          b.ID,
		Status:      b.Status,
		SubmittedAt: now,
		Operations:  ops,
		NextPollAt:  now.Add(Delay(0, p.timeout)),
	}

	if err := p.kv.Set(ctx, p.key, b.ID, p.timeout); err != nil {
		// The job exists remotely; losing the key only costs resumability.
		p.logger.Warn().Err(err).Str("batch_id", b.ID).Msg("Failed to store batch id")
	}

	batchSubmissionsTotal.WithLabelValues("ok").Inc()
	p.logger.Info().
		Str("batch_id", b.ID).
		Int("operations", len(ops)).
		Msg("Batch submitted")
	return job, nil
}

// Resume returns the identifier of a job submitted earlier whose state was
// not persisted, if the store still holds it.
func (p *Poller) Resume(ctx context.Context) (string, bool, error) {
	id, ok, err := p.kv.Get(ctx, p.key)
	if err != nil {
		return "", false, fmt.Errorf("load batch id: %w", err)
	}
	return id, ok && id != "", nil
}

// Poll checks job's status once, unless its next poll is not due yet.
// It mutates job and returns ErrBatchTimeout or ErrBatchErroredOperations
// for terminal failures. Rate limit errors are returned unchanged and leave
// job untouched.
func (p *Poller) Poll(ctx context.Context, job *Job) (PollResult, error) {
	now := p.now()
	elapsed := job.Elapsed(now)
	logger := p.logger.With().Str("batch_id", job.ID).Logger()

	if elapsed > p.timeout {
		return PollResult{}, p.expire(ctx, job, elapsed)
	}
	if now.Before(job.NextPollAt) {
		return PollResult{Outcome: Waiting, Delay: job.NextPollAt.Sub(now)}, nil
	}

	b, err := p.api.GetBatch(ctx, job.ID)
	if err != nil {
		if mailchimp.IsRateLimited(err) {
			logger.Warn().Msg("Rate limited while polling batch, deferring")
		}
		return PollResult{}, err
	}
	batchPollsTotal.WithLabelValues(b.Status).Inc()

	job.Polls++
	job.Status = b.Status
	job.ErroredOperations = b.ErroredOperations
	job.ResultURL = b.ResponseBodyURL

	if b.ErroredOperations > 0 {
		batchOutcomesTotal.WithLabelValues("errored").Inc()
		p.forget(ctx)
		return PollResult{Polled: true}, fmt.Errorf("%w: %d of %d operations failed in batch %s",
			ErrBatchErroredOperations, b.ErroredOperations, b.TotalOperations, job.ID)
	}

	if b.Status == mailchimp.BatchFinished {
		batchOutcomesTotal.WithLabelValues("finished").Inc()
		batchDuration.Observe(elapsed.Seconds())
		logger.Info().
			Int("polls", job.Polls).
			Dur("elapsed", elapsed).
			Msg("Batch finished")
		return PollResult{Outcome: Finished, Polled: true}, nil
	}

	remaining := p.timeout - elapsed
	if remaining <= 0 {
		return PollResult{Polled: true}, p.expire(ctx, job, elapsed)
	}

	delay := Delay(job.Polls, remaining)
	job.NextPollAt = now.Add(delay)

	logger.Debug().
		Str("status", b.Status).
		Int("polls", job.Polls).
		Dur("next_poll_in", delay).
		Msg("Batch not finished yet")

	return PollResult{Outcome: Waiting, Delay: delay, Polled: true}, nil
}

// Consume downloads and checks the results of a finished job. On success the
// stored identifier is discarded, so the job is never polled again. If the
// identifier cannot be discarded the results are dropped and an error
// matching ErrIDNotDiscarded is returned; consuming again is safe.
func (p *Poller) Consume(ctx context.Context, job *Job) ([]mailchimp.OperationResult, error) {
	if job.Status != mailchimp.BatchFinished {
		return nil, fmt.Errorf("batch %s is %q, not finished", job.ID, job.Status)
	}

	results, err := p.api.DownloadBatchResults(ctx, job.ResultURL)
	if err != nil {
		return nil, err
	}

	if err := p.Forget(ctx); err != nil {
		return nil, fmt.Errorf("%w: batch %s: %w", ErrIDNotDiscarded, job.ID, err)
	}
	p.logger.Info().
		Str("batch_id", job.ID).
		Int("results", len(results)).
		Msg("Batch results consumed")
	return results, nil
}

// Forget discards the stored identifier.
func (p *Poller) Forget(ctx context.Context) error {
	return p.kv.Expire(ctx, p.key, 0)
}

func (p *Poller) forget(ctx context.Context) {
	if err := p.Forget(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to discard batch id")
	}
}

func (p *Poller) expire(ctx context.Context, job *Job, elapsed time.Duration) error {
	batchOutcomesTotal.WithLabelValues("timeout").Inc()
	p.forget(ctx)
	p.logger.Error().
		Str("batch_id", job.ID).
		Int("polls", job.Polls).
		Dur("elapsed", elapsed).
		Msg("Batch timed out")
	return fmt.Errorf("%w: batch %s after %s", ErrBatchTimeout, job.ID, elapsed.Round(time.Second))
}

// Delay returns the wait before poll k: min(2^k seconds, remaining).
func Delay(k int, remaining time.Duration) time.Duration {
	d := time.Second
	for i := 0; i < k && d < remaining; i++ {
		d *= 2
	}
	if d > remaining {
		return remaining
	}
	return d
}

// Schedule returns the offset from submission of every poll made within
// timeout when the job never finishes.
func Schedule(timeout time.Duration) []time.Duration {
	var offsets []time.Duration
	elapsed := time.Duration(0)
	for k := 0; ; k++ {
		remaining := timeout - elapsed
		if remaining <= 0 {
			return offsets
		}
		elapsed += Delay(k, remaining)
		offsets = append(offsets, elapsed)
	}
}

// IsTerminal reports whether err ends the job for this cycle.
func IsTerminal(err error) bool {
	var subErr *SubmissionError
	return errors.Is(err, ErrBatchTimeout) ||
		errors.Is(err, ErrBatchErroredOperations) ||
		errors.As(err, &subErr)
}

func knownStatus(status string) bool {
	switch status {
	case mailchimp.BatchPending, mailchimp.BatchPreprocessing, mailchimp.BatchStarted,
		mailchimp.BatchFinalizing, mailchimp.BatchFinished:
		return true
	}
	return false
}
