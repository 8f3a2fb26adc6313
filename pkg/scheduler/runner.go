// Package scheduler hosts a pipeline: it loads the saved state, ticks once,
// saves the result and waits as the returned NextAction asks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/mailchimp-activity-sync/pkg/logging"
	"github.com/Sternrassler/mailchimp-activity-sync/pkg/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for the host loop.
var (
	runnerTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcsync_runner_ticks_total",
		Help: "Total host ticks by result (advanced, halted, skipped, failed)",
	}, []string{"result"})

	cyclesStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcsync_cycles_started_total",
		Help: "Total sync cycles restarted by the runner",
	})

	lastTickTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcsync_runner_last_tick_timestamp_seconds",
		Help: "Unix time of the last completed host tick",
	})
)

// StateStore loads and saves pipeline state.
type StateStore interface {
	Load(ctx context.Context) (pipeline.State, bool, error)
	Save(ctx context.Context, st pipeline.State) error
}

// Locker serializes ticks across hosts.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
	Extend(ctx context.Context, ttl time.Duration) error
}

// Config holds runner timing.
type Config struct {
	// TickInterval is the wait after a tick that asked for none.
	TickInterval time.Duration

	// CycleInterval restarts a finished or halted cycle once its start is
	// this far in the past. Zero disables restarts.
	CycleInterval time.Duration

	// LockTTL is the tick lock TTL. While a tick runs the lock is extended
	// to LockTTL every LockTTL/3. Zero disables extension.
	LockTTL time.Duration
}

// Result is the outcome of one host tick.
type Result struct {
	State  pipeline.State
	Action pipeline.NextAction

	// Skipped is true when another host held the lock.
	Skipped bool
}

// Runner drives one pipeline.
type Runner struct {
	pipeline *pipeline.Pipeline
	states   StateStore
	lock     Locker
	config   Config
	logger   zerolog.Logger
	now      func() time.Time
}

// NewRunner creates a runner. lock may be nil on a single host.
func NewRunner(p *pipeline.Pipeline, states StateStore, lock Locker, cfg Config) *Runner {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	return &Runner{
		pipeline: p,
		states:   states,
		lock:     lock,
		config:   cfg,
		logger:   logging.ForPipeline("scheduler", p.Options().PipelineID),
		now:      time.Now,
	}
}

// SetClock overrides the runner's clock (for testing).
func (r *Runner) SetClock(now func() time.Time) {
	r.now = now
}

// RunOnce performs one host tick: lock, load, tick, save, unlock.
//
// The state is saved for every tick that returns, including the one that
// halted the cycle; in that case the halt error is returned as well.
func (r *Runner) RunOnce(ctx context.Context) (Result, error) {
	if r.lock != nil {
		ok, err := r.lock.Acquire(ctx)
		if err != nil {
			runnerTicksTotal.WithLabelValues("failed").Inc()
			return Result{}, err
		}
		if !ok {
			runnerTicksTotal.WithLabelValues("skipped").Inc()
			r.logger.Debug().Msg("Tick lock held by another host, skipping")
			return Result{Skipped: true, Action: pipeline.None("locked")}, nil
		}
		defer func() {
			if err := r.lock.Release(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn().Err(err).Msg("Failed to release tick lock")
			}
		}()
		defer r.keepLock(ctx)()
	}

	st, found, err := r.states.Load(ctx)
	if err != nil {
		runnerTicksTotal.WithLabelValues("failed").Inc()
		return Result{}, fmt.Errorf("load state: %w", err)
	}
	if !found {
		r.logger.Info().Msg("No saved state, starting first cycle")
	}

	if found && r.cycleDue(st) {
		prev := st
		if st, err = r.pipeline.Reset(ctx); err != nil {
			runnerTicksTotal.WithLabelValues("failed").Inc()
			return Result{}, fmt.Errorf("restart cycle: %w", err)
		}
		cyclesStartedTotal.Inc()
		r.logger.Info().
			Str("previous_cycle", prev.CycleID).
			Str("previous_phase", prev.Phase()).
			Str("cycle_id", st.CycleID).
			Msg("Starting next cycle")
	}

	next, action, tickErr := r.pipeline.Tick(ctx, st)
	if tickErr != nil && !errors.Is(tickErr, pipeline.ErrSyncHalted) {
		// canceled: next is the unchanged input
		runnerTicksTotal.WithLabelValues("failed").Inc()
		return Result{State: st, Action: action}, tickErr
	}

	if err := r.states.Save(ctx, next); err != nil {
		runnerTicksTotal.WithLabelValues("failed").Inc()
		return Result{State: next, Action: action}, fmt.Errorf("save state: %w", err)
	}

	lastTickTimestamp.Set(float64(r.now().Unix()))
	if tickErr != nil {
		runnerTicksTotal.WithLabelValues("halted").Inc()
		return Result{State: next, Action: action}, tickErr
	}
	runnerTicksTotal.WithLabelValues("advanced").Inc()
	return Result{State: next, Action: action}, nil
}

// keepLock extends the tick lock in the background until the returned stop
// function is called. A batch result download can outlast the lock TTL.
func (r *Runner) keepLock(ctx context.Context) (stop func()) {
	if r.config.LockTTL <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.config.LockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.lock.Extend(ctx, r.config.LockTTL); err != nil {
					r.logger.Warn().Err(err).Msg("Failed to extend tick lock")
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

// Run ticks until ctx is canceled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info().
		Dur("tick_interval", r.config.TickInterval).
		Dur("cycle_interval", r.config.CycleInterval).
		Msg("Runner started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Runner stopped")
			return nil
		case <-timer.C:
		}

		res, err := r.RunOnce(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			r.logger.Info().Msg("Runner stopped")
			return nil
		case errors.Is(err, pipeline.ErrSyncHalted):
			// already logged by the pipeline; the saved state is halted
		default:
			r.logger.Error().Err(err).Msg("Tick failed")
		}

		timer.Reset(r.wait(res))
	}
}

// wait returns the delay before the next tick.
func (r *Runner) wait(res Result) time.Duration {
	switch res.Action.Kind {
	case pipeline.ActionContinue:
		return 0
	case pipeline.ActionRetryAfter:
		return res.Action.Delay
	default:
		return r.config.TickInterval
	}
}

// cycleDue reports whether a finished or halted cycle should restart.
func (r *Runner) cycleDue(st pipeline.State) bool {
	if r.config.CycleInterval <= 0 || !st.Done() {
		return false
	}
	return r.now().Sub(st.StartedAt) >= r.config.CycleInterval
}
