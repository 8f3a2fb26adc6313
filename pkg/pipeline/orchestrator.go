package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for pipeline ticks.
var (
	ticksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcsync_ticks_total",
		Help: "Total ticks by phase and outcome",
	}, []string{"phase", "outcome"})

	tickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mcsync_tick_duration_seconds",
		Help:    "Tick duration in seconds by phase",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"phase"})

	haltsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcsync_halts_total",
		Help: "Total resources moved to error by resource",
	}, []string{"resource"})

	reportsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcsync_reports_completed_total",
		Help: "Total campaign reports fully loaded",
	})

	eventsProjectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcsync_events_projected_total",
		Help: "Total events produced by projection",
	})

	chunksSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcsync_chunks_sent_total",
		Help: "Total event chunks delivered to the sink",
	})
)

// Tick advances the pipeline by one unit of work and returns the next state.
//
// Callers must not run two ticks of the same pipeline instance concurrently;
// the state passed in must be the state returned by the previous tick (or the
// zero State for a fresh cycle). in is never modified.
//
// The returned error is non-nil only for the tick that halted the cycle
// (matching ErrSyncHalted) or when ctx was canceled. Rate limits are not
// errors: they return in unchanged with a RetryAfter action (a zero in is
// first replaced by a fresh cycle).
func (p *Pipeline) Tick(ctx context.Context, in State) (State, NextAction, error) {
	start := p.now()

	if in.Version == 0 {
		in = NewState(start)
		p.logger.Info().Str("cycle_id", in.CycleID).Msg("Starting new sync cycle")
	}
	st := in.clone()

	phase := st.Phase()
	defer func() {
		tickDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
	}()

	var (
		action NextAction
		err    error
	)
	switch phase {
	case ResourceCampaigns:
		action, err = p.advanceCampaigns(ctx, &st)
	case ResourceReports:
		action, err = p.advanceReports(ctx, &st)
	case ResourceDispatch:
		action, err = p.advanceDispatch(ctx, &st)
	case "halted":
		ticksTotal.WithLabelValues(phase, "noop").Inc()
		return st, None("halted until reset"), nil
	default:
		ticksTotal.WithLabelValues(phase, "noop").Inc()
		return st, None("idle"), nil
	}

	if errors.Is(err, errDeferred) {
		ticksTotal.WithLabelValues(phase, "deferred").Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return in, action, ctxErr
		}
		return in, action, nil
	}

	st.UpdatedAt = p.now()
	if err != nil {
		ticksTotal.WithLabelValues(phase, "halted").Inc()
		return st, action, err
	}

	ticksTotal.WithLabelValues(phase, "advanced").Inc()
	p.logger.Debug().
		Str("cycle_id", st.CycleID).
		Str("phase", phase).
		Str("next", string(action.Kind)).
		Str("reason", action.Reason).
		Msg("Tick complete")
	return st, action, nil
}

// Reset discards all progress, including any in-flight batch, and returns the
// state of a fresh cycle.
func (p *Pipeline) Reset(ctx context.Context) (State, error) {
	if err := p.poller.Forget(ctx); err != nil {
		return State{}, err
	}
	st := NewState(p.now())
	p.logger.Info().Str("cycle_id", st.CycleID).Msg("Pipeline state reset")
	return st, nil
}
