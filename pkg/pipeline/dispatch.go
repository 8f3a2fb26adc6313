package pipeline

import (
	"context"

	"github.com/Sternrassler/mailchimp-activity-sync/pkg/events"
)

// advanceDispatch projects the loaded reports once, then sends one chunk per
// tick until every event is delivered.
func (p *Pipeline) advanceDispatch(ctx context.Context, st *State) (NextAction, error) {
	d := &st.Dispatch
	if d.Terminal() {
		return None("dispatch " + string(d.State)), nil
	}

	if d.State == StateNotStarted {
		return p.project(st)
	}

	end := d.Cursor + p.opts.ChunkSize
	if end > len(d.Events) {
		end = len(d.Events)
	}
	chunk := d.Events[d.Cursor:end]

	if err := p.sink.Send(ctx, chunk); err != nil {
		if ctx.Err() != nil {
			return None("canceled"), errDeferred
		}
		if action, ok := p.sinkDeferral(err); ok {
			return action, errDeferred
		}
		// The chunk may or may not have been accepted; resending could
		// duplicate it, so stop here.
		return p.fail(ResourceDispatch, &d.Resource, err)
	}

	d.Cursor = end
	chunksSentTotal.Inc()

	final := d.Cursor >= len(d.Events)
	if err := d.PageComplete(final, p.now()); err != nil {
		return None("invalid state"), err
	}

	p.logger.Info().
		Str("resource", ResourceDispatch).
		Str("sink", p.sink.Name()).
		Int("chunk", len(chunk)).
		Int("sent", d.Cursor).
		Int("total", d.Total).
		Msg("Event chunk dispatched")

	if final {
		d.Events = nil
		return None("dispatch complete"), nil
	}
	return Continue("next chunk"), nil
}

// project runs the event projection for the cycle.
func (p *Pipeline) project(st *State) (NextAction, error) {
	d := &st.Dispatch
	if err := d.Start(p.now()); err != nil {
		return None("invalid state"), err
	}

	d.Events = events.Project(st.Campaigns.Items, st.Reports.Reports)
	d.Total = len(d.Events)
	d.Cursor = 0
	eventsProjectedTotal.Add(float64(d.Total))

	if d.Total == 0 {
		if err := d.PageComplete(true, p.now()); err != nil {
			return None("invalid state"), err
		}
		p.logger.Info().Str("resource", ResourceDispatch).Msg("No Mailchimp events found in this cycle")
		return None("no events"), nil
	}

	p.logger.Info().
		Str("resource", ResourceDispatch).
		Int("events", d.Total).
		Int("chunks", (d.Total+p.opts.ChunkSize-1)/p.opts.ChunkSize).
		Msg("Events projected")
	return Continue("events projected"), nil
}
