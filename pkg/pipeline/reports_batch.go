package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/mailchimp-activity-sync/pkg/batch"
	"github.com/Sternrassler/mailchimp-activity-sync/pkg/mailchimp"
)

// advanceReportsBatch runs one batch step: submit, poll or consume.
func (p *Pipeline) advanceReportsBatch(ctx context.Context, st *State) (NextAction, error) {
	b := &st.Reports.Batch
	if b.Job == nil {
		return p.submitBatch(ctx, st)
	}

	logger := p.logger.With().Str("batch_id", b.Job.ID).Logger()

	// A finished job is consumed, never polled again.
	if b.Job.Status != mailchimp.BatchFinished {
		res, err := p.poller.Poll(ctx, b.Job)
		if err != nil {
			if batch.IsTerminal(err) {
				b.Job = nil
				return p.fail(ResourceReports, &st.Reports.Resource, err)
			}
			return p.fetchFailed(ctx, ResourceReports, &st.Reports.Resource, err)
		}
		if res.Polled {
			st.Reports.Progress(p.now())
		}
		if res.Outcome == batch.Waiting {
			logger.Debug().
				Str("status", b.Job.Status).
				Dur("delay", res.Delay).
				Bool("polled", res.Polled).
				Msg("Waiting for batch")
			return RetryAfter(res.Delay, "batch "+b.Job.Status), nil
		}
	}

	results, err := p.poller.Consume(ctx, b.Job)
	if err != nil {
		if errors.Is(err, batch.ErrIDNotDiscarded) && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("Could not discard consumed batch id, retrying later")
			return RetryAfter(deferral(0), "batch id not discarded"), nil
		}
		if mailchimp.IsRateLimited(err) && ctx.Err() == nil {
			// Keep the finished status so the next tick goes straight to consuming.
			logger.Warn().Msg("Rate limited while downloading batch results, deferring")
			return RetryAfter(deferral(mailchimp.RetryAfter(err)), "rate limited"), nil
		}
		return p.fetchFailed(ctx, ResourceReports, &st.Reports.Resource, err)
	}

	pages, err := batch.DecodeResults(b.Job, results, st.Reports.Queue)
	if err != nil {
		b.Job = nil
		var shapeErr *mailchimp.ResponseShapeError
		if errors.As(err, &shapeErr) && !isEscalated(err) {
			err = fmt.Errorf("batch results: %w", shapeErr.Escalate())
		}
		return p.fail(ResourceReports, &st.Reports.Resource, err)
	}

	for _, page := range pages {
		rep := st.Report(page.Window.CampaignID)
		if rep == nil {
			b.Job = nil
			return p.fail(ResourceReports, &st.Reports.Resource, errMissingReport(page.Window.CampaignID))
		}
		appendPage(rep, page)
	}

	logger.Info().
		Int("operations", len(b.Job.Operations)).
		Int("pages", len(pages)).
		Msg("Batch results applied")
	b.Job = nil

	p.planFollowUps(st)
	return p.completeCampaigns(st)
}

// submitBatch submits the next pending operations, or adopts a job that was
// submitted by an earlier tick whose state was lost.
func (p *Pipeline) submitBatch(ctx context.Context, st *State) (NextAction, error) {
	b := &st.Reports.Batch

	if id, ok, err := p.poller.Resume(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("Could not check for an in-flight batch")
	} else if ok {
		next, rest := batch.Take(b.Pending, p.opts.MaxOperations)
		now := p.now()
		b.Job = &batch.Job{
			ID:          id,
			Status:      mailchimp.BatchPending,
			SubmittedAt: now,
			NextPollAt:  now,
			Operations:  next,
		}
		b.Pending = rest
		p.logger.Info().
			Str("batch_id", id).
			Int("operations", len(next)).
			Msg("Resuming in-flight batch")
		return Continue("batch resumed"), nil
	}

	if len(b.Pending) == 0 {
		return p.completeCampaigns(st)
	}

	next, rest := batch.Take(b.Pending, p.opts.MaxOperations)
	job, err := p.poller.Submit(ctx, next)
	if err != nil {
		if batch.IsTerminal(err) {
			return p.fail(ResourceReports, &st.Reports.Resource, err)
		}
		return p.fetchFailed(ctx, ResourceReports, &st.Reports.Resource, err)
	}

	st.Reports.Progress(p.now())
	b.Job = job
	b.Pending = rest
	b.Submissions++
	return RetryAfter(job.NextPollAt.Sub(p.now()), "batch submitted"), nil
}

// planFollowUps queues the windows of campaigns that announced more records
// than were planned.
func (p *Pipeline) planFollowUps(st *State) {
	b := &st.Reports.Batch
	if b.Planned == nil {
		b.Planned = map[string]int{}
	}
	for _, id := range st.Reports.Queue {
		rep := st.Report(id)
		if rep == nil || rep.TotalItems == nil {
			continue
		}
		planned := b.Planned[id]
		ops := batch.FollowUps(id, planned, *rep.TotalItems, p.opts.PageSize)
		if len(ops) == 0 {
			continue
		}
		b.Pending = append(b.Pending, ops...)
		b.Planned[id] = planned + len(ops)*p.opts.PageSize
		p.logger.Info().
			Str("campaign_id", id).
			Int("total_items", *rep.TotalItems).
			Int("follow_ups", len(ops)).
			Msg("Campaign exceeds planned windows, queued follow-up operations")
	}
}

// appendPage adds a batch page to its report without exceeding the total.
func appendPage(rep *mailchimp.Report, page batch.Page) {
	total := page.TotalItems
	rep.TotalItems = &total

	emails := page.Emails
	if room := total - len(rep.Emails); len(emails) > room {
		if room < 0 {
			room = 0
		}
		emails = emails[:room]
	}
	rep.Emails = append(rep.Emails, emails...)
}
