package pipeline

import (
	"context"

	"github.com/Sternrassler/mailchimp-activity-sync/pkg/batch"
	"github.com/Sternrassler/mailchimp-activity-sync/pkg/config"
	"github.com/Sternrassler/mailchimp-activity-sync/pkg/mailchimp"
	"github.com/Sternrassler/mailchimp-activity-sync/pkg/pagination"
)

// advanceReports loads reports in the configured mode.
func (p *Pipeline) advanceReports(ctx context.Context, st *State) (NextAction, error) {
	r := &st.Reports
	if r.Terminal() {
		return None("reports " + string(r.State)), nil
	}

	if r.State == StateNotStarted {
		if err := p.startReports(st); err != nil {
			return None("invalid state"), err
		}
		if len(r.Queue) == 0 {
			if err := r.PageComplete(true, p.now()); err != nil {
				return None("invalid state"), err
			}
			p.logger.Info().Str("resource", ResourceReports).Msg("No campaigns, reports loaded")
			return Continue("no campaigns"), nil
		}
	}

	if p.opts.ReportMode == config.ReportModeBatch {
		return p.advanceReportsBatch(ctx, st)
	}
	return p.advanceReportsPaginated(ctx, st)
}

// startReports builds the campaign queue, in campaign order.
func (p *Pipeline) startReports(st *State) error {
	r := &st.Reports
	if err := r.Start(p.now()); err != nil {
		return err
	}

	r.Queue = make([]string, 0, len(st.Campaigns.Items))
	r.Reports = make([]mailchimp.Report, 0, len(st.Campaigns.Items))
	for _, c := range st.Campaigns.Items {
		r.Queue = append(r.Queue, c.ID)
		r.Reports = append(r.Reports, mailchimp.Report{CampaignID: c.ID, Emails: []mailchimp.EmailActivity{}})
	}

	if p.opts.ReportMode == config.ReportModeBatch {
		r.Batch.Pending, r.Batch.Planned = batch.Plan(st.Campaigns.Items, p.opts.PageSize)
	}

	p.logger.Info().
		Str("resource", ResourceReports).
		Str("mode", string(p.opts.ReportMode)).
		Int("campaigns", len(r.Queue)).
		Msg("Loading reports")
	return nil
}

// advanceReportsPaginated fetches one report page of the head-of-queue campaign.
func (p *Pipeline) advanceReportsPaginated(ctx context.Context, st *State) (NextAction, error) {
	r := &st.Reports
	head := r.Queue[0]
	rep := st.Report(head)
	if rep == nil {
		return p.fail(ResourceReports, &r.Resource, errMissingReport(head))
	}

	cursor := pagination.Cursor{Accumulated: len(rep.Emails), TotalItems: rep.TotalItems}
	step, err := p.reportPaginator(head).Step(ctx, cursor)
	if err != nil {
		return p.fetchFailed(ctx, ResourceReports, &r.Resource, err)
	}

	rep.Emails = append(rep.Emails, step.Items...)
	rep.TotalItems = step.Cursor.TotalItems

	if !step.Done {
		if err := r.PageComplete(false, p.now()); err != nil {
			return None("invalid state"), err
		}
		p.logger.Debug().
			Str("campaign_id", head).
			Int("offset", len(rep.Emails)).
			Int("total_items", *rep.TotalItems).
			Msg("Report page appended")
		return Continue("next report page"), nil
	}

	return p.completeCampaigns(st)
}

// completeCampaigns pops every complete campaign off the front of the queue
// and marks reports loaded once the queue is empty.
func (p *Pipeline) completeCampaigns(st *State) (NextAction, error) {
	r := &st.Reports
	for len(r.Queue) > 0 && p.campaignComplete(st, r.Queue[0]) {
		id := r.Queue[0]
		r.Queue = r.Queue[1:]
		reportsCompletedTotal.Inc()
		p.logger.Info().
			Str("campaign_id", id).
			Int("emails", len(st.Report(id).Emails)).
			Int("remaining", len(r.Queue)).
			Msg("Campaign report loaded")
	}

	final := len(r.Queue) == 0
	if err := r.PageComplete(final, p.now()); err != nil {
		return None("invalid state"), err
	}
	if final {
		p.logger.Info().
			Str("resource", ResourceReports).
			Int("reports", len(r.Reports)).
			Msg("Reports loaded")
		return Continue("reports loaded"), nil
	}
	return Continue("next campaign"), nil
}

// campaignComplete reports whether the campaign's report is done. In batch
// mode that means every window up to the announced total was read, even if
// some windows came back short.
func (p *Pipeline) campaignComplete(st *State, id string) bool {
	rep := st.Report(id)
	if rep == nil || rep.TotalItems == nil {
		return false
	}
	if p.opts.ReportMode != config.ReportModeBatch {
		return rep.Complete()
	}

	b := &st.Reports.Batch
	if b.Job != nil || b.Planned[id] < *rep.TotalItems {
		return false
	}
	for _, op := range b.Pending {
		if w, err := batch.ParseOperationID(op.OperationID); err == nil && w.CampaignID == id {
			return false
		}
	}
	return true
}
