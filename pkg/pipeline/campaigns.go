package pipeline

import (
	"context"

	"github.com/Sternrassler/mailchimp-activity-sync/pkg/pagination"
)

// advanceCampaigns fetches one page of the campaign list.
func (p *Pipeline) advanceCampaigns(ctx context.Context, st *State) (NextAction, error) {
	c := &st.Campaigns
	if c.Terminal() {
		return None("campaigns " + string(c.State)), nil
	}
	if c.State == StateNotStarted {
		if err := c.Start(p.now()); err != nil {
			return None("invalid state"), err
		}
		p.logger.Info().Str("resource", ResourceCampaigns).Msg("Loading campaigns")
	}

	cursor := pagination.Cursor{Accumulated: len(c.Items), TotalItems: c.TotalItems}
	step, err := p.campaigns.Step(ctx, cursor)
	if err != nil {
		return p.fetchFailed(ctx, ResourceCampaigns, &c.Resource, err)
	}

	c.Items = append(c.Items, step.Items...)
	c.TotalItems = step.Cursor.TotalItems
	if err := c.PageComplete(step.Done, p.now()); err != nil {
		return None("invalid state"), err
	}

	if step.Done {
		p.logger.Info().
			Str("resource", ResourceCampaigns).
			Int("campaigns", len(c.Items)).
			Msg("Campaigns loaded")
		return Continue("campaigns loaded"), nil
	}

	p.logger.Debug().
		Str("resource", ResourceCampaigns).
		Int("offset", len(c.Items)).
		Int("total_items", *c.TotalItems).
		Msg("Campaign page appended")
	return Continue("next campaign page"), nil
}
