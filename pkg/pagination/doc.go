// Package pagination provides resumable, offset-based paging for list endpoints.
//
// List endpoints return `count` items starting at `offset` together with the
// authoritative `total_items`. A Paginator never keeps its own page counter:
// every step requests offset = number of items already accumulated, so a step
// that was interrupted, or whose items were only partially kept, is simply
// repeated from the observed count instead of drifting.
//
// Example usage:
//
//	p := pagination.New(fetchCampaigns, pagination.DefaultConfig())
//	step, err := p.Step(ctx, cursor)
//	items = append(items, step.Items...)
//	cursor = step.Cursor
//	if step.Done {
//		// all items loaded
//	}
//
// One Step issues exactly one request. Loading T items with page size P takes
// ceil(T/P) steps (one step when T is 0).
package pagination
