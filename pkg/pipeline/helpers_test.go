package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Sternrassler/mailchimp-activity-sync/internal/testutil"
	"github.com/Sternrassler/mailchimp-activity-sync/pkg/config"
	"github.com/Sternrassler/mailchimp-activity-sync/pkg/mailchimp"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	mock     *testutil.MockMailchimp
	sink     *testutil.RecordingSink
	kv       *testutil.MemoryKV
	clock    *clock
	pipeline *Pipeline
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	mock := testutil.NewMockMailchimp()
	t.Cleanup(mock.Close)

	h := &harness{
		mock:  mock,
		sink:  &testutil.RecordingSink{},
		kv:    testutil.NewMemoryKV(),
		clock: &clock{t: time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.pipeline = h.newPipeline(t, opts)
	return h
}

// newPipeline builds a second pipeline instance over the same collaborators,
// as a restarted process would.
func (h *harness) newPipeline(t *testing.T, opts Options) *Pipeline {
	t.Helper()

	cfg := mailchimp.DefaultConfig(h.mock.URL(), "abc123-us6")
	cfg.RequestsPerSecond = 0
	client, err := mailchimp.New(cfg)
	require.NoError(t, err)

	p := New(client, h.sink, h.kv, opts)
	p.SetClock(h.clock.now)
	return p
}

// drive ticks until the cycle is done, following each NextAction's delay.
func (h *harness) drive(t *testing.T, st State, maxTicks int) State {
	t.Helper()
	return h.driveWith(t, h.pipeline, st, maxTicks, nil)
}

func (h *harness) driveWith(t *testing.T, p *Pipeline, st State, maxTicks int, check func(State)) State {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < maxTicks; i++ {
		next, action, err := p.Tick(ctx, st)
		require.NoError(t, err, "tick %d (phase %s)", i, st.Phase())
		st = next
		if check != nil {
			check(st)
		}
		if action.Kind == ActionRetryAfter {
			h.clock.advance(action.Delay)
		}
		if st.Done() {
			return st
		}
	}
	t.Fatalf("pipeline not done after %d ticks (phase %s)", maxTicks, st.Phase())
	return st
}

// recipients builds n activity records cycling through open, open+click
// and bounce.
func recipients(campaignID string, n int) []mailchimp.EmailActivity {
	out := make([]mailchimp.EmailActivity, n)
	for i := range out {
		rec := mailchimp.EmailActivity{
			ListID:       "list1",
			EmailID:      fmt.Sprintf("%s-e%d", campaignID, i),
			EmailAddress: fmt.Sprintf("user%d@%s.example.com", i, campaignID),
		}
		switch i % 3 {
		case 0:
			rec.Activity = []mailchimp.ActivityEntry{{Action: "open", Timestamp: "2024-01-02T00:00:00+00:00", IP: "10.0.0.1"}}
		case 1:
			rec.Activity = []mailchimp.ActivityEntry{
				{Action: "open", Timestamp: "2024-01-02T00:00:00+00:00"},
				{Action: "click", Timestamp: "2024-01-02T00:01:00+00:00", URL: "https://example.com"},
			}
		case 2:
			rec.Activity = []mailchimp.ActivityEntry{{Action: "bounce", Timestamp: "2024-01-01T10:00:05+00:00", BounceType: "hard"}}
		}
		out[i] = rec
	}
	return out
}

// expectedEvents counts the events projected from recipients(_, n).
func expectedEvents(n int) int {
	total := 0
	for i := 0; i < n; i++ {
		total += 2
		if i%3 == 1 {
			total++
		}
	}
	return total
}

// seedStandard adds three campaigns. c1 understates emails_sent, as the API
// does for campaigns that are still delivering.
func seedStandard(m *testutil.MockMailchimp) {
	m.AddCampaign(mailchimp.Campaign{ID: "c1", EmailsSent: 1, Title: "January", SubjectLine: "Hello", SendTime: "2024-01-01T10:00:00+00:00"}, recipients("c1", 5))
	m.AddCampaign(mailchimp.Campaign{ID: "c2", Title: "February", SubjectLine: "Again", SendTime: "2024-02-01T10:00:00+00:00"}, recipients("c2", 2))
	m.AddCampaign(mailchimp.Campaign{ID: "c3", Title: "Empty", SubjectLine: "Nobody", SendTime: "2024-03-01T10:00:00+00:00"}, nil)
}

func smallOptions(mode config.ReportMode) Options {
	opts := DefaultOptions()
	opts.ReportMode = mode
	opts.PageSize = 2
	opts.ChunkSize = 4
	opts.MaxOperations = 2
	opts.BatchTimeout = 10 * time.Minute
	return opts
}
