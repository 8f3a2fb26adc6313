package pipeline

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/mailchimp-activity-sync/internal/testutil"
	"github.com/Sternrassler/mailchimp-activity-sync/pkg/batch"
	"github.com/Sternrassler/mailchimp-activity-sync/pkg/config"
	"github.com/Sternrassler/mailchimp-activity-sync/pkg/mailchimp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBatchHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := newHarness(t, opts)
	h.mock.PollsUntilFinished = 1
	seedStandard(h.mock)
	return h
}

func batchKey() string {
	return Key(config.DefaultPipelineID, "batch_id")
}

func TestTick_BatchCycle(t *testing.T) {
	h := newBatchHarness(t, smallOptions(config.ReportModeBatch))
	st := h.driveWith(t, h.pipeline, State{}, 50, func(st State) {
		if st.Reports.State == StateLoaded {
			assert.Empty(t, st.Reports.Queue)
		}
	})

	assert.Equal(t, "idle", st.Phase())
	assert.Len(t, st.Report("c1").Emails, 5)
	assert.Len(t, st.Report("c2").Emails, 2)
	assert.Empty(t, st.Report("c3").Emails)

	// c1 announced 1 email but holds 5: windows 0, 2 and 4 over three
	// submissions of at most two operations each.
	assert.Equal(t, 3, st.Reports.Batch.Submissions)
	assert.Equal(t, 3, h.mock.Count("/batches"))
	assert.Empty(t, st.Reports.Batch.Pending)
	assert.Nil(t, st.Reports.Batch.Job)

	// each job is polled until finished and never again
	for _, id := range []string{"batch1", "batch2", "batch3"} {
		assert.Equal(t, 2, h.mock.Count("/batches/"+id), id)
		assert.Equal(t, 1, h.mock.Count("/results/"+id+".tar.gz"), id)
	}

	_, ok, err := h.kv.Get(context.Background(), batchKey())
	require.NoError(t, err)
	assert.False(t, ok)

	// no per-campaign requests in batch mode
	assert.Equal(t, 0, h.mock.Count("/reports/c1/email-activity"))

	paginated := newHarness(t, smallOptions(config.ReportModePaginated))
	seedStandard(paginated.mock)
	paginated.drive(t, State{}, 50)
	assert.Equal(t, paginated.sink.Events(), h.sink.Events())
}

func TestTick_BatchMalformedStatusRetriedEachTime(t *testing.T) {
	h := newBatchHarness(t, smallOptions(config.ReportModeBatch))
	base := strings.TrimSuffix(h.mock.URL(), "/3.0/")

	// Status polls 1 and 3 of the first batch are malformed. Each one is
	// isolated by a good poll and must get its own retry.
	var mu sync.Mutex
	calls := 0
	h.mock.SetHandler("/batches/batch1", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()

		switch {
		case n == 1 || n == 3:
			w.Write([]byte(`{}`))
		case n == 2:
			w.Write([]byte(`{"id":"batch1","status":"started","total_operations":2}`))
		default:
			w.Write([]byte(`{"id":"batch1","status":"finished","total_operations":2,"finished_operations":2,` +
				`"response_body_url":"` + base + `/results/batch1.tar.gz"}`))
		}
	})

	st := h.drive(t, State{}, 50)

	assert.Equal(t, "idle", st.Phase())
	assert.Equal(t, 4, h.mock.Count("/batches/batch1"))
	assert.Equal(t, 0, st.Reports.Attempts)
	assert.Empty(t, st.Reports.Error)
	assert.Len(t, st.Report("c1").Emails, 5)
}

func TestTick_BatchResultsWaitForIDDiscard(t *testing.T) {
	h := newBatchHarness(t, smallOptions(config.ReportModeBatch))
	ctx := context.Background()

	var st State
	for st.Reports.Batch.Job == nil {
		var err error
		st, _, err = h.pipeline.Tick(ctx, st)
		require.NoError(t, err)
	}
	h.kv.FailExpire(errors.New("redis unavailable"))

	var action NextAction
	for i := 0; action.Reason != "batch id not discarded"; i++ {
		require.Less(t, i, 10, "results never consumed")
		var err error
		st, action, err = h.pipeline.Tick(ctx, st)
		require.NoError(t, err)
		if action.Kind == ActionRetryAfter {
			h.clock.advance(action.Delay)
		}
	}

	// results are held back while the consumed id is still stored
	require.NotNil(t, st.Reports.Batch.Job)
	assert.Equal(t, mailchimp.BatchFinished, st.Reports.Batch.Job.Status)
	assert.Empty(t, st.Report("c1").Emails)
	id, ok, err := h.kv.Get(ctx, batchKey())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "batch1", id)

	h.kv.FailExpire(nil)
	st = h.drive(t, st, 50)

	assert.Equal(t, "idle", st.Phase())
	assert.Len(t, st.Report("c1").Emails, 5)
	assert.Equal(t, 3, h.mock.Count("/batches"))
	assert.Equal(t, 2, h.mock.Count("/results/batch1.tar.gz"))
	assert.Equal(t, 2, h.mock.Count("/batches/batch1"))
}

func TestTick_BatchSubmissionStoresID(t *testing.T) {
	opts := smallOptions(config.ReportModeBatch)
	h := newBatchHarness(t, opts)
	ctx := context.Background()

	var st State
	for st.Reports.Batch.Job == nil {
		var err error
		st, _, err = h.pipeline.Tick(ctx, st)
		require.NoError(t, err)
	}

	id, ok, err := h.kv.Get(ctx, batchKey())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "batch1", id)
	assert.Equal(t, opts.BatchTimeout, h.kv.TTL(batchKey()))
	assert.Len(t, st.Reports.Batch.Job.Operations, 2)
	assert.Len(t, st.Reports.Batch.Pending, 1)
}

func TestTick_BatchResumesInFlightJob(t *testing.T) {
	h := newBatchHarness(t, smallOptions(config.ReportModeBatch))
	ctx := context.Background()

	var st State
	for st.Campaigns.State != StateLoaded {
		var err error
		st, _, err = h.pipeline.Tick(ctx, st)
		require.NoError(t, err)
	}
	beforeSubmit := st

	submitted, _, err := h.pipeline.Tick(ctx, st)
	require.NoError(t, err)
	require.NotNil(t, submitted.Reports.Batch.Job)
	require.Equal(t, 1, h.mock.Count("/batches"))

	// the submitted state is lost; the next tick starts from the older one
	resumed, action, err := h.pipeline.Tick(ctx, beforeSubmit)
	require.NoError(t, err)
	assert.Equal(t, ActionContinue, action.Kind)
	require.NotNil(t, resumed.Reports.Batch.Job)
	assert.Equal(t, "batch1", resumed.Reports.Batch.Job.ID)
	assert.Equal(t, 1, h.mock.Count("/batches"))

	final := h.drive(t, resumed, 50)
	assert.Equal(t, StateLoaded, final.Reports.State)
	assert.Len(t, final.Report("c1").Emails, 5)
	assert.Equal(t, 3, h.mock.Count("/batches"))
}

func TestTick_BatchTimeout(t *testing.T) {
	opts := smallOptions(config.ReportModeBatch)
	opts.BatchTimeout = 10 * time.Second
	h := newBatchHarness(t, opts)
	h.mock.PollsUntilFinished = 100
	ctx := context.Background()

	var (
		st     State
		action NextAction
		err    error
	)
	for i := 0; i < 30 && err == nil; i++ {
		st, action, err = h.pipeline.Tick(ctx, st)
		if action.Kind == ActionRetryAfter {
			h.clock.advance(action.Delay)
		}
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSyncHalted)
	assert.ErrorIs(t, err, batch.ErrBatchTimeout)

	assert.Equal(t, StateError, st.Reports.State)
	assert.Nil(t, st.Reports.Batch.Job)
	assert.Equal(t, len(batch.Schedule(opts.BatchTimeout)), h.mock.Count("/batches/batch1"))

	_, ok, kvErr := h.kv.Get(ctx, batchKey())
	require.NoError(t, kvErr)
	assert.False(t, ok)

	// halted until reset
	st, _, err = h.pipeline.Tick(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 1, h.mock.Count("/batches"))
}

func TestTick_BatchErroredOperations(t *testing.T) {
	h := newBatchHarness(t, smallOptions(config.ReportModeBatch))
	h.mock.SetResponse("/batches/batch1", testutil.MockResponse{
		StatusCode: 200,
		Body:       `{"id": "batch1", "status": "finished", "total_operations": 2, "errored_operations": 1}`,
	})

	err := tickUntilError(t, h, 20)
	assert.ErrorIs(t, err, ErrSyncHalted)
	assert.ErrorIs(t, err, batch.ErrBatchErroredOperations)
	assert.Equal(t, 0, h.mock.Count("/results/batch1.tar.gz"))
}

func TestTick_BatchSubmissionRejected(t *testing.T) {
	h := newBatchHarness(t, smallOptions(config.ReportModeBatch))
	h.mock.SetResponse("/batches", testutil.MockResponse{
		StatusCode: 400,
		Body:       `{"title": "Invalid Resource", "status": 400}`,
	})

	err := tickUntilError(t, h, 20)
	assert.ErrorIs(t, err, ErrSyncHalted)

	var subErr *batch.SubmissionError
	require.ErrorAs(t, err, &subErr)

	var apiErr *mailchimp.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.StatusCode)
}

func TestTick_BatchResultDownloadRateLimited(t *testing.T) {
	h := newBatchHarness(t, smallOptions(config.ReportModeBatch))
	h.mock.SetResponse("/results/batch1.tar.gz", testutil.MockResponse{
		StatusCode: 429,
		Headers:    map[string]string{"Retry-After": "10"},
	})
	ctx := context.Background()

	var st State
	for st.Reports.Batch.Job == nil || st.Reports.Batch.Job.Status != mailchimp.BatchFinished {
		var (
			action NextAction
			err    error
		)
		st, action, err = h.pipeline.Tick(ctx, st)
		require.NoError(t, err)
		if action.Kind == ActionRetryAfter {
			h.clock.advance(action.Delay)
		}
	}
	polls := h.mock.Count("/batches/batch1")

	h.mock.ClearHandler("/results/batch1.tar.gz")
	st, _, err := h.pipeline.Tick(ctx, st)
	require.NoError(t, err)
	assert.Nil(t, st.Reports.Batch.Job)
	assert.Equal(t, polls, h.mock.Count("/batches/batch1"))
	assert.Len(t, st.Report("c2").Emails, 2)
}

func tickUntilError(t *testing.T, h *harness, maxTicks int) error {
	t.Helper()
	var st State
	for i := 0; i < maxTicks; i++ {
		var (
			action NextAction
			err    error
		)
		st, action, err = h.pipeline.Tick(context.Background(), st)
		if err != nil {
			assert.Equal(t, "halted", st.Phase())
			return err
		}
		if action.Kind == ActionRetryAfter {
			h.clock.advance(action.Delay)
		}
	}
	t.Fatalf("no error after %d ticks", maxTicks)
	return nil
}
