package batch

import (
	"context"
	"errors"
	"math"
	"net/http"
	"testing"
	"time"

	"github.com/Sternrassler/mailchimp-activity-sync/pkg/mailchimp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memKV struct {
	values    map[string]string
	ttls      map[string]time.Duration
	expireErr error
}

func newMemKV() *memKV {
	return &memKV{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memKV) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.values[key] = value
	m.ttls[key] = ttl
	return nil
}

func (m *memKV) Expire(_ context.Context, key string, ttl time.Duration) error {
	if m.expireErr != nil {
		return m.expireErr
	}
	if ttl <= 0 {
		delete(m.values, key)
		delete(m.ttls, key)
		return nil
	}
	m.ttls[key] = ttl
	return nil
}

type fakeAPI struct {
	submit    *mailchimp.Batch
	submitErr error
	statuses  []mailchimp.Batch
	getErr    error
	gets      int
	results   []mailchimp.OperationResult
}

func (f *fakeAPI) SubmitBatch(_ context.Context, ops []mailchimp.BatchOperation) (*mailchimp.Batch, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return f.submit, nil
}

func (f *fakeAPI) GetBatch(_ context.Context, id string) (*mailchimp.Batch, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	i := f.gets
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.gets++
	b := f.statuses[i]
	return &b, nil
}

func (f *fakeAPI) DownloadBatchResults(_ context.Context, url string) ([]mailchimp.OperationResult, error) {
	return f.results, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestPoller(api API, kv KV, timeout time.Duration) (*Poller, *clock) {
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := NewPoller(api, kv, "mcsync:test:batch_id", timeout)
	p.SetClock(c.now)
	return p, c
}

var testOps = []mailchimp.BatchOperation{Window{CampaignID: "c1", Offset: 0}.Operation(1000)}

func TestSubmit_StoresID(t *testing.T) {
	kv := newMemKV()
	api := &fakeAPI{submit: &mailchimp.Batch{ID: "b1", Status: mailchimp.BatchPending}}
	p, c := newTestPoller(api, kv, DefaultTimeout)

	job, err := p.Submit(context.Background(), testOps)
	require.NoError(t, err)

	assert.Equal(t, "b1", job.ID)
	assert.Equal(t, c.t, job.SubmittedAt)
	assert.Equal(t, c.t.Add(time.Second), job.NextPollAt)
	assert.Equal(t, "b1", kv.values["mcsync:test:batch_id"])
	assert.Equal(t, DefaultTimeout, kv.ttls["mcsync:test:batch_id"])

	id, ok, err := p.Resume(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "b1", id)
}

func TestSubmit_ErrorStatus(t *testing.T) {
	tests := []struct {
		name  string
		batch *mailchimp.Batch
	}{
		{"error status", &mailchimp.Batch{ID: "b1", Status: "error"}},
		{"missing id", &mailchimp.Batch{Status: mailchimp.BatchPending}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := newMemKV()
			p, _ := newTestPoller(&fakeAPI{submit: tt.batch}, kv, DefaultTimeout)

			_, err := p.Submit(context.Background(), testOps)

			var subErr *SubmissionError
			require.ErrorAs(t, err, &subErr)
			assert.True(t, IsTerminal(err))
			assert.Empty(t, kv.values)
		})
	}
}

func TestSubmit_RateLimitedIsNotSubmissionError(t *testing.T) {
	api := &fakeAPI{submitErr: &mailchimp.APIError{StatusCode: 429, Err: mailchimp.ErrRateLimited}}
	p, _ := newTestPoller(api, newMemKV(), DefaultTimeout)

	_, err := p.Submit(context.Background(), testOps)
	assert.True(t, mailchimp.IsRateLimited(err))
	assert.False(t, IsTerminal(err))
}

func TestPoll_BackoffUntilFinished(t *testing.T) {
	api := &fakeAPI{
		submit: &mailchimp.Batch{ID: "b1", Status: mailchimp.BatchPending},
		statuses: []mailchimp.Batch{
			{ID: "b1", Status: mailchimp.BatchStarted},
			{ID: "b1", Status: mailchimp.BatchFinalizing},
			{ID: "b1", Status: mailchimp.BatchFinished, ResponseBodyURL: "https://example.com/r.tar.gz"},
		},
	}
	kv := newMemKV()
	p, c := newTestPoller(api, kv, DefaultTimeout)
	ctx := context.Background()

	job, err := p.Submit(ctx, testOps)
	require.NoError(t, err)

	// Not due yet: no request.
	res, err := p.Poll(ctx, job)
	require.NoError(t, err)
	assert.False(t, res.Polled)
	assert.Equal(t, time.Second, res.Delay)
	assert.Equal(t, 0, api.gets)

	c.advance(time.Second)
	res, err = p.Poll(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, Waiting, res.Outcome)
	assert.Equal(t, 2*time.Second, res.Delay)

	c.advance(2 * time.Second)
	res, err = p.Poll(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, res.Delay)

	c.advance(4 * time.Second)
	res, err = p.Poll(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, Finished, res.Outcome)
	assert.Equal(t, 3, job.Polls)

	api.results = []mailchimp.OperationResult{{StatusCode: 200, OperationID: "report_c1_0", Response: "{}"}}
	results, err := p.Consume(ctx, job)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	_, ok, _ := p.Resume(ctx)
	assert.False(t, ok, "consumed batch id must be discarded")
}

func TestPoll_ErroredOperations(t *testing.T) {
	api := &fakeAPI{
		submit:   &mailchimp.Batch{ID: "b1", Status: mailchimp.BatchPending},
		statuses: []mailchimp.Batch{{ID: "b1", Status: mailchimp.BatchStarted, ErroredOperations: 2, TotalOperations: 5}},
	}
	kv := newMemKV()
	p, c := newTestPoller(api, kv, DefaultTimeout)
	ctx := context.Background()

	job, err := p.Submit(ctx, testOps)
	require.NoError(t, err)
	c.advance(time.Second)

	_, err = p.Poll(ctx, job)
	assert.ErrorIs(t, err, ErrBatchErroredOperations)
	assert.Empty(t, kv.values)
}

func TestPoll_RateLimitedLeavesJob(t *testing.T) {
	api := &fakeAPI{
		submit: &mailchimp.Batch{ID: "b1", Status: mailchimp.BatchPending},
		getErr: &mailchimp.APIError{StatusCode: http.StatusTooManyRequests, Err: mailchimp.ErrRateLimited},
	}
	p, c := newTestPoller(api, newMemKV(), DefaultTimeout)
	ctx := context.Background()

	job, err := p.Submit(ctx, testOps)
	require.NoError(t, err)
	before := *job
	c.advance(time.Second)

	_, err = p.Poll(ctx, job)
	assert.True(t, mailchimp.IsRateLimited(err))
	assert.False(t, IsTerminal(err))
	assert.Equal(t, before.Polls, job.Polls)
	assert.Equal(t, before.NextPollAt, job.NextPollAt)
}

func TestPoll_TimeoutBound(t *testing.T) {
	api := &fakeAPI{
		submit:   &mailchimp.Batch{ID: "b1", Status: mailchimp.BatchPending},
		statuses: []mailchimp.Batch{{ID: "b1", Status: mailchimp.BatchStarted}},
	}
	kv := newMemKV()
	p, c := newTestPoller(api, kv, DefaultTimeout)
	ctx := context.Background()

	job, err := p.Submit(ctx, testOps)
	require.NoError(t, err)

	var pollErr error
	for i := 0; i < 100; i++ {
		c.t = job.NextPollAt
		_, pollErr = p.Poll(ctx, job)
		if pollErr != nil {
			break
		}
	}

	require.ErrorIs(t, pollErr, ErrBatchTimeout)
	maxPolls := int(math.Ceil(math.Log2(1800))) + 1
	assert.LessOrEqual(t, api.gets, maxPolls)
	assert.Equal(t, len(Schedule(DefaultTimeout)), api.gets)
	assert.Empty(t, kv.values, "timed out batch id must be discarded")
}

func TestPoll_LateTickTimesOut(t *testing.T) {
	api := &fakeAPI{submit: &mailchimp.Batch{ID: "b1", Status: mailchimp.BatchPending}}
	p, c := newTestPoller(api, newMemKV(), time.Minute)
	ctx := context.Background()

	job, err := p.Submit(ctx, testOps)
	require.NoError(t, err)

	c.advance(2 * time.Minute)
	_, err = p.Poll(ctx, job)
	assert.ErrorIs(t, err, ErrBatchTimeout)
	assert.Equal(t, 0, api.gets)
}

func TestConsume_NotFinished(t *testing.T) {
	p, _ := newTestPoller(&fakeAPI{}, newMemKV(), DefaultTimeout)
	_, err := p.Consume(context.Background(), &Job{ID: "b1", Status: mailchimp.BatchStarted})
	assert.Error(t, err)
}

func TestConsume_KeepsResultsUntilIDDiscarded(t *testing.T) {
	kv := newMemKV()
	kv.values["mcsync:test:batch_id"] = "b1"
	kv.expireErr = errors.New("connection refused")
	api := &fakeAPI{results: []mailchimp.OperationResult{{StatusCode: 200, OperationID: "report_c1_0", Response: "{}"}}}
	p, _ := newTestPoller(api, kv, DefaultTimeout)
	ctx := context.Background()
	job := &Job{ID: "b1", Status: mailchimp.BatchFinished, ResultURL: "https://example.com/r.tar.gz"}

	results, err := p.Consume(ctx, job)
	assert.ErrorIs(t, err, ErrIDNotDiscarded)
	assert.Nil(t, results)
	assert.False(t, IsTerminal(err))
	assert.Equal(t, "b1", kv.values["mcsync:test:batch_id"])

	// once the store recovers, consuming again succeeds and forgets the job
	kv.expireErr = nil
	results, err = p.Consume(ctx, job)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	_, ok, err := p.Resume(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDelay(t *testing.T) {
	tests := []struct {
		k         int
		remaining time.Duration
		want      time.Duration
	}{
		{0, time.Hour, time.Second},
		{1, time.Hour, 2 * time.Second},
		{5, time.Hour, 32 * time.Second},
		{10, 777 * time.Second, 777 * time.Second},
		{62, time.Hour, time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Delay(tt.k, tt.remaining), "k=%d", tt.k)
	}
}

func TestSchedule(t *testing.T) {
	got := Schedule(1800 * time.Second)

	maxPolls := int(math.Ceil(math.Log2(1800))) + 1
	assert.LessOrEqual(t, len(got), maxPolls)
	assert.Equal(t, time.Second, got[0])
	assert.Equal(t, 3*time.Second, got[1])
	assert.Equal(t, 1800*time.Second, got[len(got)-1])
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i], got[i-1])
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(ErrBatchTimeout))
	assert.True(t, IsTerminal(ErrBatchErroredOperations))
	assert.True(t, IsTerminal(&SubmissionError{Status: "error"}))
	assert.False(t, IsTerminal(errors.New("network")))
}
