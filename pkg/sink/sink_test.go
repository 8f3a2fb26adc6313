package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Sternrassler/mailchimp-activity-sync/pkg/events"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvents() []events.Event {
	return []events.Event{
		{Event: events.NameOpened, Timestamp: "t1", UUID: "u1", Properties: events.Properties{DistinctID: "a@b.com", CampaignID: "c1"}},
		{Event: events.NameDelivered, Timestamp: "t0", UUID: "u2", Properties: events.Properties{DistinctID: "a@b.com", CampaignID: "c1", DeliverySuccessful: true}},
	}
}

func TestPostHog_Send(t *testing.T) {
	var got struct {
		APIKey string            `json:"api_key"`
		Batch  []json.RawMessage `json:"batch"`
	}
	var path string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ph := NewPostHog(server.URL+"/", "phc_key")
	require.NoError(t, ph.Send(context.Background(), sampleEvents()))

	assert.Equal(t, "/batch/", path)
	assert.Equal(t, "phc_key", got.APIKey)
	require.Len(t, got.Batch, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal(got.Batch[0], &first))
	assert.Equal(t, events.NameOpened, first["event"])
	props := first["properties"].(map[string]any)
	assert.Equal(t, "a@b.com", props["distinct_id"])
	assert.Equal(t, false, props["mc_delivery_successful"])
	assert.NotContains(t, props, "mc_click_url")
}

func TestPostHog_Errors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		retryAfter  string
		rateLimited bool
		wantDelay   time.Duration
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, retryAfter: "12", rateLimited: true, wantDelay: 12 * time.Second},
		{name: "bad request", status: http.StatusBadRequest},
		{name: "server error", status: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte("nope"))
			}))
			defer server.Close()

			err := NewPostHog(server.URL, "k").Send(context.Background(), sampleEvents())

			var sendErr *SendError
			require.ErrorAs(t, err, &sendErr)
			assert.Equal(t, tt.status, sendErr.StatusCode)
			assert.Equal(t, tt.rateLimited, IsRateLimited(err))
			assert.Equal(t, tt.wantDelay, RetryAfter(err))
		})
	}
}

type fakeS3 struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3_Send(t *testing.T) {
	fake := &fakeS3{}
	sink := NewS3WithClient(fake, "bucket", "mailchimp/default")

	require.NoError(t, sink.Send(context.Background(), sampleEvents()))
	require.Len(t, fake.inputs, 1)

	in := fake.inputs[0]
	assert.Equal(t, "bucket", *in.Bucket)
	assert.Equal(t, "mailchimp/default/u1.ndjson.gz", *in.Key)
	assert.Equal(t, "gzip", *in.ContentEncoding)

	zr, err := gzip.NewReader(bytes.NewReader(fake.bodies[0]))
	require.NoError(t, err)
	scanner := bufio.NewScanner(zr)
	var lines []events.Event
	for scanner.Scan() {
		var ev events.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		lines = append(lines, ev)
	}
	assert.Equal(t, sampleEvents(), lines)
}

func TestS3_SendError(t *testing.T) {
	fake := &fakeS3{err: errors.New("access denied")}
	err := NewS3WithClient(fake, "bucket", "").Send(context.Background(), sampleEvents())

	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.False(t, IsRateLimited(err))
}

func TestS3_EmptyChunk(t *testing.T) {
	fake := &fakeS3{}
	require.NoError(t, NewS3WithClient(fake, "bucket", "").Send(context.Background(), nil))
	assert.Empty(t, fake.inputs)
}
