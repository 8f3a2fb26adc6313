package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Sternrassler/mailchimp-activity-sync/pkg/events"
	"github.com/Sternrassler/mailchimp-activity-sync/pkg/ratelimit"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PostHog sends chunks to the PostHog batch capture endpoint.
type PostHog struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	logger     zerolog.Logger
}

type posthogBatch struct {
	APIKey string         `json:"api_key"`
	Batch  []events.Event `json:"batch"`
}

// NewPostHog creates a PostHog sink for host (e.g. https://app.posthog.com/).
func NewPostHog(host, apiKey string) *PostHog {
	return &PostHog{
		endpoint: strings.TrimRight(host, "/") + "/batch/",
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: log.With().Str("component", "posthog-sink").Logger(),
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (p *PostHog) SetHTTPClient(client *http.Client) {
	p.httpClient = client
}

// Name implements Sink.
func (p *PostHog) Name() string {
	return "posthog"
}

// Send implements Sink.
func (p *PostHog) Send(ctx context.Context, chunk []events.Event) error {
	return instrument(p.Name(), len(chunk), func() error {
		return p.send(ctx, chunk)
	})
}

func (p *PostHog) send(ctx context.Context, chunk []events.Event) error {
	body, err := json.Marshal(posthogBatch{APIKey: p.apiKey, Batch: chunk})
	if err != nil {
		return &SendError{Sink: p.Name(), Err: fmt.Errorf("marshal batch: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return &SendError{Sink: p.Name(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &SendError{Sink: p.Name(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		sendErr := &SendError{
			Sink:       p.Name(),
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg))),
		}
		if sendErr.RateLimited() {
			sendErr.RetryAfter = ratelimit.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		}
		return sendErr
	}

	p.logger.Debug().
		Int("events", len(chunk)).
		Int("bytes", len(body)).
		Msg("Batch captured")
	return nil
}
