// Package mailchimp provides the Marketing API client used by the sync
// pipeline, with rate limit tracking, error classification and response
// shape checks.
package mailchimp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/mailchimp-activity-sync/pkg/pagination"
	"github.com/Sternrassler/mailchimp-activity-sync/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Prometheus metrics for API client operations.
var (
	apiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcsync_api_requests_total",
		Help: "Total Mailchimp API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	apiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mcsync_api_request_duration_seconds",
		Help:    "Mailchimp API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	apiErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcsync_api_errors_total",
		Help: "Total Mailchimp API errors by class",
	}, []string{"class"})
)

// Endpoint labels; report paths are templated to keep label cardinality bounded.
const (
	EndpointCampaigns     = "campaigns"
	EndpointEmailActivity = "reports/{id}/email-activity"
	EndpointBatches       = "batches"
	EndpointBatchStatus   = "batches/{id}"
	EndpointBatchResult   = "batch-result"
)

// Field projections requested from the API.
var (
	CampaignFields = strings.Join([]string{
		"total_items",
		"campaigns.id",
		"campaigns.emails_sent",
		"campaigns.send_time",
		"campaigns.settings.subject_line",
		"campaigns.settings.title",
	}, ",")

	EmailActivityFields = strings.Join([]string{
		"campaign_id",
		"total_items",
		"emails.list_id",
		"emails.email_id",
		"emails.email_address",
		"emails.activity",
	}, ",")
)

// Client is the Mailchimp Marketing API client.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	userAgent   string
	limiter     *rate.Limiter
	rateLimiter *ratelimit.Tracker
	logger      zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API root, e.g. https://us6.api.mailchimp.com/3.0/
	BaseURL string

	// APIKey is sent as the Basic auth password.
	APIKey string

	// UserAgent header sent with every request.
	UserAgent string

	// RequestsPerSecond paces requests on the client side; 0 disables pacing.
	RequestsPerSecond float64

	// Timeout per HTTP request.
	Timeout time.Duration

	// RateLimits shares 429 windows across processes; nil disables deferral.
	RateLimits *ratelimit.Tracker
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, apiKey string) Config {
	return Config{
		BaseURL:           baseURL,
		APIKey:            apiKey,
		UserAgent:         "mcsync/1.0",
		RequestsPerSecond: 5,
		Timeout:           30 * time.Second,
	}
}

// New creates a new API client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/") + "/",
		apiKey:      cfg.APIKey,
		userAgent:   cfg.UserAgent,
		limiter:     rate.NewLimiter(limit, 1),
		rateLimiter: cfg.RateLimits,
		logger:      log.With().Str("component", "mailchimp-client").Logger(),
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Campaigns fetches one page of sent campaigns.
func (c *Client) Campaigns(ctx context.Context, offset, count int) (pagination.Page[Campaign], error) {
	query := url.Values{}
	query.Set("count", strconv.Itoa(count))
	query.Set("offset", strconv.Itoa(offset))
	query.Set("status", "sent")
	query.Set("fields", CampaignFields)

	var resp campaignsResponse
	if err := c.do(ctx, EndpointCampaigns, http.MethodGet, "campaigns", query, nil, &resp); err != nil {
		return pagination.Page[Campaign]{}, err
	}
	if resp.Campaigns == nil {
		return pagination.Page[Campaign]{}, &ResponseShapeError{Endpoint: EndpointCampaigns, Field: "campaigns"}
	}
	if resp.TotalItems == nil {
		return pagination.Page[Campaign]{}, &ResponseShapeError{Endpoint: EndpointCampaigns, Field: "total_items"}
	}

	campaigns := make([]Campaign, 0, len(*resp.Campaigns))
	for _, ac := range *resp.Campaigns {
		campaigns = append(campaigns, ac.toCampaign())
	}
	return pagination.Page[Campaign]{Items: campaigns, TotalItems: *resp.TotalItems}, nil
}

// EmailActivity fetches one page of a campaign's email activity.
func (c *Client) EmailActivity(ctx context.Context, campaignID string, offset, count int) (pagination.Page[EmailActivity], error) {
	query := ActivityParams(offset, count)
	values := url.Values{}
	for k, v := range query {
		values.Set(k, v)
	}

	var body json.RawMessage
	if err := c.do(ctx, EndpointEmailActivity, http.MethodGet, ActivityPath(campaignID), values, nil, &body); err != nil {
		return pagination.Page[EmailActivity]{}, err
	}
	page, err := ParseActivityPage(body)
	if err != nil {
		return pagination.Page[EmailActivity]{}, err
	}
	return pagination.Page[EmailActivity]{Items: page.Emails, TotalItems: page.TotalItems}, nil
}

// ActivityPath returns the email-activity path for a campaign.
func ActivityPath(campaignID string) string {
	return "reports/" + url.PathEscape(campaignID) + "/email-activity"
}

// ActivityParams returns the query parameters of an email-activity page.
func ActivityParams(offset, count int) map[string]string {
	return map[string]string{
		"count":  strconv.Itoa(count),
		"offset": strconv.Itoa(offset),
		"fields": EmailActivityFields,
	}
}

// ParseActivityPage decodes an email-activity body, as returned directly or
// embedded in a batch result, and checks its shape.
func ParseActivityPage(body []byte) (ActivityPage, error) {
	var resp emailActivityResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return ActivityPage{}, &ResponseShapeError{Endpoint: EndpointEmailActivity, Err: err}
	}
	if resp.Emails == nil {
		return ActivityPage{}, &ResponseShapeError{Endpoint: EndpointEmailActivity, Field: "emails"}
	}
	if resp.TotalItems == nil {
		return ActivityPage{}, &ResponseShapeError{Endpoint: EndpointEmailActivity, Field: "total_items"}
	}
	return ActivityPage{
		CampaignID: resp.CampaignID,
		TotalItems: *resp.TotalItems,
		Emails:     *resp.Emails,
	}, nil
}

// SubmitBatch submits a batch of operations and returns its initial status.
func (c *Client) SubmitBatch(ctx context.Context, ops []BatchOperation) (*Batch, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("batch has no operations")
	}
	var batch Batch
	if err := c.do(ctx, EndpointBatches, http.MethodPost, "batches", nil, batchRequest{Operations: ops}, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// GetBatch returns the status of a submitted batch.
func (c *Client) GetBatch(ctx context.Context, id string) (*Batch, error) {
	var batch Batch
	if err := c.do(ctx, EndpointBatchStatus, http.MethodGet, "batches/"+url.PathEscape(id), nil, nil, &batch); err != nil {
		return nil, err
	}
	if batch.Status == "" {
		return nil, &ResponseShapeError{Endpoint: EndpointBatchStatus, Field: "status"}
	}
	return &batch, nil
}

// do performs an API request with rate limit gating, error classification and
// JSON decoding into out.
func (c *Client) do(ctx context.Context, endpoint, method, path string, query url.Values, body, out any) error {
	startTime := time.Now()
	defer func() {
		apiRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	// Step 1: Check shared rate limit window
	if c.rateLimiter != nil {
		allowed, wait, err := c.rateLimiter.ShouldAllowRequest(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Rate limit check failed, continuing")
		} else if !allowed {
			apiRequestsTotal.WithLabelValues(endpoint, "deferred").Inc()
			return &APIError{
				StatusCode: http.StatusTooManyRequests,
				ErrorClass: ErrorClassRateLimit,
				Endpoint:   endpoint,
				Message:    "rate limit window active",
				RetryAfter: wait,
				Err:        ErrRateLimited,
			}
		}
	}

	// Step 2: Client-side pacing
	if err := c.limiter.Wait(ctx); err != nil {
		return &APIError{ErrorClass: ErrorClassNetwork, Endpoint: endpoint, Message: "pacing wait", Err: err}
	}

	// Step 3: Build request
	u := c.baseURL + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth("user", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("method", method).
		Str("path", path).
		Msg("Executing API request")

	// Step 4: Execute
	resp, err := c.httpClient.Do(req)
	if err != nil {
		apiErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		apiRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		c.logger.Error().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
		return &APIError{ErrorClass: ErrorClassNetwork, Endpoint: endpoint, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	apiRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		apiErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return &APIError{StatusCode: resp.StatusCode, ErrorClass: ErrorClassNetwork, Endpoint: endpoint, Message: "read body", Err: err}
	}

	// Step 5: Classify HTTP errors
	if resp.StatusCode >= 400 {
		return c.statusError(ctx, endpoint, resp, respBody)
	}

	// Step 6: Decode
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		apiErrorsTotal.WithLabelValues(string(ErrorClassShape)).Inc()
		return &ResponseShapeError{Endpoint: endpoint, Err: err}
	}
	return nil
}

func (c *Client) statusError(ctx context.Context, endpoint string, resp *http.Response, body []byte) error {
	class := classifyStatus(resp.StatusCode)
	apiErrorsTotal.WithLabelValues(string(class)).Inc()

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		ErrorClass: class,
		Endpoint:   endpoint,
		Message:    errorMessage(resp.Status, body),
	}

	if class == ErrorClassRateLimit {
		apiErr.Err = ErrRateLimited
		apiErr.RetryAfter = ratelimit.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		if c.rateLimiter != nil {
			block, err := c.rateLimiter.RecordRateLimited(ctx, resp.StatusCode, resp.Header)
			if err != nil {
				c.logger.Warn().Err(err).Msg("Failed to record rate limit window")
			} else {
				apiErr.RetryAfter = block
			}
		}
		return apiErr
	}

	c.logger.Warn().
		Str("endpoint", endpoint).
		Int("status", resp.StatusCode).
		Str("error_class", string(class)).
		Msg("API request error")
	return apiErr
}

// errorMessage extracts the problem-details title/detail, falling back to the status line.
func errorMessage(status string, body []byte) string {
	var problem apiErrorBody
	if err := json.Unmarshal(body, &problem); err == nil && (problem.Title != "" || problem.Detail != "") {
		if problem.Detail == "" {
			return problem.Title
		}
		return problem.Title + ": " + problem.Detail
	}
	return status
}

// IsFatal reports whether err should move a resource to error. Rate limits
// and shape anomalies are not fatal on first sight; an escalated shape error is.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.ErrorClass == ErrorClassShape {
		return true
	}
	if IsRateLimited(err) || IsShapeError(err) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
