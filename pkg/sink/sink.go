// Package sink delivers projected events to their destination.
package sink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/mailchimp-activity-sync/pkg/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for event delivery.
var (
	eventsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcsync_sink_events_total",
		Help: "Total events delivered by sink",
	}, []string{"sink"})

	sendErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcsync_sink_errors_total",
		Help: "Total failed deliveries by sink",
	}, []string{"sink"})

	sendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mcsync_sink_send_duration_seconds",
		Help:    "Duration of one chunk delivery by sink",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"sink"})
)

// Sink accepts chunks of events. Delivery is at least once: a chunk whose
// acknowledgment was lost may arrive twice, with identical event UUIDs.
type Sink interface {
	Send(ctx context.Context, chunk []events.Event) error
	Name() string
}

// SendError reports a failed delivery.
type SendError struct {
	Sink       string
	StatusCode int

	// RetryAfter is set when the sink rejected the chunk for rate limiting.
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface.
func (e *SendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("sink %s: status %d: %v", e.Sink, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("sink %s: %v", e.Sink, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *SendError) Unwrap() error {
	return e.Err
}

// RateLimited reports whether the sink refused the chunk with HTTP 429. The
// chunk is known not to be accepted, so resending it later is safe.
func (e *SendError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsRateLimited reports whether err is a rate limited SendError.
func IsRateLimited(err error) bool {
	var sendErr *SendError
	return errors.As(err, &sendErr) && sendErr.RateLimited()
}

// RetryAfter returns the deferral requested by a rate limited sink, or 0.
func RetryAfter(err error) time.Duration {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.RetryAfter
	}
	return 0
}

// instrument wraps a send with metrics.
func instrument(name string, n int, send func() error) error {
	start := time.Now()
	err := send()
	sendDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		sendErrorsTotal.WithLabelValues(name).Inc()
		return err
	}
	eventsSentTotal.WithLabelValues(name).Add(float64(n))
	return nil
}
