package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry decisions.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcsync_retries_total",
		Help: "Total retries of malformed responses by resource",
	}, []string{"resource"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mcsync_retry_backoff_seconds",
		Help:    "Backoff before retrying a malformed response by resource",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30},
	}, []string{"resource"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcsync_retry_exhausted_total",
		Help: "Total malformed responses that exhausted their retries by resource",
	}, []string{"resource"})
)

// RetryPolicy bounds the retries of one unit of work. It is shared by every
// fetch site; no site retries on its own.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay.
	MaxBackoff time.Duration

	// BackoffMultiplier grows the delay between retries.
	BackoffMultiplier float64
}

// DefaultRetryPolicy retries a malformed response once, one second later.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       2,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Backoff returns the delay before retry n (1-based).
func (p RetryPolicy) Backoff(n int) time.Duration {
	backoff := p.InitialBackoff
	for i := 1; i < n; i++ {
		backoff = time.Duration(float64(backoff) * p.BackoffMultiplier)
		if backoff > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return backoff
}

// Next is called after failed attempt number attempts. It returns the delay
// before the next attempt, or false when the attempts are exhausted.
func (p RetryPolicy) Next(resource string, attempts int) (time.Duration, bool) {
	if attempts >= p.MaxAttempts {
		retryExhaustedTotal.WithLabelValues(resource).Inc()
		return 0, false
	}
	backoff := p.Backoff(attempts)
	retriesTotal.WithLabelValues(resource).Inc()
	retryBackoffSeconds.WithLabelValues(resource).Observe(backoff.Seconds())
	return backoff, true
}
