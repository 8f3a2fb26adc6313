// Package metrics exposes the Prometheus registry of mcsync.
// All metrics are defined in their respective packages (mailchimp, pagination,
// batch, pipeline, sink, store, scheduler, ratelimit) and registered via
// promauto, so this package only serves them and documents them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by mcsync.
var Registry = prometheus.DefaultRegisterer

// Handler serves every registered metric in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// API Metrics (pkg/mailchimp):
//   - mcsync_api_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - mcsync_api_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - mcsync_api_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network, shape)
//
// Rate Limit Metrics (pkg/ratelimit):
//   - mcsync_rate_limited_total (Counter): 429 responses received
//   - mcsync_rate_limit_blocks_total (Counter): Requests deferred by an active window
//   - mcsync_rate_limit_block_seconds (Gauge): Length of the last recorded window
//
// Pagination Metrics (pkg/pagination):
//   - mcsync_pages_fetched_total{endpoint} (Counter): Pages fetched
//   - mcsync_page_fetch_duration_seconds{endpoint} (Histogram): Page fetch duration
//
// Batch Metrics (pkg/batch):
//   - mcsync_batch_submissions_total{result} (Counter): Submissions (ok, rate_limited, error)
//   - mcsync_batch_polls_total{status} (Counter): Status polls by observed status
//   - mcsync_batch_outcomes_total{outcome} (Counter): finished, errored, timeout
//   - mcsync_batch_duration_seconds (Histogram): Submission to finished
//
// Pipeline Metrics (pkg/pipeline):
//   - mcsync_ticks_total{phase, outcome} (Counter): Ticks (advanced, deferred, halted, noop)
//   - mcsync_tick_duration_seconds{phase} (Histogram): Tick duration
//   - mcsync_halts_total{resource} (Counter): Resources moved to error
//   - mcsync_reports_completed_total (Counter): Campaign reports fully loaded
//   - mcsync_events_projected_total (Counter): Events produced by projection
//   - mcsync_chunks_sent_total (Counter): Chunks delivered
//   - mcsync_retries_total{resource} (Counter): Retries of malformed responses
//   - mcsync_retry_backoff_seconds{resource} (Histogram): Backoff before a retry
//   - mcsync_retry_exhausted_total{resource} (Counter): Malformed responses escalated
//
// Sink Metrics (pkg/sink):
//   - mcsync_sink_events_total{sink} (Counter): Events delivered
//   - mcsync_sink_errors_total{sink} (Counter): Failed deliveries
//   - mcsync_sink_send_duration_seconds{sink} (Histogram): Chunk delivery duration
//
// Store Metrics (pkg/store):
//   - mcsync_store_operations_total{operation, outcome} (Counter): Store calls
//   - mcsync_store_state_bytes (Gauge): Size of the last saved state
//   - mcsync_store_lock_contention_total (Counter): Ticks skipped for a held lock
//
// Runner Metrics (pkg/scheduler):
//   - mcsync_runner_ticks_total{result} (Counter): Host ticks (advanced, halted, skipped, failed)
//   - mcsync_cycles_started_total (Counter): Cycles restarted after CycleInterval
//   - mcsync_runner_last_tick_timestamp_seconds (Gauge): Unix time of the last host tick
//
// Example Prometheus Queries:
//
//   # Halted pipelines
//   increase(mcsync_halts_total[1h]) > 0
//
//   # Stalled host loop
//   time() - mcsync_runner_last_tick_timestamp_seconds > 600
//
//   # Rate limit pressure
//   rate(mcsync_rate_limited_total[15m])
//
//   # P95 API latency
//   histogram_quantile(0.95, rate(mcsync_api_request_duration_seconds_bucket[5m]))
