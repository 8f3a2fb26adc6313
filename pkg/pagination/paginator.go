package pagination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for page fetching.
var (
	pagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcsync_pages_fetched_total",
		Help: "Total pages fetched by endpoint",
	}, []string{"endpoint"})

	pageFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mcsync_page_fetch_duration_seconds",
		Help:    "Page fetch duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})
)

// MaxPageSize is the largest count the remote API honours.
const MaxPageSize = 1000

// ErrInvalidPageSize is returned for a page size outside 1..MaxPageSize.
var ErrInvalidPageSize = errors.New("page size must be in 1..1000")

// Config holds paginator configuration.
type Config struct {
	// PageSize is the count requested per page.
	PageSize int

	// Endpoint labels metrics and logs.
	Endpoint string
}

// DefaultConfig returns the canonical configuration (1000 items per page).
func DefaultConfig() Config {
	return Config{
		PageSize: MaxPageSize,
		Endpoint: "unknown",
	}
}

// Page is one response from a list endpoint.
type Page[T any] struct {
	Items      []T
	TotalItems int
}

// Fetcher fetches count items starting at offset.
type Fetcher[T any] func(ctx context.Context, offset, count int) (Page[T], error)

// Cursor is the resumable position in a list: how many items are held and,
// once the first page returned, how many exist.
type Cursor struct {
	Accumulated int  `json:"accumulated"`
	TotalItems  *int `json:"total_items,omitempty"`
}

// Offset is the offset of the next page.
func (c Cursor) Offset() int {
	return c.Accumulated
}

// Done reports whether every item has been accumulated.
func (c Cursor) Done() bool {
	return c.TotalItems != nil && c.Accumulated >= *c.TotalItems
}

// Step is the outcome of fetching one page.
type Step[T any] struct {
	// Items are the new items to append; never pushes Accumulated past TotalItems.
	Items []T

	// Cursor is the position after appending Items.
	Cursor Cursor

	// Done is true when the list is exhausted.
	Done bool
}

// Paginator reads one list endpoint page by page.
type Paginator[T any] struct {
	fetch  Fetcher[T]
	config Config
}

// New creates a paginator. A non-positive page size falls back to MaxPageSize.
func New[T any](fetch Fetcher[T], config Config) *Paginator[T] {
	if config.PageSize <= 0 {
		config.PageSize = MaxPageSize
	}
	if config.Endpoint == "" {
		config.Endpoint = "unknown"
	}
	return &Paginator[T]{
		fetch:  fetch,
		config: config,
	}
}

// PageSize returns the configured page size.
func (p *Paginator[T]) PageSize() int {
	return p.config.PageSize
}

// Step fetches the page at cursor.Offset() and returns the items to append.
// A cursor that is already done returns an empty, done step without a request.
func (p *Paginator[T]) Step(ctx context.Context, cursor Cursor) (Step[T], error) {
	if p.config.PageSize > MaxPageSize {
		return Step[T]{}, ErrInvalidPageSize
	}
	if cursor.Accumulated < 0 {
		return Step[T]{}, fmt.Errorf("negative offset %d", cursor.Accumulated)
	}
	if cursor.Done() {
		return Step[T]{Cursor: cursor, Done: true}, nil
	}

	offset := cursor.Offset()
	start := time.Now()
	page, err := p.fetch(ctx, offset, p.config.PageSize)
	pageFetchDuration.WithLabelValues(p.config.Endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		return Step[T]{Cursor: cursor}, err
	}
	pagesFetchedTotal.WithLabelValues(p.config.Endpoint).Inc()

	items := page.Items
	total := page.TotalItems
	if total < 0 {
		total = 0
	}
	if remaining := total - offset; len(items) > remaining {
		if remaining < 0 {
			remaining = 0
		}
		log.Warn().
			Str("endpoint", p.config.Endpoint).
			Int("offset", offset).
			Int("received", len(items)).
			Int("total_items", total).
			Msg("Page overshoots total_items, clipping")
		items = items[:remaining]
	}

	next := Cursor{
		Accumulated: offset + len(items),
		TotalItems:  &total,
	}

	// An empty page before reaching total would loop forever; the list shrank
	// server-side, so accept what we have.
	if len(items) == 0 && !next.Done() {
		log.Warn().
			Str("endpoint", p.config.Endpoint).
			Int("offset", offset).
			Int("total_items", total).
			Msg("Empty page before total_items reached, treating list as complete")
		shrunk := next.Accumulated
		next.TotalItems = &shrunk
	}

	log.Debug().
		Str("endpoint", p.config.Endpoint).
		Int("offset", offset).
		Int("received", len(items)).
		Int("total_items", *next.TotalItems).
		Msg("Page fetched")

	return Step[T]{
		Items:  items,
		Cursor: next,
		Done:   next.Done(),
	}, nil
}
