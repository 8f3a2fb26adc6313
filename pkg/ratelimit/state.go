// Package ratelimit tracks remote API rate limiting (HTTP 429) across ticks.
// When the API answers 429 the block window is stored in Redis, so that the
// next tick, possibly in a different process, defers instead of spending
// another request inside the window.
package ratelimit

import (
	"time"
)

// Redis key suffixes for rate limit state storage.
const (
	RedisKeyBlockedUntil = "rate_limit:blocked_until"
	RedisKeyLastStatus   = "rate_limit:last_status"
	RedisKeyHits         = "rate_limit:hits"
)

// DefaultBlock is the block window used when a 429 carries no usable Retry-After.
const DefaultBlock = 60 * time.Second

// MaxBlock caps absurd Retry-After values.
const MaxBlock = 15 * time.Minute

// State represents the current rate limit state for one API key.
type State struct {
	// BlockedUntil is when requests may resume. Zero when not blocked.
	BlockedUntil time.Time `json:"blocked_until"`

	// LastStatus is the HTTP status that set the block.
	LastStatus int `json:"last_status"`

	// Hits counts 429 responses since the key last expired.
	Hits int64 `json:"hits"`
}

// IsBlocked returns true if requests should be deferred at now.
func (s *State) IsBlocked(now time.Time) bool {
	return now.Before(s.BlockedUntil)
}

// TimeUntilReset returns the duration until requests may resume.
// Returns 0 if the block has already passed.
func (s *State) TimeUntilReset(now time.Time) time.Duration {
	d := s.BlockedUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
