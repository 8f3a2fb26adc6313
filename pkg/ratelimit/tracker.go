package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	rateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcsync_rate_limited_total",
		Help: "Total number of 429 responses received from the remote API",
	})

	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcsync_rate_limit_blocks_total",
		Help: "Total number of requests deferred because a rate limit window was active",
	})

	rateLimitBlockSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcsync_rate_limit_block_seconds",
		Help: "Length of the most recently recorded rate limit window in seconds",
	})
)

// Tracker records rate limit windows in Redis and gates requests.
type Tracker struct {
	redis  *redis.Client
	prefix string
	logger zerolog.Logger
	now    func() time.Time
}

// NewTracker creates a tracker whose keys are namespaced by prefix
// (typically "mcsync:<pipeline>").
func NewTracker(redisClient *redis.Client, prefix string, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}
}

func (t *Tracker) key(suffix string) string {
	if t.prefix == "" {
		return suffix
	}
	return t.prefix + ":" + suffix
}

// GetState retrieves the current rate limit state from Redis.
// Returns an unblocked state if no data exists.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	state := &State{}

	blockedUntil, err := t.redis.Get(ctx, t.key(RedisKeyBlockedUntil)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get blocked until: %w", err)
	}
	if err == nil {
		state.BlockedUntil = time.UnixMilli(blockedUntil)
	}

	status, err := t.redis.Get(ctx, t.key(RedisKeyLastStatus)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get last status: %w", err)
	}
	state.LastStatus = status

	hits, err := t.redis.Get(ctx, t.key(RedisKeyHits)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get hits: %w", err)
	}
	state.Hits = hits

	return state, nil
}

// RecordRateLimited stores the block window announced by a 429 response and
// returns its length.
func (t *Tracker) RecordRateLimited(ctx context.Context, statusCode int, headers http.Header) (time.Duration, error) {
	now := t.now()
	block := ParseRetryAfter(headers.Get("Retry-After"), now)
	until := now.Add(block)

	// Keys expire with the window so a stale block can never outlive it.
	pipe := t.redis.TxPipeline()
	pipe.Set(ctx, t.key(RedisKeyBlockedUntil), until.UnixMilli(), block)
	pipe.Set(ctx, t.key(RedisKeyLastStatus), statusCode, block)
	pipe.Incr(ctx, t.key(RedisKeyHits))
	pipe.Expire(ctx, t.key(RedisKeyHits), MaxBlock)
	if _, err := pipe.Exec(ctx); err != nil {
		return block, fmt.Errorf("store rate limit state in redis: %w", err)
	}

	rateLimitedTotal.Inc()
	rateLimitBlockSeconds.Set(block.Seconds())

	t.logger.Warn().
		Int("status", statusCode).
		Dur("block", block).
		Time("blocked_until", until).
		Msg("Remote API rate limited, deferring requests")

	return block, nil
}

// ShouldAllowRequest returns false and the remaining window if a rate limit
// window is active.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, time.Duration, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("get rate limit state: %w", err)
	}

	now := t.now()
	if state.IsBlocked(now) {
		wait := state.TimeUntilReset(now)
		t.logger.Debug().
			Dur("wait_duration", wait).
			Msg("Rate limit window active - deferring request")
		rateLimitBlocksTotal.Inc()
		return false, wait, nil
	}

	return true, 0, nil
}

// Clear removes any recorded window.
func (t *Tracker) Clear(ctx context.Context) error {
	if err := t.redis.Del(ctx, t.key(RedisKeyBlockedUntil), t.key(RedisKeyLastStatus), t.key(RedisKeyHits)).Err(); err != nil {
		return fmt.Errorf("clear rate limit state: %w", err)
	}
	return nil
}

// ParseRetryAfter interprets a Retry-After header given as seconds or as an
// HTTP date. Missing or unusable values give DefaultBlock; results are capped
// at MaxBlock.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return DefaultBlock
	}

	var d time.Duration
	if secs, err := strconv.Atoi(value); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(value); err == nil {
		d = at.Sub(now)
	} else {
		return DefaultBlock
	}

	if d <= 0 {
		return time.Second
	}
	if d > MaxBlock {
		return MaxBlock
	}
	return d
}
