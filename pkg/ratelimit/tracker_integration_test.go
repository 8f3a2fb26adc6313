//go:build integration

package ratelimit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startRedis runs a throwaway Redis server for the lifetime of t.
func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { rdb.Close() })
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	return rdb
}

func retryAfter(secs string) http.Header {
	h := http.Header{}
	h.Set("Retry-After", secs)
	return h
}

func TestTracker_Integration_WindowSharedAcrossTrackers(t *testing.T) {
	rdb := startRedis(t)
	ctx := context.Background()

	// Two trackers model two hosts ticking the same pipeline.
	first := NewTracker(rdb, "mcsync:integration", zerolog.Nop())
	second := NewTracker(rdb, "mcsync:integration", zerolog.Nop())

	if _, err := first.RecordRateLimited(ctx, http.StatusTooManyRequests, retryAfter("2")); err != nil {
		t.Fatalf("RecordRateLimited() error = %v", err)
	}

	allowed, remaining, err := second.ShouldAllowRequest(ctx)
	if err != nil {
		t.Fatalf("ShouldAllowRequest() error = %v", err)
	}
	if allowed {
		t.Fatal("second tracker should see the window recorded by the first")
	}
	if remaining <= 0 || remaining > 2*time.Second {
		t.Errorf("remaining = %v, want (0, 2s]", remaining)
	}

	// The window keys carry a real Redis TTL.
	ttl, err := rdb.TTL(ctx, "mcsync:integration:"+RedisKeyBlockedUntil).Result()
	if err != nil || ttl <= 0 || ttl > 2*time.Second {
		t.Errorf("blocked-until TTL = %v, %v; want (0, 2s]", ttl, err)
	}

	time.Sleep(2100 * time.Millisecond)

	allowed, _, err = second.ShouldAllowRequest(ctx)
	if err != nil || !allowed {
		t.Errorf("after expiry ShouldAllowRequest() = %v, %v; want true, nil", allowed, err)
	}
}

func TestTracker_Integration_HitsAndClear(t *testing.T) {
	rdb := startRedis(t)
	ctx := context.Background()

	a := NewTracker(rdb, "mcsync:hits", zerolog.Nop())
	b := NewTracker(rdb, "mcsync:hits", zerolog.Nop())

	for _, tr := range []*Tracker{a, b, a} {
		if _, err := tr.RecordRateLimited(ctx, http.StatusTooManyRequests, retryAfter("30")); err != nil {
			t.Fatalf("RecordRateLimited() error = %v", err)
		}
	}

	state, err := b.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Hits != 3 || state.LastStatus != http.StatusTooManyRequests {
		t.Errorf("state = %+v, want 3 hits with status 429", state)
	}

	if err := a.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if allowed, _, err := b.ShouldAllowRequest(ctx); err != nil || !allowed {
		t.Errorf("after Clear ShouldAllowRequest() = %v, %v; want true, nil", allowed, err)
	}

	// Another pipeline's prefix is unaffected by this one's window.
	other := NewTracker(rdb, "mcsync:other", zerolog.Nop())
	if _, err := a.RecordRateLimited(ctx, http.StatusTooManyRequests, retryAfter("30")); err != nil {
		t.Fatal(err)
	}
	if allowed, _, _ := other.ShouldAllowRequest(ctx); !allowed {
		t.Error("window leaked into another pipeline's prefix")
	}
}
