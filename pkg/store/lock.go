package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/mailchimp-activity-sync/pkg/pipeline"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotHeld is returned by Extend when the lock expired or was taken over.
var ErrLockNotHeld = errors.New("tick lock not held")

var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)

	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// TickLock serializes ticks of one pipeline across hosts. The random owner
// value keeps a host from releasing a lock that expired and was taken by
// another host.
type TickLock struct {
	redis *redis.Client
	key   string
	value string
	ttl   time.Duration
}

// NewTickLock creates the tick lock of pipelineID. ttl bounds how long a
// crashed holder blocks other hosts.
func NewTickLock(redisClient *redis.Client, pipelineID string, ttl time.Duration) *TickLock {
	b := make([]byte, 16)
	rand.Read(b)
	return &TickLock{
		redis: redisClient,
		key:   pipeline.Key(pipelineID, "lock"),
		value: hex.EncodeToString(b),
		ttl:   ttl,
	}
}

// Acquire tries to take the lock without waiting. It returns false when
// another holder has it.
func (l *TickLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.redis.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		StoreOperations.WithLabelValues("lock", "error").Inc()
		return false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	if !ok {
		LockContention.Inc()
		return false, nil
	}
	StoreOperations.WithLabelValues("lock", "ok").Inc()
	return true, nil
}

// Release releases the lock if this holder still owns it.
func (l *TickLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.redis, []string{l.key}, l.value).Err(); err != nil {
		StoreOperations.WithLabelValues("unlock", "error").Inc()
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}

// Extend resets the lock TTL for a long tick.
func (l *TickLock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.redis, []string{l.key}, l.value, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}
