package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/mailchimp-activity-sync/pkg/pipeline"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrInvalidState indicates the stored envelope could not be decoded.
	ErrInvalidState = errors.New("invalid stored state")

	// ErrIncompatibleState indicates the stored state was written by an
	// incompatible version. Reset the pipeline to discard it.
	ErrIncompatibleState = errors.New("incompatible stored state version")
)

// Envelope wraps a saved state.
type Envelope struct {
	Version int            `json:"version"`
	SavedAt time.Time      `json:"saved_at"`
	State   pipeline.State `json:"state"`
}

// StateStore saves and loads the state of one pipeline.
type StateStore struct {
	redis *redis.Client
	key   string
	now   func() time.Time
}

// NewStateStore creates a state store for pipelineID.
func NewStateStore(redisClient *redis.Client, pipelineID string) *StateStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &StateStore{
		redis: redisClient,
		key:   pipeline.Key(pipelineID, "state"),
		now:   time.Now,
	}
}

// Key returns the Redis key of the state.
func (s *StateStore) Key() string {
	return s.key
}

// Load returns the saved state. found is false when nothing was saved yet.
func (s *StateStore) Load(ctx context.Context) (st pipeline.State, found bool, err error) {
	data, err := s.redis.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			StoreOperations.WithLabelValues("load", "miss").Inc()
			return pipeline.State{}, false, nil
		}
		StoreOperations.WithLabelValues("load", "error").Inc()
		return pipeline.State{}, false, fmt.Errorf("redis get: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		StoreOperations.WithLabelValues("load", "error").Inc()
		return pipeline.State{}, false, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if env.Version != pipeline.StateVersion || env.State.Version != pipeline.StateVersion {
		StoreOperations.WithLabelValues("load", "error").Inc()
		return pipeline.State{}, false, fmt.Errorf("%w: got %d, want %d",
			ErrIncompatibleState, env.Version, pipeline.StateVersion)
	}

	StoreOperations.WithLabelValues("load", "ok").Inc()
	return env.State, true, nil
}

// Save replaces the saved state.
func (s *StateStore) Save(ctx context.Context, st pipeline.State) error {
	data, err := json.Marshal(Envelope{
		Version: pipeline.StateVersion,
		SavedAt: s.now().UTC(),
		State:   st,
	})
	if err != nil {
		StoreOperations.WithLabelValues("save", "error").Inc()
		return fmt.Errorf("marshal state: %w", err)
	}

	if err := s.redis.Set(ctx, s.key, data, 0).Err(); err != nil {
		StoreOperations.WithLabelValues("save", "error").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	StoreOperations.WithLabelValues("save", "ok").Inc()
	StateBytes.Set(float64(len(data)))
	return nil
}

// Delete removes the saved state.
func (s *StateStore) Delete(ctx context.Context) error {
	if err := s.redis.Del(ctx, s.key).Err(); err != nil {
		StoreOperations.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	StoreOperations.WithLabelValues("delete", "ok").Inc()
	return nil
}
