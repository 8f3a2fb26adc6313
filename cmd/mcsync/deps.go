package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/mailchimp-activity-sync/pkg/config"
	"github.com/Sternrassler/mailchimp-activity-sync/pkg/logging"
	"github.com/Sternrassler/mailchimp-activity-sync/pkg/mailchimp"
	"github.com/Sternrassler/mailchimp-activity-sync/pkg/pipeline"
	"github.com/Sternrassler/mailchimp-activity-sync/pkg/ratelimit"
	"github.com/Sternrassler/mailchimp-activity-sync/pkg/scheduler"
	"github.com/Sternrassler/mailchimp-activity-sync/pkg/sink"
	"github.com/Sternrassler/mailchimp-activity-sync/pkg/store"
	"github.com/redis/go-redis/v9"
)

// lockTTL bounds how long a crashed host blocks the pipeline.
const lockTTL = 10 * time.Minute

// app holds everything a command needs to drive the pipeline.
type app struct {
	redis    *redis.Client
	states   *store.StateStore
	limits   *ratelimit.Tracker
	pipeline *pipeline.Pipeline
	runner   *scheduler.Runner
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	redisClient, err := store.Connect(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}

	clientCfg := mailchimp.DefaultConfig(cfg.Mailchimp.BaseURLOrDefault(), cfg.Mailchimp.APIKey)
	clientCfg.RequestsPerSecond = cfg.Mailchimp.RequestsPerSecond
	clientCfg.Timeout = cfg.Mailchimp.Timeout()
	limits := ratelimit.NewTracker(redisClient, "mcsync:"+cfg.PipelineID,
		logging.ForPipeline("ratelimit", cfg.PipelineID))
	clientCfg.RateLimits = limits

	api, err := mailchimp.New(clientCfg)
	if err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("create mailchimp client: %w", err)
	}

	out, err := newSink(ctx, cfg)
	if err != nil {
		redisClient.Close()
		return nil, err
	}

	p := pipeline.New(api, out, store.NewRedis(redisClient), pipeline.OptionsFromConfig(cfg))
	states := store.NewStateStore(redisClient, cfg.PipelineID)
	runner := scheduler.NewRunner(p, states, store.NewTickLock(redisClient, cfg.PipelineID, lockTTL), scheduler.Config{
		TickInterval:  cfg.Sync.TickInterval,
		CycleInterval: cfg.Sync.CycleInterval,
		LockTTL:       lockTTL,
	})

	return &app{
		redis:    redisClient,
		states:   states,
		limits:   limits,
		pipeline: p,
		runner:   runner,
	}, nil
}

func newSink(ctx context.Context, cfg config.Config) (sink.Sink, error) {
	switch cfg.Sink.Kind {
	case config.SinkS3:
		return sink.NewS3(ctx, cfg.Sink.S3.Bucket, cfg.Sink.S3.Region, cfg.Sink.S3.Prefix)
	case config.SinkPostHog:
		return sink.NewPostHog(cfg.Sink.PostHog.Host, cfg.Sink.PostHog.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown sink %q", cfg.Sink.Kind)
	}
}

func (a *app) Close() error {
	return a.redis.Close()
}
