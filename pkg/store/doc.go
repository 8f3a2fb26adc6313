// Package store persists pipeline state in Redis.
//
// It provides three things to the host scheduler:
//
//   - Redis, a small key-value store with TTLs. The batch poller keeps the
//     identifier of the in-flight batch job in it.
//   - StateStore, which saves and loads a pipeline.State as JSON wrapped in a
//     versioned envelope.
//   - TickLock, a SET NX lock that keeps two hosts from ticking the same
//     pipeline at once.
//
// # Basic Usage
//
//	redisClient, err := store.Connect(ctx, cfg.Redis)
//	if err != nil {
//		return err
//	}
//
//	states := store.NewStateStore(redisClient, cfg.PipelineID)
//	st, found, err := states.Load(ctx)
//	if !found {
//		// fresh cycle: pass the zero State to Tick
//	}
//
// # Keys
//
// All keys are namespaced by pipeline:
//
//   - mcsync:<pipeline>:state - the state envelope (no TTL)
//   - mcsync:<pipeline>:batch_id - the in-flight batch identifier (TTL = batch timeout)
//   - mcsync:<pipeline>:lock - the tick lock (TTL = lock TTL)
//
// # Metrics
//
//   - mcsync_store_operations_total{operation,outcome}
//   - mcsync_store_state_bytes
//   - mcsync_store_lock_contention_total
package store
