package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreOperations tracks store calls by operation and outcome
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcsync_store_operations_total",
			Help: "Total number of state store operations",
		},
		[]string{"operation", "outcome"}, // "load", "save", ...; "ok", "miss", "error"
	)

	// StateBytes tracks the size of the last saved state envelope
	StateBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcsync_store_state_bytes",
			Help: "Size of the last saved pipeline state in bytes",
		},
	)

	// LockContention tracks ticks skipped because another host held the lock
	LockContention = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mcsync_store_lock_contention_total",
			Help: "Total number of tick lock acquisitions that found the lock held",
		},
	)
)
