// Package metrics defines Prometheus metrics for the storage engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for payload size histograms (bytes).
var sizeBuckets = []float64{1024, 16384, 262144, 1048576, 4194304, 16777216, 67108864, 268435456}

var (
	// ItemWrites counts item persist operations by payload driver and status.
	ItemWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projectcore_item_writes_total",
			Help: "Item write operations by payload driver",
		},
		[]string{"driver", "status"},
	)

	// ItemDeletes counts item delete operations by status.
	ItemDeletes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projectcore_item_deletes_total",
			Help: "Item delete operations",
		},
		[]string{"status"},
	)

	// PayloadBytes observes written payload sizes by driver.
	PayloadBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "projectcore_payload_bytes",
			Help:    "Payload sizes written, in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"driver"},
	)

	// TransactionFlushes counts transaction flushes by outcome.
	TransactionFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projectcore_transaction_flushes_total",
			Help: "Transaction flushes",
		},
		[]string{"status"},
	)

	// CoalescedWrites counts property writes absorbed by transaction
	// coalescing instead of reaching disk.
	CoalescedWrites = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "projectcore_coalesced_writes_total",
			Help: "Property writes coalesced away inside transactions",
		},
	)

	// MigrationSteps counts migration steps by step name and status.
	MigrationSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projectcore_migration_steps_total",
			Help: "Migration steps executed",
		},
		[]string{"step", "status"},
	)

	// LoadErrors counts per-item errors collected during project load.
	LoadErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "projectcore_load_errors_total",
			Help: "Per-item errors collected during project load",
		},
	)
)

// Register registers all metrics with the default registry. Safe to call
// multiple times.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ItemWrites,
			ItemDeletes,
			PayloadBytes,
			TransactionFlushes,
			CoalescedWrites,
			MigrationSteps,
			LoadErrors,
		)
	})
}
