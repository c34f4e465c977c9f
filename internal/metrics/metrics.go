// Package metrics exposes the server's prometheus collectors. Collectors
// are package-level and registered on the default registry; the HTTP API
// serves them under /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobRuns counts finished job runs by outcome ("done", "error",
	// "aborted").
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bard",
		Subsystem: "runner",
		Name:      "job_runs_total",
		Help:      "Finished job runs by outcome.",
	}, []string{"outcome"})

	// JobRunSeconds observes the wall-clock duration of job runs.
	JobRunSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bard",
		Subsystem: "runner",
		Name:      "job_run_seconds",
		Help:      "Wall-clock duration of job runs.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
	})

	// EntitiesPurged counts entities removed by the persistence engine.
	EntitiesPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bard",
		Subsystem: "persistence",
		Name:      "entities_purged_total",
		Help:      "Entities purged by retention rules.",
	})

	// StoragesMoved counts storages relocated by the persistence move pass.
	StoragesMoved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bard",
		Subsystem: "persistence",
		Name:      "storages_moved_total",
		Help:      "Storages relocated to their move-to target.",
	})

	// StoragesIndexed counts storage index scans by result ("ok", "error",
	// "interrupted").
	StoragesIndexed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bard",
		Subsystem: "indexer",
		Name:      "storages_indexed_total",
		Help:      "Storage index scans by result.",
	}, []string{"result"})

	// ConnectedClients gauges the currently connected network clients.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bard",
		Subsystem: "server",
		Name:      "connected_clients",
		Help:      "Currently connected network clients.",
	})

	// AuthFailures counts failed authorize attempts.
	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bard",
		Subsystem: "server",
		Name:      "auth_failures_total",
		Help:      "Failed authorize attempts.",
	})

	// PairedSlaves gauges the slave connectors currently in paired state.
	PairedSlaves = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bard",
		Subsystem: "slave",
		Name:      "paired_slaves",
		Help:      "Slave connectors currently paired.",
	})

	// CommandsDispatched counts dispatched client commands by name.
	CommandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bard",
		Subsystem: "server",
		Name:      "commands_total",
		Help:      "Dispatched client commands.",
	}, []string{"command"})
)
