package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scheduler and worker counters and histograms.

var (
	// Scheduler
	SchedulerScanRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oreoscan",
		Subsystem: "scheduler",
		Name:      "scan_requests_total",
		Help:      "Total scan requests by outcome",
	}, []string{"outcome"})

	SchedulerTasksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oreoscan",
		Subsystem: "scheduler",
		Name:      "tasks_created_total",
		Help:      "Total scan tasks created",
	})

	SchedulerTasksAssigned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oreoscan",
		Subsystem: "scheduler",
		Name:      "tasks_assigned_total",
		Help:      "Total task assignments pushed to workers",
	})

	SchedulerTasksRequeued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oreoscan",
		Subsystem: "scheduler",
		Name:      "tasks_requeued_total",
		Help:      "Total tasks requeued by reason",
	}, []string{"reason"})

	SchedulerTasksCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oreoscan",
		Subsystem: "scheduler",
		Name:      "tasks_committed_total",
		Help:      "Total task results committed to the account registry",
	})

	SchedulerScansFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oreoscan",
		Subsystem: "scheduler",
		Name:      "scans_failed_total",
		Help:      "Total scans marked failed after retry budget exhaustion",
	})

	SchedulerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "oreoscan",
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Current pending task queue depth",
	})

	SchedulerConnectedWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "oreoscan",
		Subsystem: "scheduler",
		Name:      "connected_workers",
		Help:      "Currently registered worker sessions",
	})

	SchedulerCommitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "oreoscan",
		Subsystem: "scheduler",
		Name:      "commit_duration_seconds",
		Help:      "Registry commit duration including store retries",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// Worker
	WorkerTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oreoscan",
		Subsystem: "worker",
		Name:      "tasks_processed_total",
		Help:      "Total tasks processed by outcome",
	}, []string{"outcome"})

	WorkerNotesMatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oreoscan",
		Subsystem: "worker",
		Name:      "notes_matched_total",
		Help:      "Total notes that trial-decrypted successfully",
	})

	WorkerDecryptLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "oreoscan",
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "Per-task trial decryption duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// Prover
	ProverRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oreoscan",
		Subsystem: "prover",
		Name:      "requests_total",
		Help:      "Total proof requests by outcome",
	}, []string{"outcome"})

	ProverLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "oreoscan",
		Subsystem: "prover",
		Name:      "request_duration_seconds",
		Help:      "Proof generation duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// Block store
	BlockFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oreoscan",
		Subsystem: "blocks",
		Name:      "fetches_total",
		Help:      "Block range fetches by source (cache or store)",
	}, []string{"source"})
)
