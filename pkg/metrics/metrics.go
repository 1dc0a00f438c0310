package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for clusterd.
// Using promauto for automatic registration with default registry.
var (
	// --- Update Task Metrics ---

	// PendingTasks tracks update tasks waiting in the queue.
	PendingTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clusterd",
			Subsystem: "tasks",
			Name:      "pending",
			Help:      "Number of cluster state update tasks waiting in the queue",
		},
	)

	// TasksTotal counts processed update tasks by priority and outcome.
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clusterd",
			Subsystem: "tasks",
			Name:      "total",
			Help:      "Total number of processed update tasks by outcome",
		},
		[]string{"priority", "outcome"},
	)

	// TaskDuration tracks how long a task took to apply and notify.
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clusterd",
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Time spent applying an update task and notifying listeners",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16), // 0.5ms to ~16s
		},
		[]string{"priority", "outcome"},
	)

	// --- State Metrics ---

	// StateVersion is the version of the last committed cluster state.
	StateVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clusterd",
			Subsystem: "state",
			Name:      "version",
			Help:      "Version of the current cluster state",
		},
	)

	// LocalMaster is 1 while the local node holds the master role.
	LocalMaster = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clusterd",
			Subsystem: "state",
			Name:      "local_master",
			Help:      "Whether the local node is the elected master",
		},
	)

	// ClusterNodes tracks the roster size of the current state.
	ClusterNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clusterd",
			Subsystem: "state",
			Name:      "nodes",
			Help:      "Number of nodes in the current cluster state",
		},
	)

	// ReadinessWaiters tracks callers blocked until local shards start.
	ReadinessWaiters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clusterd",
			Subsystem: "state",
			Name:      "readiness_waiters",
			Help:      "Number of callers waiting for local shards to start",
		},
	)

	// --- Listener Metrics ---

	// ListenerFailures counts listener callbacks that panicked.
	ListenerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clusterd",
			Subsystem: "listeners",
			Name:      "failures_total",
			Help:      "Total number of listener callbacks that failed",
		},
		[]string{"kind"},
	)

	// ListenerTimeouts counts timeout listeners whose deadline elapsed.
	ListenerTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clusterd",
			Subsystem: "listeners",
			Name:      "timeouts_total",
			Help:      "Total number of timeout listeners that timed out",
		},
	)

	// --- Gossip Metrics ---

	// GossipReads counts shard state reads by result.
	GossipReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clusterd",
			Subsystem: "gossip",
			Name:      "reads_total",
			Help:      "Total shard state reads by result",
		},
		[]string{"result"},
	)

	// GossipWrites counts shard state publications by result.
	GossipWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clusterd",
			Subsystem: "gossip",
			Name:      "writes_total",
			Help:      "Total shard state writes by result",
		},
		[]string{"result"},
	)

	// BreakerState exposes circuit breaker state (0 closed, 1 open, 2 half-open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "clusterd",
			Subsystem: "resilience",
			Name:      "breaker_state",
			Help:      "Circuit breaker state by name",
		},
		[]string{"name"},
	)

	// --- Membership Metrics ---

	// HeartbeatsSent counts membership lease refreshes.
	HeartbeatsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clusterd",
			Subsystem: "membership",
			Name:      "heartbeats_total",
			Help:      "Total membership heartbeats sent",
		},
	)
)

// RecordTask records metrics for a processed update task.
func RecordTask(priority, outcome string, elapsed time.Duration) {
	TasksTotal.WithLabelValues(priority, outcome).Inc()
	TaskDuration.WithLabelValues(priority, outcome).Observe(elapsed.Seconds())
}

// RecordCommit records the shape of a newly committed state.
func RecordCommit(version int64, nodes int, localMaster bool) {
	StateVersion.Set(float64(version))
	ClusterNodes.Set(float64(nodes))
	if localMaster {
		LocalMaster.Set(1)
	} else {
		LocalMaster.Set(0)
	}
}

func RecordListenerFailure(kind string) {
	ListenerFailures.WithLabelValues(kind).Inc()
}

func RecordListenerTimeout() {
	ListenerTimeouts.Inc()
}

func RecordGossipRead(result string) {
	GossipReads.WithLabelValues(result).Inc()
}

func RecordGossipWrite(result string) {
	GossipWrites.WithLabelValues(result).Inc()
}
