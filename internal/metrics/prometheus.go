package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "pairdb"
	subsystem = "replication"
)

// Metrics holds all Prometheus metrics for a replication node
type Metrics struct {
	// Operation metrics
	LocalOperationsTotal    *prometheus.CounterVec
	ReplayedOperationsTotal *prometheus.CounterVec
	ReplayDuration          prometheus.Histogram
	ConflictsTotal          *prometheus.CounterVec
	DecodeErrorsTotal       *prometheus.CounterVec

	// Resync metrics
	FakeOperationsTotal *prometheus.CounterVec
	ResyncEntriesTotal  *prometheus.CounterVec

	// Connection metrics
	ConnectionAttemptsTotal *prometheus.CounterVec
	FailoversTotal          prometheus.Counter
	Connected               prometheus.Gauge
	PublishedTotal          *prometheus.CounterVec

	// State metrics
	ServerStateSize    prometheus.Gauge
	CheckpointsTotal   *prometheus.CounterVec
	CheckpointDuration prometheus.Histogram

	// Topology metrics
	TopologyMembers     prometheus.Gauge
	GossipMessagesTotal *prometheus.CounterVec

	// System metrics
	DiskUsagePercent prometheus.Gauge
	MemoryUsageBytes prometheus.Gauge
	GoroutinesTotal  prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with reg
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		LocalOperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "local_operations_total",
			Help:        "Locally originated operations by kind and result",
			ConstLabels: labels,
		}, []string{"kind", "result"}),
		ReplayedOperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "replayed_operations_total",
			Help:        "Replicated operations by kind and outcome",
			ConstLabels: labels,
		}, []string{"kind", "outcome"}),
		ReplayDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "replay_duration_seconds",
			Help:        "Histogram of replay durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		ConflictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "conflicts_total",
			Help:        "Conflicts resolved during replay by outcome and operation kind",
			ConstLabels: labels,
		}, []string{"outcome", "kind"}),
		DecodeErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "decode_errors_total",
			Help:        "Malformed change numbers, states, history or messages",
			ConstLabels: labels,
		}, []string{"source"}),
		FakeOperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "fake_operations_total",
			Help:        "Operations rebuilt from entry history",
			ConstLabels: labels,
		}, []string{"kind"}),
		ResyncEntriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "resync_entries_total",
			Help:        "Entries processed by resync by result",
			ConstLabels: labels,
		}, []string{"result"}),
		ConnectionAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "connection_attempts_total",
			Help:        "Attempts to connect to a replication server",
			ConstLabels: labels,
		}, []string{"result"}),
		FailoversTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "failovers_total",
			Help:        "Switches to a better replication server",
			ConstLabels: labels,
		}),
		Connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "connected",
			Help:        "1 when connected to a replication server",
			ConstLabels: labels,
		}),
		PublishedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "published_messages_total",
			Help:        "Update messages sent to the replication server",
			ConstLabels: labels,
		}, []string{"type", "result"}),
		ServerStateSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "server_state_replicas",
			Help:        "Number of replicas tracked in the server state",
			ConstLabels: labels,
		}),
		CheckpointsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "checkpoints_total",
			Help:        "Server state checkpoints by result",
			ConstLabels: labels,
		}, []string{"result"}),
		CheckpointDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "checkpoint_duration_seconds",
			Help:        "Histogram of checkpoint durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		TopologyMembers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "topology_members",
			Help:        "Members currently seen by gossip",
			ConstLabels: labels,
		}),
		GossipMessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "gossip_messages_total",
			Help:        "Gossip messages by type",
			ConstLabels: labels,
		}, []string{"type"}),
		DiskUsagePercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_usage_percent",
			Help:        "Disk usage percentage of the state directory",
			ConstLabels: labels,
		}),
		MemoryUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Current memory usage in bytes",
			ConstLabels: labels,
		}),
		GoroutinesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "goroutines_total",
			Help:        "Current number of goroutines",
			ConstLabels: labels,
		}),
	}
}

// RecordLocalOperation records a locally originated operation
func (m *Metrics) RecordLocalOperation(kind, result string) {
	m.LocalOperationsTotal.WithLabelValues(kind, result).Inc()
}

// RecordReplay records a replayed operation
func (m *Metrics) RecordReplay(kind, outcome string, seconds float64) {
	m.ReplayedOperationsTotal.WithLabelValues(kind, outcome).Inc()
	m.ReplayDuration.Observe(seconds)
}

// RecordConflict records modifications dropped or rewritten by conflict resolution
func (m *Metrics) RecordConflict(outcome, kind string, count int) {
	if count > 0 {
		m.ConflictsTotal.WithLabelValues(outcome, kind).Add(float64(count))
	}
}

// RecordDecodeError records malformed input
func (m *Metrics) RecordDecodeError(source string) {
	m.DecodeErrorsTotal.WithLabelValues(source).Inc()
}

// RecordFakeOperation records a rebuilt operation
func (m *Metrics) RecordFakeOperation(kind string) {
	m.FakeOperationsTotal.WithLabelValues(kind).Inc()
}

// RecordResyncEntry records the result of resyncing one entry
func (m *Metrics) RecordResyncEntry(result string) {
	m.ResyncEntriesTotal.WithLabelValues(result).Inc()
}

// RecordConnectionAttempt records a connection attempt
func (m *Metrics) RecordConnectionAttempt(result string) {
	m.ConnectionAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordFailover records a switch of replication server
func (m *Metrics) RecordFailover() {
	m.FailoversTotal.Inc()
}

// SetConnected updates the connection gauge
func (m *Metrics) SetConnected(connected bool) {
	if connected {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}

// RecordPublish records an update message sent to the replication server
func (m *Metrics) RecordPublish(msgType, result string) {
	m.PublishedTotal.WithLabelValues(msgType, result).Inc()
}

// RecordCheckpoint records a server state checkpoint
func (m *Metrics) RecordCheckpoint(result string, seconds float64, replicas int) {
	m.CheckpointsTotal.WithLabelValues(result).Inc()
	m.CheckpointDuration.Observe(seconds)
	m.ServerStateSize.Set(float64(replicas))
}

// UpdateTopology updates the gossip member gauge
func (m *Metrics) UpdateTopology(members int) {
	m.TopologyMembers.Set(float64(members))
}

// RecordGossipMessage records a gossip message
func (m *Metrics) RecordGossipMessage(messageType string) {
	m.GossipMessagesTotal.WithLabelValues(messageType).Inc()
}

// UpdateSystemStats updates system-level statistics
func (m *Metrics) UpdateSystemStats(diskUsagePercent float64, memoryUsage uint64, goroutines int) {
	m.DiskUsagePercent.Set(diskUsagePercent)
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}
