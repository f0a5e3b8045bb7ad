// Package metrics exposes the Prometheus instrumentation for the cluster
// subsystems.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "novadb"

var (
	// CommandsTotal counts processed client commands.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total number of commands processed",
		},
		[]string{"cmd", "status"},
	)

	// CommandDuration measures command latency.
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command latency in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"cmd"},
	)

	// Redirections counts MOVED/ASK/CROSSSLOT replies.
	Redirections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redirections_total",
			Help:      "Total number of MOVED, ASK and CROSSSLOT replies",
		},
		[]string{"type"},
	)

	// GossipMessages counts bus messages by type and direction.
	GossipMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_messages_total",
			Help:      "Cluster bus messages by type and direction",
		},
		[]string{"type", "dir"},
	)

	// GossipBadFrames counts undecodable bus frames.
	GossipBadFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_bad_frames_total",
			Help:      "Cluster bus frames dropped by the decoder",
		},
	)

	// NodesPFail counts PFAIL transitions observed locally.
	NodesPFail = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_pfail_total",
			Help:      "Nodes marked possibly failed by this node",
		},
	)

	// NodesFail counts FAIL escalations.
	NodesFail = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_fail_total",
			Help:      "Nodes confirmed failed by quorum",
		},
	)

	// MigrationBytesSent counts bytes shipped by the migration sender.
	MigrationBytesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_bytes_sent_total",
			Help:      "Bytes sent to migration destinations",
		},
	)

	// MigrationKeysSent counts keys shipped by the migration sender.
	MigrationKeysSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_keys_sent_total",
			Help:      "Keys sent to migration destinations",
		},
	)

	// MigrationKeysReceived counts keys applied by the migration receiver.
	MigrationKeysReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_keys_received_total",
			Help:      "Keys applied from migration sources",
		},
	)

	// MigrationTasks tracks tasks by state.
	MigrationTasks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "migration_tasks",
			Help:      "Migration tasks by state",
		},
		[]string{"state"},
	)

	// GCRangesDeleted counts completed range-deletes.
	GCRangesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_ranges_deleted_total",
			Help:      "Slot ranges reclaimed by the GC sweeper",
		},
	)

	// GCSlotsPending tracks slots awaiting reclamation.
	GCSlotsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gc_slots_pending",
			Help:      "Slots queued for deletion after migration",
		},
	)

	// FailoverAttempts counts election attempts by outcome.
	FailoverAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failover_attempts_total",
			Help:      "Failover election attempts by outcome",
		},
		[]string{"outcome"},
	)
)
