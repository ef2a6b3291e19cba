// Package metrics holds the Prometheus surface for the realtime core:
// connection counts, broadcast failures, and message latency, grounded on
// the teacher's escrow.Metrics promauto idiom.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the room registry, session
// handlers, race controller, and background monitor touch.
type Metrics struct {
	ConnectedMods        *prometheus.GaugeVec
	ConnectedSpectators   *prometheus.GaugeVec
	BroadcastFailures     *prometheus.CounterVec
	MessagesProcessed     *prometheus.CounterVec
	MessageLatency        *prometheus.HistogramVec
	AutoFinishes          prometheus.Counter
	AbandonedParticipants *prometheus.CounterVec
	OptimisticConflicts   *prometheus.CounterVec
}

// New creates and registers every collector. Call once per process.
func New() *Metrics {
	return &Metrics{
		ConnectedMods: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "speedfog_connected_mods",
				Help: "Number of live mod WebSocket connections per race.",
			},
			[]string{"race_id"},
		),
		ConnectedSpectators: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "speedfog_connected_spectators",
				Help: "Number of live spectator WebSocket connections per race.",
			},
			[]string{"race_id"},
		),
		BroadcastFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "speedfog_broadcast_failures_total",
				Help: "Sends that exceeded the per-send timeout or errored, by audience.",
			},
			[]string{"audience"}, // mod, spectator
		),
		MessagesProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "speedfog_messages_processed_total",
				Help: "Inbound messages processed, by type and outcome.",
			},
			[]string{"message_type", "outcome"}, // outcome: ok, dropped, error
		),
		MessageLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "speedfog_message_latency_seconds",
				Help:    "Time spent in a single message handler, including its transaction.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"message_type"},
		),
		AutoFinishes: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "speedfog_auto_finishes_total",
				Help: "Races that transitioned to FINISHED via the auto-finish check.",
			},
		),
		AbandonedParticipants: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "speedfog_abandoned_participants_total",
				Help: "Participants marked ABANDONED by the background monitor, by reason.",
			},
			[]string{"reason"}, // inactivity, no_show
		),
		OptimisticConflicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "speedfog_optimistic_conflicts_total",
				Help: "Versioned UPDATEs that affected zero rows, by operation.",
			},
			[]string{"operation"},
		),
	}
}
