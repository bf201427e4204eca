// Package metrics provides Prometheus metrics for the Sundew service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsReceivedTotal tracks received deliveries by transport and outcome
	EventsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sundew",
			Subsystem: "ingest",
			Name:      "events_received_total",
			Help:      "Total number of inbound deliveries by transport and status",
		},
		[]string{"transport", "status"},
	)

	// PayloadShapesTotal tracks how payloads classified during normalization
	PayloadShapesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sundew",
			Subsystem: "ingest",
			Name:      "payload_shapes_total",
			Help:      "Total number of normalized payloads by detected shape",
		},
		[]string{"shape"},
	)

	// MessagesWrittenTotal tracks message writes split by created vs deduplicated
	MessagesWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sundew",
			Subsystem: "ingest",
			Name:      "messages_written_total",
			Help:      "Total number of message writes by result",
		},
		[]string{"result"},
	)

	// PipelineDuration tracks end-to-end pipeline processing time
	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sundew",
			Subsystem: "ingest",
			Name:      "pipeline_duration_seconds",
			Help:      "Duration of normalize, write and reconcile per event",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	// ReconciliationsTotal tracks contact reconciliation outcomes
	ReconciliationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sundew",
			Subsystem: "reconcile",
			Name:      "contacts_total",
			Help:      "Total number of contact reconciliations by outcome",
		},
		[]string{"outcome"},
	)

	// SideEffectFailuresTotal tracks best-effort side effects that failed
	SideEffectFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sundew",
			Subsystem: "reconcile",
			Name:      "side_effect_failures_total",
			Help:      "Total number of failed best-effort side effects",
		},
		[]string{"effect"},
	)

	// PairingReissuesTotal tracks QR codes reissued by the refresh loop
	PairingReissuesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sundew",
			Subsystem: "connection",
			Name:      "pairing_reissues_total",
			Help:      "Total number of pairing codes reissued after expiry",
		},
	)

	// ChannelStatusTransitionsTotal tracks channel state changes
	ChannelStatusTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sundew",
			Subsystem: "connection",
			Name:      "status_transitions_total",
			Help:      "Total number of channel status transitions",
		},
		[]string{"status"},
	)

	// StreamFallbacksTotal tracks live-stream dials that fell back to the
	// secondary endpoint
	StreamFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sundew",
			Subsystem: "stream",
			Name:      "fallbacks_total",
			Help:      "Total number of stream dials that used the fallback endpoint",
		},
	)

	// StreamsActive tracks currently connected live streams
	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sundew",
			Subsystem: "stream",
			Name:      "active",
			Help:      "Number of live event streams currently connected",
		},
	)

	// GatewayRequestsTotal tracks outbound gateway API requests
	GatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sundew",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Total number of outbound gateway requests",
		},
		[]string{"operation", "status_code"},
	)
)
