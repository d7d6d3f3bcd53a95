package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Labels stay low-cardinality: event types, paths and reasons. camera_id is allowed
// because an edge node serves a bounded handful of cameras.

var (
	// RuleEventsTotal counts candidate events produced by the rule evaluator
	RuleEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_rule_events_total",
			Help: "Candidate events produced by rule evaluation",
		},
		[]string{"event_type"},
	)

	// ConfirmDecisionsTotal counts confirm gate outcomes
	ConfirmDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_confirm_decisions_total",
			Help: "Confirm gate decisions by outcome",
		},
		[]string{"outcome"},
	)

	// PublishTotal counts publish outcomes by delivery path
	PublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_publish_total",
			Help: "Publish outcomes by path (live, http, outbox, duplicate, suppressed)",
		},
		[]string{"path"},
	)

	// EventsDroppedTotal counts events lost because every delivery path failed
	EventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_events_dropped_total",
			Help: "Events dropped after live, fallback and outbox all failed",
		},
		[]string{"reason"},
	)

	// OutboxRows reports outbox rows by status
	OutboxRows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edge_outbox_rows",
			Help: "Outbox rows by status",
		},
		[]string{"status"},
	)

	// OutboxFlushTotal counts flusher delivery attempts by result
	OutboxFlushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_outbox_flush_total",
			Help: "Outbox redelivery attempts by result (sent, retry, dead)",
		},
		[]string{"result"},
	)

	// OutboxEvictedTotal counts rows evicted to honour the queue cap
	OutboxEvictedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edge_outbox_evicted_total",
			Help: "Outbox rows evicted oldest-first at capacity",
		},
	)

	// FramesTotal counts frames handed to the pipeline
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_frames_total",
			Help: "Frames processed per camera",
		},
		[]string{"camera_id"},
	)

	// FrameErrorsTotal counts per-frame stage failures
	FrameErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_frame_errors_total",
			Help: "Per-frame failures by stage (detect, evaluate, publish, panic)",
		},
		[]string{"camera_id", "stage"},
	)

	// SourceReconnectsTotal counts video source reopen attempts
	SourceReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_source_reconnects_total",
			Help: "Video source reconnect attempts",
		},
		[]string{"camera_id"},
	)

	// CameraStallsTotal counts stall episodes detected by the watchdog
	CameraStallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_camera_stalls_total",
			Help: "Stall episodes detected by the watchdog",
		},
		[]string{"camera_id"},
	)

	// CameraFrameAge reports the last observed frame age in seconds
	CameraFrameAge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edge_camera_frame_age_seconds",
			Help: "Seconds since the camera's last frame",
		},
		[]string{"camera_id"},
	)

	// BrokerConnected is 1 while the live transport is connected
	BrokerConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edge_broker_connected",
			Help: "Live broker connection status (1=connected, 0=disconnected)",
		},
	)
)

// Helper functions for metrics recording

func RecordRuleEvent(eventType string) {
	RuleEventsTotal.WithLabelValues(eventType).Inc()
}

func RecordConfirm(confirmed bool) {
	if confirmed {
		ConfirmDecisionsTotal.WithLabelValues("confirmed").Inc()
		return
	}
	ConfirmDecisionsTotal.WithLabelValues("suppressed").Inc()
}

func RecordPublish(path string) {
	PublishTotal.WithLabelValues(path).Inc()
}

func RecordDropped(reason string) {
	EventsDroppedTotal.WithLabelValues(reason).Inc()
}

func SetOutboxRows(pending, sent, dead int) {
	OutboxRows.WithLabelValues("pending").Set(float64(pending))
	OutboxRows.WithLabelValues("sent").Set(float64(sent))
	OutboxRows.WithLabelValues("dead").Set(float64(dead))
}

func SetBrokerConnected(connected bool) {
	if connected {
		BrokerConnected.Set(1)
		return
	}
	BrokerConnected.Set(0)
}
