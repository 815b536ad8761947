package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connections tracks open websocket connections.
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connections",
			Help: "Number of open websocket connections",
		},
	)

	// ChannelMembers tracks channel membership by channel kind (dashboard or device).
	ChannelMembers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtime_channel_members",
			Help: "Channel memberships by channel kind",
		},
		[]string{"kind"},
	)

	// Envelopes counts envelopes handed to subscribers by event type.
	Envelopes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_envelopes_total",
			Help: "Envelopes delivered to subscribers by event type",
		},
		[]string{"type"},
	)

	// DroppedFrames counts envelopes dropped because a client queue was full or closed.
	DroppedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_dropped_frames_total",
			Help: "Envelopes dropped for slow or closed connections",
		},
	)

	// TelemetryTicks counts generator ticks by kind (telemetry or status).
	TelemetryTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_telemetry_ticks_total",
			Help: "Simulation ticks by kind",
		},
		[]string{"kind"},
	)

	// GenerationErrors counts devices skipped during a tick.
	GenerationErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_generation_errors_total",
			Help: "Per-device generation errors that were skipped",
		},
	)

	// Commands counts dispatched commands by outcome.
	Commands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_commands_total",
			Help: "Dispatched device commands by status",
		},
		[]string{"status"},
	)

	// CommandDuration tracks synthetic command execution time.
	CommandDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "realtime_command_execution_seconds",
			Help:    "Synthetic command execution time",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 11),
		},
	)

	// FirmwareUpdates tracks active firmware updates.
	FirmwareUpdates = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_firmware_updates",
			Help: "Firmware updates currently in progress",
		},
	)

	// BridgeMessages counts cross-process relay traffic by direction and outcome.
	BridgeMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_bridge_messages_total",
			Help: "Redis bridge messages by direction and result",
		},
		[]string{"direction", "result"},
	)
)
