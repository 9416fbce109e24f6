package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SignalingMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcstream_signaling_messages_total",
		Help: "Signaling messages by direction and name",
	}, []string{"direction", "name"}) // "in" | "out"

	SignalingConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcstream_signaling_connected",
		Help: "Number of open signaling connections",
	})

	ConnectionErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcstream_connection_errors_total",
		Help: "Errors reported to callers, by kind",
	}, []string{"kind"})

	AuthRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcstream_auth_retries_total",
		Help: "Subscriber authentication retries while waiting for a stream",
	})

	SessionsConnectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcstream_sessions_connected_total",
		Help: "Sessions that completed the description exchange",
	}, []string{"role"}) // "publish" | "subscribe"

	RenegotiationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcstream_renegotiations_total",
		Help: "Renegotiation rounds by result",
	}, []string{"result"})

	ViewerCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcstream_viewer_count",
		Help: "Last viewer count reported by the server",
	})

	ActiveProjections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcstream_active_projections",
		Help: "Remote sources currently projected onto local slots",
	})

	PendingProjections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcstream_pending_projections",
		Help: "Remote sources waiting for slot allocation",
	})

	ProjectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcstream_projections_total",
		Help: "Projection attempts by result",
	}, []string{"result"}) // "projected" | "timeout" | "failed" | "abandoned"

	InboundAudioChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcstream_inbound_audio_channels",
		Help: "Channel count detected on the inbound audio stream",
	})
)
