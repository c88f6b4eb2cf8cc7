package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caredesk_gateway_requests_total",
			Help: "Total number of backend requests",
		},
		[]string{"op", "status"},
	)

	GatewayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "caredesk_gateway_request_duration_seconds",
			Help: "Backend request duration in seconds",
		},
		[]string{"op"},
	)

	Turns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caredesk_turns_total",
			Help: "User turns by outcome",
		},
		[]string{"outcome"},
	)

	RealtimeState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "caredesk_realtime_state",
			Help: "Realtime voice phase (0 idle, 1 connecting, 2 connected, 3 disconnecting)",
		},
	)

	CaptureClips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caredesk_capture_clips_total",
			Help: "Push-to-talk clips by outcome",
		},
		[]string{"outcome"},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caredesk_notifications_total",
			Help: "User-facing notifications by level",
		},
		[]string{"level"},
	)
)
