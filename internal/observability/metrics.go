package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wabridge_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	StatusCallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wabridge_status_callbacks_total", Help: "Backend status callback results"},
		[]string{"result"},
	)
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wabridge_webhook_deliveries_total", Help: "Per-session webhook delivery results"},
		[]string{"result"},
	)
	EventEnqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wabridge_event_enqueues_total", Help: "SQS inbound-message enqueue results"},
		[]string{"result"},
	)
	Sends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wabridge_sends_total", Help: "Outbound send outcomes"},
		[]string{"result"},
	)
	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "wabridge_send_latency_seconds", Help: "Outbound send latency"},
	)
	LivenessFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "wabridge_liveness_failures_total", Help: "Liveness checks that forced a disconnect"},
	)
	Evictions = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "wabridge_evictions_total", Help: "Idle session records evicted"},
	)
	Sessions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "wabridge_sessions", Help: "Session records currently registered"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, StatusCallbacks, WebhookDeliveries, EventEnqueues,
		Sends, SendLatency, LivenessFailures, Evictions, Sessions)
}
