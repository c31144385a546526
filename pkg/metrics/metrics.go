package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry metrics
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "acn_agents_total",
			Help: "Total number of registered agents by status",
		},
		[]string{"status"},
	)

	AgentsOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "acn_agents_online",
			Help: "Number of agents with a live heartbeat key",
		},
	)

	SubnetsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "acn_subnets_total",
			Help: "Total number of subnets",
		},
	)

	// Gateway metrics
	TunnelsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "acn_tunnels_active",
			Help: "Number of open websocket tunnels",
		},
	)

	TunnelFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acn_tunnel_frames_total",
			Help: "Total tunnel frames by type and direction",
		},
		[]string{"type", "direction"},
	)

	// Routing metrics
	MessagesRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acn_messages_routed_total",
			Help: "Total point-to-point messages by outcome",
		},
		[]string{"outcome"},
	)

	BroadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acn_broadcasts_total",
			Help: "Total broadcasts by strategy",
		},
		[]string{"strategy"},
	)

	RouteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "acn_route_duration_seconds",
			Help:    "Point-to-point delivery duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DLQDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "acn_dlq_depth",
			Help: "Number of undelivered messages awaiting retry",
		},
	)

	// Task pool metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "acn_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	EscrowOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acn_escrow_operations_total",
			Help: "Escrow collaborator calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	RewardsReleasedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "acn_rewards_released_total",
			Help: "Total reward releases settled through the wallet",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acn_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "acn_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Webhook metrics
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acn_webhook_deliveries_total",
			Help: "Outbound webhook deliveries by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(AgentsOnline)
	prometheus.MustRegister(SubnetsTotal)
	prometheus.MustRegister(TunnelsActive)
	prometheus.MustRegister(TunnelFramesTotal)
	prometheus.MustRegister(MessagesRouted)
	prometheus.MustRegister(BroadcastsTotal)
	prometheus.MustRegister(RouteDuration)
	prometheus.MustRegister(DLQDepth)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(EscrowOperations)
	prometheus.MustRegister(RewardsReleasedTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(WebhookDeliveriesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time on a histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on a labeled histogram
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
