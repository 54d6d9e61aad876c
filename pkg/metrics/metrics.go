package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "symphony_nodes_total",
			Help: "Number of known nodes by liveness state",
		},
		[]string{"state"},
	)

	DeploymentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "symphony_deployments_total",
			Help: "Number of deployments by current state",
		},
		[]string{"state"},
	)

	// Scheduler metrics
	PlacementsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "symphony_placements_total",
			Help: "Total number of committed placements",
		},
	)

	PlacementFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symphony_placement_failures_total",
			Help: "Total number of failed placement attempts by reason",
		},
		[]string{"reason"},
	)

	// Reconciler metrics
	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "symphony_reconcile_cycles_total",
			Help: "Total number of reconcile cycles",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "symphony_reconcile_duration_seconds",
			Help:    "Reconcile cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CommandTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "symphony_command_timeouts_total",
			Help: "Total number of node commands reissued after ack timeout",
		},
	)

	// Stream fan-out metrics
	LogFanoutDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "symphony_log_fanout_dropped_total",
			Help: "Total number of log entries dropped for slow consumers",
		},
	)

	EventFanoutDropped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "symphony_event_fanout_dropped_total",
			Help: "Total number of cluster events dropped for slow consumers",
		},
	)

	// Session metrics
	SessionsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symphony_sessions_closed_total",
			Help: "Total number of node sessions closed by reason",
		},
		[]string{"reason"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symphony_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "symphony_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(DeploymentsTotal)
	prometheus.MustRegister(PlacementsTotal)
	prometheus.MustRegister(PlacementFailuresTotal)
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(CommandTimeoutsTotal)
	prometheus.MustRegister(LogFanoutDroppedTotal)
	prometheus.MustRegister(EventFanoutDropped)
	prometheus.MustRegister(SessionsClosedTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
