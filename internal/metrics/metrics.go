package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the proxy's Prometheus collectors
type Metrics struct {
	// Session metrics
	SessionsActive   prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsRemoved  prometheus.Counter
	SessionsTimedOut prometheus.Counter

	// Create path
	CreateRetries  prometheus.Counter
	CreateFailures *prometheus.CounterVec

	// Proxy metrics
	ProxiedRequests *prometheus.CounterVec

	// HTTP metrics
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics registers every collector with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "eus_sessions_active",
				Help: "Number of registered browser sessions",
			},
		),
		SessionsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "eus_sessions_created_total",
				Help: "Total number of browser sessions created",
			},
		),
		SessionsRemoved: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "eus_sessions_removed_total",
				Help: "Total number of browser sessions torn down",
			},
		),
		SessionsTimedOut: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "eus_sessions_timed_out_total",
				Help: "Total number of browser sessions reaped by the idle timeout",
			},
		),
		CreateRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "eus_create_retries_total",
				Help: "Total number of backends replaced after a failed create exchange",
			},
		),
		CreateFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eus_create_failures_total",
				Help: "Total number of failed session creations",
			},
			[]string{"code"},
		),
		ProxiedRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eus_proxied_requests_total",
				Help: "Total number of WebDriver requests handled",
			},
			[]string{"kind", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eus_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"method", "route", "status"},
		),
	}
}
