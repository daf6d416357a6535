package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shehryarbajwa/eus-proxy/internal/metrics"
	"github.com/shehryarbajwa/eus-proxy/internal/ratelimit"
)

// RouteOptions carries the collaborators mounted next to the session routes
type RouteOptions struct {
	Observer http.Handler
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics

	// Limiter is optional; nil disables create rate limiting
	Limiter      *ratelimit.Limiter
	LimitPerHour int
}

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(opts RouteOptions) *mux.Router {
	r := mux.NewRouter()

	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	api := r.PathPrefix(h.prefix).Subrouter()

	api.HandleFunc("/status", h.Status).Methods("GET")
	if opts.Observer != nil {
		api.Handle("/eus-ws", opts.Observer).Methods("GET")
	}

	// Everything else is WebDriver traffic (create rate limited)
	wd := api.PathPrefix("/").Subrouter()
	if opts.Limiter != nil {
		wd.Use(RateLimitMiddleware(opts.Limiter, h.prefix, opts.LimitPerHour))
	}
	wd.PathPrefix("/").HandlerFunc(h.Session)

	r.Use(corsMiddleware)
	if opts.Metrics != nil {
		r.Use(MetricsMiddleware(opts.Metrics))
	}

	return r
}
