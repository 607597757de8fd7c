package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// proxiedRequests counts forwarded requests by upstream, kind and outcome
	proxiedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracer_proxied_requests_total",
		Help: "Requests forwarded to an upstream by kind (generation, passthrough) and outcome",
	}, []string{"upstream", "kind", "outcome"})

	// upstreamDuration tracks upstream round trips for generation requests
	upstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tracer_upstream_duration_seconds",
		Help:    "Upstream round trip of generation requests in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
	}, []string{"upstream"})

	// leaseWait tracks time spent waiting for the log region
	leaseWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tracer_lease_wait_seconds",
		Help:    "Time generation requests waited for the rejection log region",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"upstream"})

	// tracesTotal counts analyzed traces by status
	tracesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracer_traces_total",
		Help: "Traces analyzed by upstream and status (ok, error, panic, abandoned)",
	}, []string{"upstream", "status"})

	// traceWarnings counts validation warnings by code
	traceWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracer_trace_warnings_total",
		Help: "Warnings recorded on traces by code",
	}, []string{"upstream", "code"})

	// traceSteps tracks generated steps per trace
	traceSteps = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tracer_trace_steps",
		Help:    "Generation steps per trace",
		Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 4000},
	})

	// traceRejectionRate tracks the share of steps where the grammar rejected
	traceRejectionRate = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tracer_trace_rejection_rate",
		Help:    "Rejected steps divided by total steps per trace",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})

	// gatewayLoad exposes the monitoring counters
	gatewayLoad = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tracer_gateway_requests",
		Help: "Generation requests waiting for or holding the log region",
	}, []string{"upstream", "state"})
)
