// Package metrics exposes Prometheus collectors for the alt-text service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "alttextpro"

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route"},
	)

	// GenerationsTotal counts generation attempts by outcome label
	// (success, quota_exceeded, http_error, ...).
	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alttext",
			Name:      "generations_total",
			Help:      "Alt text generation attempts by outcome",
		},
		[]string{"outcome"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "alttext",
			Name:      "api_request_duration_seconds",
			Help:      "Latency of calls to the alt text API",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 25},
		},
		[]string{"status"},
	)

	FreeUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "quota",
			Name:      "free_usage",
			Help:      "Free-tier generations used in the current period",
		},
	)

	QuotaResetsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quota",
			Name:      "resets_total",
			Help:      "Number of free-tier counter resets",
		},
	)

	BulkJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bulk",
			Name:      "jobs_total",
			Help:      "Bulk regeneration jobs by final status",
		},
		[]string{"status"},
	)
)
