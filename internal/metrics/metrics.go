// Package metrics registers flowgate's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Poll loop metrics
var (
	// UnitsTotal counts ProcessOne calls by loop and outcome (processed, idle, error).
	UnitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowgate_units_total",
			Help: "Units of work attempted by poll loops",
		},
		[]string{"loop", "outcome"},
	)

	UnitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowgate_unit_duration_seconds",
			Help:    "Duration of one unit of work",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"loop"},
	)

	LoopWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowgate_loop_workers",
			Help: "Running poll loop goroutines",
		},
		[]string{"loop"},
	)
)

// Workflow metrics
var (
	// TransitionsTotal counts state machine edges taken.
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowgate_transitions_total",
			Help: "Workflow state transitions",
		},
		[]string{"from", "to"},
	)

	// SideEffectsTotal counts dispatcher outcomes (sent, failed, duplicate, none).
	SideEffectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowgate_side_effects_total",
			Help: "Side effects executed by the dispatcher",
		},
		[]string{"action", "outcome"},
	)

	LedgerAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowgate_ledger_appends_total",
			Help: "Events appended to the ledger outside claims",
		},
		[]string{"event_type"},
	)

	CollaboratorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowgate_collaborator_duration_seconds",
			Help:    "Latency of classifier, mailer and issue tracker calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collaborator"},
	)
)

// API metrics
var (
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowgate_api_requests_total",
			Help: "HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowgate_api_request_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
