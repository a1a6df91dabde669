package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session lifecycle metrics
var (
	// SessionsActive tracks the number of sessions in the registry
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "supervisor_sessions_active",
			Help: "Number of live sessions",
		},
	)

	// SessionsStarted tracks started sessions by application key
	SessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_sessions_started_total",
			Help: "Total started sessions by application",
		},
		[]string{"app"},
	)

	// SessionsTerminated tracks terminated sessions by reason
	SessionsTerminated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_sessions_terminated_total",
			Help: "Total terminated sessions by reason",
		},
		[]string{"reason"},
	)

	// StartRejections tracks refused session starts by reason
	StartRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_session_start_rejections_total",
			Help: "Total refused session starts by reason (capacity, rate_limited, invalid_application, spawn_failure)",
		},
		[]string{"reason"},
	)

	// SessionDuration tracks how long sessions live
	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "supervisor_session_duration_seconds",
			Help:    "Session lifetime in seconds by termination reason",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"reason"},
	)
)

// Stream metrics
var (
	// OutputChunks tracks output chunks read from child processes by stream
	OutputChunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_output_chunks_total",
			Help: "Total output chunks read from child processes by stream",
		},
		[]string{"stream"},
	)

	// InputLines tracks input lines written to child processes
	InputLines = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supervisor_input_lines_total",
			Help: "Total input lines delivered to child processes",
		},
	)

	// StreamConnections tracks open WebSocket connections
	StreamConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_stream_connections",
			Help: "Number of open WebSocket stream connections",
		},
	)
)

// Rejection reasons
const (
	RejectCapacity           = "capacity"
	RejectRateLimited        = "rate_limited"
	RejectInvalidApplication = "invalid_application"
	RejectSpawnFailure       = "spawn_failure"
)
