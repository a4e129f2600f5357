// Package metrics declares the prometheus collectors exposed by the server
// binary, scoped to what the mail platform's components actually emit:
// connection lifecycle, authentication outcomes, database query timings,
// content-store operations, and relay delivery attempts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics (SR)
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailstack_connections_total",
			Help: "Total number of connections established",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailstack_connections_current",
			Help: "Current number of active connections",
		},
		[]string{"protocol"},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailstack_connections_rejected_total",
			Help: "Total number of connections rejected by the admission limiter",
		},
		[]string{"protocol", "reason"}, // reason: limit (global and per-IP alike)
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailstack_connection_duration_seconds",
			Help:    "Duration of connections in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	ConnectionTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailstack_connection_timeouts_total",
			Help: "Total number of connections closed for idle or absolute timeout",
		},
		[]string{"protocol", "reason"}, // reason: idle, total
	)
)

// Authentication metrics (AM)
var (
	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailstack_authentication_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"protocol", "mechanism", "result"}, // mechanism: plain, login, pass (POP3 USER/PASS), apop; result: success, failure
	)
)

// Database metrics (DS)
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailstack_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status", "role"}, // role: read, write
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailstack_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation", "role"},
	)
)

// Content store metrics (CM)
var (
	ContentOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailstack_content_operations_total",
			Help: "Total number of content store operations",
		},
		[]string{"operation", "result"}, // operation: put, get, delete
	)

	ContentOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailstack_content_operation_duration_seconds",
			Help:    "Duration of content store operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"operation"},
	)

	ContentBytesStored = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailstack_content_bytes_stored",
			Help: "Approximate total bytes currently held in the content store",
		},
	)
)

// SMTP/POP3 protocol metrics (SSE/PSE)
var (
	SMTPCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailstack_smtp_commands_total",
			Help: "Total number of SMTP commands processed",
		},
		[]string{"command", "result"},
	)

	POP3CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailstack_pop3_commands_total",
			Help: "Total number of POP3 commands processed",
		},
		[]string{"command", "result"},
	)

	MessagesAcceptedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailstack_messages_accepted_total",
			Help: "Total number of inbound messages accepted and persisted",
		},
		[]string{"result"}, // accepted, duplicate, rejected
	)
)

// Relay/client metrics (SCE)
var (
	RelayDeliveryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailstack_relay_delivery_total",
			Help: "Total number of outbound relay delivery attempts",
		},
		[]string{"result"}, // success, permanent_failure, transient_failure
	)

	RelayDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailstack_relay_delivery_duration_seconds",
			Help:    "Duration of outbound relay delivery attempts in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		},
		[]string{"result"},
	)

	RelayCircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailstack_relay_circuit_breaker_state",
			Help: "Circuit breaker state per relay endpoint (0=closed, 1=half_open, 2=open)",
		},
		[]string{"endpoint"},
	)
)
