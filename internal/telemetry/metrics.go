// Package telemetry exposes the control plane's Prometheus metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	NodesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_nodes_online",
		Help: "Number of nodes currently reporting heartbeats as online.",
	})
	NodesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_nodes_by_status",
		Help: "Number of nodes in each health status.",
	}, []string{"status"})
	HeartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_heartbeats_total",
		Help: "Total number of heartbeats processed by outcome.",
	}, []string{"status"})
	HeartbeatProcessDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_heartbeat_process_duration_seconds",
		Help:    "Duration of heartbeat processing, end to end.",
		Buckets: prometheus.DefBuckets,
	})
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_commands_total",
		Help: "Total number of dispatched commands by type and outcome.",
	}, []string{"type", "status"})
	CommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_command_duration_seconds",
		Help:    "Duration of command dispatch round-trips.",
		Buckets: prometheus.DefBuckets,
	})
	ConsoleLinesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_console_lines_total",
		Help: "Total number of console lines ingested, by server.",
	}, []string{"server"})
	ConsoleSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_console_subscribers",
		Help: "Number of currently connected console subscriber sockets.",
	})
	ConsoleDroppedLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_console_dropped_lines_total",
		Help: "Total number of console lines dropped due to subscriber backpressure.",
	})
	CertIssuancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_cert_issuances_total",
		Help: "Total number of certificate operations by kind.",
	}, []string{"op"})
	EnrollmentTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_enrollment_tokens_total",
		Help: "Total number of enrollment token operations by outcome.",
	}, []string{"outcome"})
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_http_request_duration_seconds",
		Help:    "Duration of HTTP requests by method, route, and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
