// Package metrics exposes Prometheus collectors for connection health and the
// node daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProbesTotal counts liveness probes against the daemon by result (success, failure).
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterlink_probes_total",
			Help: "Total number of daemon liveness probes",
		},
		[]string{"cluster", "result"},
	)

	// RestartsTotal counts daemon restart sequences by result.
	RestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterlink_restarts_total",
			Help: "Total number of remote daemon restarts",
		},
		[]string{"cluster", "result"},
	)

	// StateTransitions counts health state changes by target state.
	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterlink_state_transitions_total",
			Help: "Total number of server state transitions",
		},
		[]string{"cluster", "to"},
	)

	TunnelsOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clusterlink_tunnels_opened_total",
			Help: "Total number of forward tunnels opened",
		},
	)

	// CommandsTotal counts remote shell commands by mode (key, password) and result.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterlink_remote_commands_total",
			Help: "Total number of remote shell commands executed",
		},
		[]string{"mode", "result"},
	)

	// DaemonRequests counts control protocol requests served by the node daemon.
	DaemonRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterlinkd_requests_total",
			Help: "Total number of control protocol requests",
		},
		[]string{"route", "code"},
	)

	DaemonRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clusterlinkd_request_duration_seconds",
			Help:    "Control protocol request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

// Result maps an error to the result label value.
func Result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
