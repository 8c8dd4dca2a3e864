// Package metrics holds the Prometheus collectors for tether.
//
// Collectors are package-level and registered with the default registry in
// init, so any component can record without plumbing a registry through.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Settlement outcomes.
const (
	OutcomeResolved    = "resolved"
	OutcomeRemoteError = "remote_error"
	OutcomeTimeout     = "timeout"
	OutcomeClosed      = "closed"
	OutcomeCancelled   = "cancelled"
)

// Validation directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

var (
	// Correlator metrics
	PendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tether_pending_requests",
			Help: "Number of requests awaiting a response",
		},
	)

	Settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_settlements_total",
			Help: "Total number of settled requests by outcome",
		},
		[]string{"outcome"},
	)

	// Envelope metrics
	ValidationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_validation_failures_total",
			Help: "Total number of envelopes rejected by the contract, by direction",
		},
		[]string{"direction"},
	)

	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_frames_total",
			Help: "Total number of valid frames by direction and kind",
		},
		[]string{"direction", "kind"},
	)

	// Session metrics
	ConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tether_connection_state",
			Help: "Current connection state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	ReconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tether_reconnect_attempts_total",
			Help: "Total number of scheduled reconnect attempts that fired",
		},
	)

	// Applier metrics
	BatchesApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_batches_applied_total",
			Help: "Total number of replica batches by result",
		},
		[]string{"result"},
	)

	BatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tether_batch_apply_duration_seconds",
			Help:    "Time taken to apply one batch to the replica in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(PendingRequests)
	prometheus.MustRegister(Settlements)
	prometheus.MustRegister(ValidationFailures)
	prometheus.MustRegister(FramesTotal)
	prometheus.MustRegister(ConnectionState)
	prometheus.MustRegister(ReconnectAttempts)
	prometheus.MustRegister(BatchesApplied)
	prometheus.MustRegister(BatchDuration)
}

// SetConnectionState marks state as the active connection state.
func SetConnectionState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
