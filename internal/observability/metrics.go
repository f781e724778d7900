// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Vault lifecycle metrics
	VaultOperations        *prometheus.CounterVec
	VaultOperationDuration *prometheus.HistogramVec
	VaultsClosed           prometheus.Counter

	// Adapter metrics
	AdapterCalls *prometheus.CounterVec

	// Mirror metrics
	MirrorChecks        *prometheus.CounterVec
	MirrorWatchedVaults prometheus.Gauge
	HighestSlotSeen     prometheus.Gauge

	// Latency metrics
	RPCCallLatency   *prometheus.HistogramVec
	WSMessageLatency prometheus.Histogram

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "yield_vault"
	}

	return &Metrics{
		VaultOperations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "operations_total",
			Help:      "Total number of vault operations by operation and status",
		}, []string{"operation", "status"}),
		VaultOperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "operation_duration_seconds",
			Help:      "Vault operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		VaultsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "closed_total",
			Help:      "Total number of vaults closed by withdraw",
		}),

		AdapterCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "calls_total",
			Help:      "Total number of protocol adapter calls by protocol, call and status",
		}, []string{"protocol", "call", "status"}),

		MirrorChecks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "checks_total",
			Help:      "Total number of mirrored vault checks by resulting state",
		}, []string{"state"}),
		MirrorWatchedVaults: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "watched_vaults",
			Help:      "Current number of vault accounts subscribed to",
		}),
		HighestSlotSeen: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "highest_slot_seen",
			Help:      "Highest Solana slot number seen in account notifications",
		}),

		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "rpc_call_latency_seconds",
			Help:      "Solana RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		WSMessageLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "ws_message_latency_seconds",
			Help:      "WebSocket message processing latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of API requests by route and status code",
		}, []string{"route", "code"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// kinded is implemented by errors that carry a failure class.
type kinded interface {
	ErrorKind() string
}

func status(err error) string {
	if err == nil {
		return "ok"
	}
	var k kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return "error"
}

// RecordVaultOperation records a vault lifecycle operation.
func RecordVaultOperation(operation string, err error, seconds float64) {
	DefaultMetrics.VaultOperations.WithLabelValues(operation, status(err)).Inc()
	DefaultMetrics.VaultOperationDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordVaultClosed increments the closed vaults counter.
func RecordVaultClosed() {
	DefaultMetrics.VaultsClosed.Inc()
}

// RecordAdapterCall records one protocol adapter call.
func RecordAdapterCall(protocol, call string, err error) {
	DefaultMetrics.AdapterCalls.WithLabelValues(protocol, call, status(err)).Inc()
}

// RecordMirrorCheck records the state a mirrored vault was found in.
func RecordMirrorCheck(state string) {
	DefaultMetrics.MirrorChecks.WithLabelValues(state).Inc()
}

// UpdateWatchedVaults updates the subscribed vaults gauge.
func UpdateWatchedVaults(n int) {
	DefaultMetrics.MirrorWatchedVaults.Set(float64(n))
}

// UpdateHighestSlot updates the highest slot seen gauge.
func UpdateHighestSlot(slot uint64) {
	DefaultMetrics.HighestSlotSeen.Set(float64(slot))
}

// RecordRPCLatency records RPC call latency.
func RecordRPCLatency(method string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
}

// RecordWSMessage records WebSocket message handling latency.
func RecordWSMessage(seconds float64) {
	DefaultMetrics.WSMessageLatency.Observe(seconds)
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}

// RecordHTTPRequest records an API request outcome.
func RecordHTTPRequest(route string, code int) {
	DefaultMetrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
