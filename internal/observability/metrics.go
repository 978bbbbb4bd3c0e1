// Package observability holds the Prometheus metrics of the ledger server
// and small Record helpers over a process-wide instance.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status labels of keeper runs.
const (
	RunSuccess = "success"
	RunFailure = "failure"
)

var (
	// network round trips: 5ms .. ~10s
	latencyBuckets = prometheus.ExponentialBuckets(0.005, 2, 12)
	// in-process work: 50µs .. ~1.6s
	fastBuckets = prometheus.ExponentialBuckets(0.00005, 2, 16)
)

// Metrics is one registered set of ledger metrics.
type Metrics struct {
	OperationsTotal   *prometheus.CounterVec   // operation, result
	OperationDuration *prometheus.HistogramVec // operation
	LamportsDeposited prometheus.Counter
	LamportsWithdrawn prometheus.Counter
	CommitConflicts   prometheus.Counter
	AdapterFailures   *prometheus.CounterVec // action
	ActivityErrors    prometheus.Counter

	KeeperRuns       *prometheus.CounterVec // status
	KeeperRebalanced prometheus.Counter
	KeeperSkipped    *prometheus.CounterVec // reason
	KeeperLastRun    prometheus.Gauge

	RPCLatency   *prometheus.HistogramVec // method
	WSDispatch   prometheus.Histogram
	WSReconnects prometheus.Counter

	HTTPRequests *prometheus.CounterVec   // method, route, status
	HTTPDuration *prometheus.HistogramVec // method, route

	DBDuration *prometheus.HistogramVec // database, operation
	DBErrors   *prometheus.CounterVec   // database, operation

	BuildInfo *prometheus.GaugeVec // version
}

// factory registers metrics under one namespace and subsystem.
type factory struct {
	f         promauto.Factory
	namespace string
	subsystem string
}

func (f factory) counter(name, help string) prometheus.Counter {
	return f.f.NewCounter(prometheus.CounterOpts{Namespace: f.namespace, Subsystem: f.subsystem, Name: name, Help: help})
}

func (f factory) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return f.f.NewCounterVec(prometheus.CounterOpts{Namespace: f.namespace, Subsystem: f.subsystem, Name: name, Help: help}, labels)
}

func (f factory) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return f.f.NewHistogram(prometheus.HistogramOpts{
		Namespace: f.namespace, Subsystem: f.subsystem, Name: name, Help: help, Buckets: buckets,
	})
}

func (f factory) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return f.f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: f.namespace, Subsystem: f.subsystem, Name: name, Help: help, Buckets: buckets,
	}, labels)
}

func (f factory) gauge(name, help string) prometheus.Gauge {
	return f.f.NewGauge(prometheus.GaugeOpts{Namespace: f.namespace, Subsystem: f.subsystem, Name: name, Help: help})
}

// NewMetrics registers a metric set with reg under namespace.
// Empty namespace means "defi_tools"; nil reg means the default registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "defi_tools"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	at := func(subsystem string) factory {
		return factory{f: promauto.With(reg), namespace: namespace, subsystem: subsystem}
	}

	ledger := at("ledger")
	keeper := at("scheduler")
	chain := at("solana")
	api := at("http")
	db := at("database")

	return &Metrics{
		OperationsTotal:   ledger.counterVec("operations_total", "Ledger operations by operation and result kind.", "operation", "result"),
		OperationDuration: ledger.histogramVec("operation_duration_seconds", "Ledger operation duration, retries included.", fastBuckets, "operation"),
		LamportsDeposited: ledger.counter("lamports_deposited_total", "Lamports credited by committed deposits."),
		LamportsWithdrawn: ledger.counter("lamports_withdrawn_total", "Lamports debited by committed withdrawals."),
		CommitConflicts:   ledger.counter("commit_conflicts_total", "Commits rejected for a stale revision."),
		AdapterFailures:   ledger.counterVec("adapter_failures_total", "Protocol adapter failures after commit, by action.", "action"),
		ActivityErrors:    ledger.counter("activity_errors_total", "Activity journal writes that failed."),

		KeeperRuns:       keeper.counterVec("runs_total", "Keeper sweeps by status.", "status"),
		KeeperRebalanced: keeper.counter("rebalanced_total", "Strategies rebalanced by the keeper."),
		KeeperSkipped:    keeper.counterVec("skipped_total", "Strategies the keeper left alone, by reason.", "reason"),
		KeeperLastRun:    at("health").gauge("last_successful_scheduler_run_timestamp", "Unix time of the last successful keeper sweep."),

		RPCLatency:   chain.histogramVec("rpc_call_latency_seconds", "Solana JSON-RPC call latency, retries included.", latencyBuckets, "method"),
		WSDispatch:   chain.histogram("ws_message_latency_seconds", "Time spent dispatching one websocket message.", fastBuckets),
		WSReconnects: chain.counter("ws_reconnects_total", "Websocket connections re-established."),

		HTTPRequests: api.counterVec("requests_total", "API requests by method, route and status.", "method", "route", "status"),
		HTTPDuration: api.histogramVec("request_duration_seconds", "API request duration.", latencyBuckets, "method", "route"),

		DBDuration: db.histogramVec("query_duration_seconds", "Store query duration.", latencyBuckets, "database", "operation"),
		DBErrors:   db.counterVec("query_errors_total", "Store queries that failed unexpectedly.", "database", "operation"),

		BuildInfo: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "build_info", Help: "Always 1; labelled with the running version.",
		}, []string{"version"}),
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics backs the Record helpers.
var DefaultMetrics = NewMetrics("", nil)

func RecordOperation(operation, result string, seconds float64) {
	DefaultMetrics.OperationsTotal.WithLabelValues(operation, result).Inc()
	DefaultMetrics.OperationDuration.WithLabelValues(operation).Observe(seconds)
}

func RecordDeposit(lamports uint64) { DefaultMetrics.LamportsDeposited.Add(float64(lamports)) }

func RecordWithdrawal(lamports uint64) { DefaultMetrics.LamportsWithdrawn.Add(float64(lamports)) }

func RecordCommitConflict() { DefaultMetrics.CommitConflicts.Inc() }

func RecordAdapterFailure(action string) { DefaultMetrics.AdapterFailures.WithLabelValues(action).Inc() }

func RecordActivityError() { DefaultMetrics.ActivityErrors.Inc() }

// RecordSchedulerRun counts a sweep; a RunSuccess also stamps the health gauge.
func RecordSchedulerRun(status string, unixSeconds int64) {
	DefaultMetrics.KeeperRuns.WithLabelValues(status).Inc()
	if status == RunSuccess {
		DefaultMetrics.KeeperLastRun.Set(float64(unixSeconds))
	}
}

func RecordSchedulerRebalanced() { DefaultMetrics.KeeperRebalanced.Inc() }

func RecordSchedulerSkipped(reason string) { DefaultMetrics.KeeperSkipped.WithLabelValues(reason).Inc() }

func RecordRPCLatency(method string, seconds float64) {
	DefaultMetrics.RPCLatency.WithLabelValues(method).Observe(seconds)
}

func RecordWSMessage(seconds float64) { DefaultMetrics.WSDispatch.Observe(seconds) }

func RecordWSReconnect() { DefaultMetrics.WSReconnects.Inc() }

func RecordHTTPRequest(method, route, status string, seconds float64) {
	DefaultMetrics.HTTPRequests.WithLabelValues(method, route, status).Inc()
	DefaultMetrics.HTTPDuration.WithLabelValues(method, route).Observe(seconds)
}

// RecordDBQuery observes a store query; a non-nil err also counts as a failure.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBErrors.WithLabelValues(database, operation).Inc()
	}
}

// SetBuildInfo publishes the running version.
func SetBuildInfo(version string) {
	DefaultMetrics.BuildInfo.Reset()
	DefaultMetrics.BuildInfo.WithLabelValues(version).Set(1)
}
