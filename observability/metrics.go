package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	chainMetricsOnce sync.Once
	chainRegistry    *ChainMetrics

	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics

	flowMetricsOnce sync.Once
	flowRegistry    *FlowMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// API activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lend",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lend",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lend",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lend",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// ChainMetrics captures node RPC traffic issued by the chain client.
type ChainMetrics struct {
	calls     *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	batchSize prometheus.Histogram
	receipts  *prometheus.CounterVec
}

// Chain returns the singleton metrics registry for node RPC calls.
func Chain() *ChainMetrics {
	chainMetricsOnce.Do(func() {
		chainRegistry = &ChainMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lend",
				Subsystem: "chain",
				Name:      "calls_total",
				Help:      "Count of node RPC operations segmented by kind, method and outcome.",
			}, []string{"kind", "method", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lend",
				Subsystem: "chain",
				Name:      "call_duration_seconds",
				Help:      "Latency distribution for node RPC operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"kind"}),
			batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "lend",
				Subsystem: "chain",
				Name:      "batch_size",
				Help:      "Number of view calls folded into one batched read.",
				Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
			}),
			receipts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lend",
				Subsystem: "chain",
				Name:      "receipts_total",
				Help:      "Count of mined transactions segmented by receipt status.",
			}, []string{"status"}),
		}
		prometheus.MustRegister(
			chainRegistry.calls,
			chainRegistry.latency,
			chainRegistry.batchSize,
			chainRegistry.receipts,
		)
	})
	return chainRegistry
}

// Observe records a node RPC operation. kind is one of read, batch, simulate
// or submit.
func (m *ChainMetrics) Observe(kind, method string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	kind = labelOr(kind, "unknown")
	method = labelOr(method, "unknown")
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.calls.WithLabelValues(kind, method, outcome).Inc()
	m.latency.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveBatch records the size of a batched read.
func (m *ChainMetrics) ObserveBatch(size int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(size))
}

// RecordReceipt counts a mined receipt as success or reverted.
func (m *ChainMetrics) RecordReceipt(success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "reverted"
	}
	m.receipts.WithLabelValues(status).Inc()
}

// OracleMetrics bundles collectors for price and exchange rate freshness.
type OracleMetrics struct {
	price     *prometheus.GaugeVec
	freshness *prometheus.GaugeVec
	stale     *prometheus.CounterVec
	refreshes *prometheus.CounterVec
}

// Oracle returns the metrics registry for oracle reads.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			price: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lend",
				Subsystem: "oracle",
				Name:      "price_usd",
				Help:      "Last observed oracle value in USD (prices) or units per USD (rates).",
			}, []string{"feed", "asset"}),
			freshness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lend",
				Subsystem: "oracle",
				Name:      "age_seconds",
				Help:      "Age in seconds of the last observed oracle update.",
			}, []string{"feed", "asset"}),
			stale: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lend",
				Subsystem: "oracle",
				Name:      "stale_reads_total",
				Help:      "Count of oracle reads that returned a stale or unavailable value.",
			}, []string{"feed", "asset", "reason"}),
			refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lend",
				Subsystem: "oracle",
				Name:      "refreshes_total",
				Help:      "Count of privileged oracle refresh attempts segmented by outcome.",
			}, []string{"feed", "outcome"}),
		}
		prometheus.MustRegister(
			oracleRegistry.price,
			oracleRegistry.freshness,
			oracleRegistry.stale,
			oracleRegistry.refreshes,
		)
	})
	return oracleRegistry
}

// RecordObservation records value (8-decimal fixed point) and age for a feed.
func (m *OracleMetrics) RecordObservation(feed, asset string, value *big.Int, age time.Duration) {
	if m == nil {
		return
	}
	feed = labelOr(feed, "unknown")
	label := labelAsset(asset)
	m.price.WithLabelValues(feed, label).Set(bigToFloat(value) / 1e8)
	m.freshness.WithLabelValues(feed, label).Set(age.Seconds())
}

// RecordStale increments the unhealthy read counter. reason is "age", "revert",
// "deviation" or "unavailable".
func (m *OracleMetrics) RecordStale(feed, asset, reason string) {
	if m == nil {
		return
	}
	m.stale.WithLabelValues(labelOr(feed, "unknown"), labelAsset(asset), labelOr(reason, "unspecified")).Inc()
}

// RecordRefresh counts a refresh attempt.
func (m *OracleMetrics) RecordRefresh(feed string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.refreshes.WithLabelValues(labelOr(feed, "unknown"), outcome).Inc()
}

// FlowMetrics tracks user-facing transaction flows.
type FlowMetrics struct {
	outcomes    *prometheus.CounterVec
	transitions *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

// Flows returns the metrics registry for transaction flows.
func Flows() *FlowMetrics {
	flowMetricsOnce.Do(func() {
		flowRegistry = &FlowMetrics{
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lend",
				Subsystem: "flow",
				Name:      "outcomes_total",
				Help:      "Count of transaction flow outcomes segmented by flow and outcome.",
			}, []string{"flow", "outcome"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lend",
				Subsystem: "flow",
				Name:      "approval_transitions_total",
				Help:      "Count of approval state machine transitions.",
			}, []string{"from", "to"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lend",
				Subsystem: "flow",
				Name:      "duration_seconds",
				Help:      "Time from preflight to confirmed receipt.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
			}, []string{"flow"}),
		}
		prometheus.MustRegister(
			flowRegistry.outcomes,
			flowRegistry.transitions,
			flowRegistry.latency,
		)
	})
	return flowRegistry
}

// ObserveOutcome records how a flow ended and how long it took.
func (m *FlowMetrics) ObserveOutcome(flow, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	flow = labelOr(flow, "unknown")
	m.outcomes.WithLabelValues(flow, labelOr(outcome, "unknown")).Inc()
	m.latency.WithLabelValues(flow).Observe(duration.Seconds())
}

// RecordTransition counts an approval state change.
func (m *FlowMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(labelOr(from, "unknown"), labelOr(to, "unknown")).Inc()
}

func labelOr(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
