package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type cacheMetrics struct {
	writes *prometheus.CounterVec
}

var (
	cacheMetricsOnce sync.Once
	cacheRegistry    *cacheMetrics
)

// Cache returns the metrics registry tracking entity cache writes.
func Cache() *cacheMetrics {
	cacheMetricsOnce.Do(func() {
		cacheRegistry = &cacheMetrics{
			writes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lend",
				Subsystem: "cache",
				Name:      "writes_total",
				Help:      "Count of entity cache writes segmented by entity type and result.",
			}, []string{"entity", "result"}),
		}
		prometheus.MustRegister(cacheRegistry.writes)
	})
	return cacheRegistry
}

// RecordWrite increments the write counter. result is "stored",
// "skipped_older" or "rejected_regression".
func (m *cacheMetrics) RecordWrite(entity, result string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(entity))
	if normalized == "" {
		normalized = "unknown"
	}
	m.writes.WithLabelValues(normalized, labelOr(result, "unknown")).Inc()
}
