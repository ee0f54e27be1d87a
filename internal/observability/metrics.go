package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	activeSessions       prometheus.Gauge
	sessionWriteTotal    *prometheus.CounterVec
	sessionWriteDuration prometheus.Histogram

	memoryWriteTotal     *prometheus.CounterVec
	memoryWriteDuration  prometheus.Histogram
	memorySearchDuration prometheus.Histogram
	memoryVersionsTotal  prometheus.Gauge

	documentsIndexed prometheus.Gauge
	chunksIndexed    prometheus.Gauge
	syncTotal        *prometheus.CounterVec
	syncDuration     prometheus.Histogram
	searchDuration   prometheus.Histogram
	searchDegraded   prometheus.Counter

	embeddingCallTotal    *prometheus.CounterVec
	embeddingCallDuration prometheus.Histogram

	auditRecordsTotal prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current non-archived session count.",
				},
			),
			sessionWriteTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "session_write_total",
					Help: "Total session mutations by operation and status.",
				},
				[]string{"operation", "status"},
			),
			sessionWriteDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_write_duration_seconds",
					Help:    "Session mutation duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			memoryWriteTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_write_total",
					Help: "Total memory mutations by operation and status.",
				},
				[]string{"operation", "status"},
			),
			memoryWriteDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "memory_write_duration_seconds",
					Help:    "Memory mutation duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			memorySearchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "memory_search_duration_seconds",
					Help:    "Memory prefix search duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			memoryVersionsTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "memory_versions_total",
					Help: "Total memory version rows stored.",
				},
			),
			documentsIndexed: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "documents_indexed",
					Help: "Documents currently tracked by the index.",
				},
			),
			chunksIndexed: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "chunks_indexed",
					Help: "Chunks currently carrying embeddings.",
				},
			),
			syncTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "document_sync_total",
					Help: "Total document sync attempts by status.",
				},
				[]string{"status"},
			),
			syncDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "document_sync_duration_seconds",
					Help:    "Document sync duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			searchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "hybrid_search_duration_seconds",
					Help:    "Hybrid search duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			searchDegraded: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "hybrid_search_degraded_total",
					Help: "Hybrid searches served exact-only due to provider failure.",
				},
			),
			embeddingCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "embedding_call_total",
					Help: "Total embedding provider calls by status.",
				},
				[]string{"status"},
			),
			embeddingCallDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "embedding_call_duration_seconds",
					Help:    "Embedding provider call duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			auditRecordsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "audit_records_total",
					Help: "Total audit records written.",
				},
			),
		}

		prometheus.MustRegister(
			m.activeSessions,
			m.sessionWriteTotal,
			m.sessionWriteDuration,
			m.memoryWriteTotal,
			m.memoryWriteDuration,
			m.memorySearchDuration,
			m.memoryVersionsTotal,
			m.documentsIndexed,
			m.chunksIndexed,
			m.syncTotal,
			m.syncDuration,
			m.searchDuration,
			m.searchDegraded,
			m.embeddingCallTotal,
			m.embeddingCallDuration,
			m.auditRecordsTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionWrite(operation string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.sessionWriteTotal.WithLabelValues(operation, status).Inc()
	m.sessionWriteDuration.Observe(duration.Seconds())
}

func RecordMemoryWrite(operation string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.memoryWriteTotal.WithLabelValues(operation, status).Inc()
	m.memoryWriteDuration.Observe(duration.Seconds())
}

func RecordMemorySearch(duration time.Duration) {
	getMetrics().memorySearchDuration.Observe(duration.Seconds())
}

func SetMemoryVersions(total int) {
	getMetrics().memoryVersionsTotal.Set(float64(total))
}

func SetIndexSize(documents, chunks int) {
	m := getMetrics()
	m.documentsIndexed.Set(float64(documents))
	m.chunksIndexed.Set(float64(chunks))
}

func RecordDocumentSync(status string, duration time.Duration) {
	m := getMetrics()
	m.syncTotal.WithLabelValues(status).Inc()
	m.syncDuration.Observe(duration.Seconds())
}

func RecordHybridSearch(duration time.Duration, degraded bool) {
	m := getMetrics()
	m.searchDuration.Observe(duration.Seconds())
	if degraded {
		m.searchDegraded.Inc()
	}
}

func RecordEmbeddingCall(duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.embeddingCallTotal.WithLabelValues(status).Inc()
	m.embeddingCallDuration.Observe(duration.Seconds())
}

func RecordAuditWrite() {
	getMetrics().auditRecordsTotal.Inc()
}
