package metrics

import (
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Metrics holds all arc-geo metrics for Prometheus export
type Metrics struct {
	startTime time.Time

	// HTTP request metrics
	httpRequestsTotal   atomic.Int64
	httpRequestsSuccess atomic.Int64
	httpRequestsError   atomic.Int64

	// HTTP latency histogram buckets (microseconds)
	// Buckets: 1ms, 5ms, 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, +Inf
	httpLatencyBuckets [10]atomic.Int64
	httpLatencySum     atomic.Int64
	httpLatencyCount   atomic.Int64

	// Table preprocessing
	preprocessNative   atomic.Int64
	preprocessPivot    atomic.Int64
	pivotsCompleted    atomic.Int64
	pivotsSuperseded   atomic.Int64
	pivotsFailed       atomic.Int64
	pivotsCancelled    atomic.Int64
	pivotLatencySum    atomic.Int64 // microseconds
	pivotLatencyCount  atomic.Int64
	truncatedResults   atomic.Int64
	cellDecodeFailures atomic.Int64

	// Rendering
	rowsRendered     atomic.Int64
	featuresRendered atomic.Int64
	cacheHits        atomic.Int64
	cacheMisses      atomic.Int64

	// Exports
	exportsTotal      atomic.Int64
	exportBytesTotal  atomic.Int64
	exportErrorsTotal atomic.Int64

	// DuckDB
	dbQueriesTotal     atomic.Int64
	dbQueryErrorsTotal atomic.Int64
	dbRowsTotal        atomic.Int64

	logger zerolog.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			startTime: time.Now(),
		}
	})
	return instance
}

// Init initializes the metrics with a logger
func Init(logger zerolog.Logger) *Metrics {
	m := Get()
	m.logger = logger.With().Str("component", "metrics").Logger()
	m.logger.Info().Msg("Metrics collector initialized")
	return m
}

// HTTP Metrics
func (m *Metrics) IncHTTPRequests() { m.httpRequestsTotal.Add(1) }
func (m *Metrics) IncHTTPSuccess()  { m.httpRequestsSuccess.Add(1) }
func (m *Metrics) IncHTTPError()    { m.httpRequestsError.Add(1) }

// RecordHTTPLatency records HTTP request latency in microseconds
func (m *Metrics) RecordHTTPLatency(durationMicros int64) {
	m.httpLatencySum.Add(durationMicros)
	m.httpLatencyCount.Add(1)
	m.httpLatencyBuckets[latencyBucket(durationMicros)].Add(1)
}

var latencyBounds = [9]int64{1000, 5000, 10000, 25000, 50000, 100000, 250000, 500000, 1000000}

func latencyBucket(micros int64) int {
	for i, bound := range latencyBounds {
		if micros <= bound {
			return i
		}
	}
	return len(latencyBounds)
}

// Preprocessing
func (m *Metrics) IncPreprocessNative()          { m.preprocessNative.Add(1) }
func (m *Metrics) IncPreprocessPivot()           { m.preprocessPivot.Add(1) }
func (m *Metrics) IncPivotsSuperseded()          { m.pivotsSuperseded.Add(1) }
func (m *Metrics) IncPivotsFailed()              { m.pivotsFailed.Add(1) }
func (m *Metrics) IncPivotsCancelled()           { m.pivotsCancelled.Add(1) }
func (m *Metrics) IncTruncatedResults()          { m.truncatedResults.Add(1) }
func (m *Metrics) IncCellDecodeFailures(n int64) { m.cellDecodeFailures.Add(n) }

// RecordPivot counts a finished pivot and its duration in microseconds
func (m *Metrics) RecordPivot(durationMicros int64) {
	m.pivotsCompleted.Add(1)
	m.pivotLatencySum.Add(durationMicros)
	m.pivotLatencyCount.Add(1)
}

// Rendering
func (m *Metrics) IncRowsRendered(n int64)     { m.rowsRendered.Add(n) }
func (m *Metrics) IncFeaturesRendered(n int64) { m.featuresRendered.Add(n) }
func (m *Metrics) IncCacheHit()                { m.cacheHits.Add(1) }
func (m *Metrics) IncCacheMiss()               { m.cacheMisses.Add(1) }

// Exports
func (m *Metrics) IncExports()            { m.exportsTotal.Add(1) }
func (m *Metrics) IncExportBytes(n int64) { m.exportBytesTotal.Add(n) }
func (m *Metrics) IncExportErrors()       { m.exportErrorsTotal.Add(1) }

// Database
func (m *Metrics) IncDBQueries()     { m.dbQueriesTotal.Add(1) }
func (m *Metrics) IncDBQueryErrors() { m.dbQueryErrorsTotal.Add(1) }
func (m *Metrics) IncDBRows(n int64) { m.dbRowsTotal.Add(n) }

// Snapshot returns all metrics as a map (for JSON endpoint)
func (m *Metrics) Snapshot() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		"uptime_seconds": time.Since(m.startTime).Seconds(),
		"goroutines":     runtime.NumGoroutine(),
		"go_version":     runtime.Version(),
		"num_cpu":        runtime.NumCPU(),

		"memory_alloc_bytes":      memStats.Alloc,
		"memory_heap_alloc_bytes": memStats.HeapAlloc,
		"gc_cycles":               memStats.NumGC,

		"http_requests_total":   m.httpRequestsTotal.Load(),
		"http_requests_success": m.httpRequestsSuccess.Load(),
		"http_requests_error":   m.httpRequestsError.Load(),
		"http_latency_sum_us":   m.httpLatencySum.Load(),
		"http_latency_count":    m.httpLatencyCount.Load(),

		"preprocess_native_total":    m.preprocessNative.Load(),
		"preprocess_pivot_total":     m.preprocessPivot.Load(),
		"pivots_completed_total":     m.pivotsCompleted.Load(),
		"pivots_superseded_total":    m.pivotsSuperseded.Load(),
		"pivots_failed_total":        m.pivotsFailed.Load(),
		"pivots_cancelled_total":     m.pivotsCancelled.Load(),
		"pivot_latency_sum_us":       m.pivotLatencySum.Load(),
		"pivot_latency_count":        m.pivotLatencyCount.Load(),
		"truncated_results_total":    m.truncatedResults.Load(),
		"cell_decode_failures_total": m.cellDecodeFailures.Load(),

		"rows_rendered_total":     m.rowsRendered.Load(),
		"features_rendered_total": m.featuresRendered.Load(),
		"render_cache_hits":       m.cacheHits.Load(),
		"render_cache_misses":     m.cacheMisses.Load(),

		"exports_total":       m.exportsTotal.Load(),
		"export_bytes_total":  m.exportBytesTotal.Load(),
		"export_errors_total": m.exportErrorsTotal.Load(),

		"db_queries_total":      m.dbQueriesTotal.Load(),
		"db_query_errors_total": m.dbQueryErrorsTotal.Load(),
		"db_rows_total":         m.dbRowsTotal.Load(),
	}
}

type promMetric struct {
	name  string
	help  string
	kind  string
	value func(m *Metrics) float64
}

func counter(v *atomic.Int64) func(*Metrics) float64 {
	return func(*Metrics) float64 { return float64(v.Load()) }
}

// PrometheusFormat returns metrics in Prometheus text exposition format
func (m *Metrics) PrometheusFormat() string {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := []promMetric{
		{"arcgeo_uptime_seconds", "Time since arc-geo started", "gauge", func(m *Metrics) float64 { return time.Since(m.startTime).Seconds() }},
		{"arcgeo_goroutines", "Number of goroutines", "gauge", func(*Metrics) float64 { return float64(runtime.NumGoroutine()) }},
		{"arcgeo_memory_alloc_bytes", "Current allocated memory", "gauge", func(*Metrics) float64 { return float64(memStats.Alloc) }},
		{"arcgeo_http_requests_total", "Total HTTP requests", "counter", counter(&m.httpRequestsTotal)},
		{"arcgeo_http_requests_error_total", "HTTP requests that returned an error status", "counter", counter(&m.httpRequestsError)},
		{"arcgeo_preprocess_native_total", "Tables served without pivoting", "counter", counter(&m.preprocessNative)},
		{"arcgeo_preprocess_pivot_total", "Tables scheduled for pivoting", "counter", counter(&m.preprocessPivot)},
		{"arcgeo_pivots_completed_total", "Pivots that finished", "counter", counter(&m.pivotsCompleted)},
		{"arcgeo_pivots_superseded_total", "Pivots discarded because a newer table arrived", "counter", counter(&m.pivotsSuperseded)},
		{"arcgeo_pivots_cancelled_total", "Pivots cancelled over the API", "counter", counter(&m.pivotsCancelled)},
		{"arcgeo_pivots_failed_total", "Pivots that failed or were cancelled", "counter", counter(&m.pivotsFailed)},
		{"arcgeo_truncated_results_total", "Results clamped by the row limit", "counter", counter(&m.truncatedResults)},
		{"arcgeo_cell_decode_failures_total", "S2 cell ids that could not be decoded", "counter", counter(&m.cellDecodeFailures)},
		{"arcgeo_rows_rendered_total", "Rows rendered into map layers", "counter", counter(&m.rowsRendered)},
		{"arcgeo_features_rendered_total", "GeoJSON features produced", "counter", counter(&m.featuresRendered)},
		{"arcgeo_render_cache_hits_total", "Render cache hits", "counter", counter(&m.cacheHits)},
		{"arcgeo_render_cache_misses_total", "Render cache misses", "counter", counter(&m.cacheMisses)},
		{"arcgeo_exports_total", "Layer exports written to storage", "counter", counter(&m.exportsTotal)},
		{"arcgeo_export_bytes_total", "Bytes written by layer exports", "counter", counter(&m.exportBytesTotal)},
		{"arcgeo_export_errors_total", "Failed layer exports", "counter", counter(&m.exportErrorsTotal)},
		{"arcgeo_db_queries_total", "Total database queries", "counter", counter(&m.dbQueriesTotal)},
		{"arcgeo_db_query_errors_total", "Failed database queries", "counter", counter(&m.dbQueryErrorsTotal)},
		{"arcgeo_db_rows_total", "Rows read from the database", "counter", counter(&m.dbRowsTotal)},
		{"arcgeo_pivot_latency_microseconds_sum", "Total time spent pivoting", "counter", counter(&m.pivotLatencySum)},
		{"arcgeo_pivot_latency_microseconds_count", "Pivots timed", "counter", counter(&m.pivotLatencyCount)},
	}

	var b []byte
	for _, pm := range metrics {
		b = append(b, "# HELP "+pm.name+" "+pm.help+"\n"...)
		b = append(b, "# TYPE "+pm.name+" "+pm.kind+"\n"...)
		b = appendMetric(b, pm.name, pm.value(m))
	}

	b = append(b, "# HELP arcgeo_http_latency_microseconds HTTP request latency\n"...)
	b = append(b, "# TYPE arcgeo_http_latency_microseconds histogram\n"...)
	var cumulative int64
	for i := range m.httpLatencyBuckets {
		cumulative += m.httpLatencyBuckets[i].Load()
		le := "+Inf"
		if i < len(latencyBounds) {
			le = strconv.FormatInt(latencyBounds[i], 10)
		}
		b = appendMetricWithLabel(b, "arcgeo_http_latency_microseconds_bucket", "le", le, float64(cumulative))
	}
	b = appendMetric(b, "arcgeo_http_latency_microseconds_sum", float64(m.httpLatencySum.Load()))
	b = appendMetric(b, "arcgeo_http_latency_microseconds_count", float64(m.httpLatencyCount.Load()))

	return string(b)
}

// Helper functions for Prometheus format
func appendMetric(b []byte, name string, value float64) []byte {
	b = append(b, name...)
	b = append(b, ' ')
	b = strconv.AppendFloat(b, value, 'g', -1, 64)
	return append(b, '\n')
}

func appendMetricWithLabel(b []byte, name, labelName, labelValue string, value float64) []byte {
	b = append(b, name...)
	b = append(b, '{')
	b = append(b, labelName...)
	b = append(b, '=', '"')
	b = append(b, labelValue...)
	b = append(b, '"', '}', ' ')
	b = strconv.AppendFloat(b, value, 'g', -1, 64)
	return append(b, '\n')
}
