package metrics

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func TestGet_Singleton(t *testing.T) {
	assert.Same(t, Get(), Get())
}

func TestLatencyBucket(t *testing.T) {
	tests := []struct {
		micros int64
		want   int
	}{
		{0, 0},
		{1000, 0},
		{1001, 1},
		{99999, 5},
		{1000000, 8},
		{5000000, 9},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, latencyBucket(tt.micros), "micros=%d", tt.micros)
	}
}

func TestSnapshot(t *testing.T) {
	m := newTestMetrics()
	m.IncPreprocessNative()
	m.IncPreprocessPivot()
	m.IncPreprocessPivot()
	m.RecordPivot(1500)
	m.IncPivotsSuperseded()
	m.IncCellDecodeFailures(3)
	m.IncRowsRendered(40)
	m.IncExportBytes(512)

	s := m.Snapshot()
	assert.Equal(t, int64(1), s["preprocess_native_total"])
	assert.Equal(t, int64(2), s["preprocess_pivot_total"])
	assert.Equal(t, int64(1), s["pivots_completed_total"])
	assert.Equal(t, int64(1500), s["pivot_latency_sum_us"])
	assert.Equal(t, int64(1), s["pivots_superseded_total"])
	assert.Equal(t, int64(3), s["cell_decode_failures_total"])
	assert.Equal(t, int64(40), s["rows_rendered_total"])
	assert.Equal(t, int64(512), s["export_bytes_total"])
}

func TestPrometheusFormat(t *testing.T) {
	m := newTestMetrics()
	m.IncHTTPRequests()
	m.IncCacheHit()
	m.RecordHTTPLatency(800)
	m.RecordHTTPLatency(30000)
	m.RecordHTTPLatency(2000000)

	out := m.PrometheusFormat()
	assert.Contains(t, out, "# TYPE arcgeo_http_requests_total counter\narcgeo_http_requests_total 1\n")
	assert.Contains(t, out, "arcgeo_render_cache_hits_total 1\n")
	assert.Contains(t, out, `arcgeo_http_latency_microseconds_bucket{le="1000"} 1`)
	assert.Contains(t, out, `arcgeo_http_latency_microseconds_bucket{le="50000"} 2`)
	assert.Contains(t, out, `arcgeo_http_latency_microseconds_bucket{le="+Inf"} 3`)
	assert.Contains(t, out, "arcgeo_http_latency_microseconds_count 3\n")

	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.HasPrefix(line, "#") {
			continue
		}
		require.Len(t, strings.Fields(line), 2, line)
	}
}

func TestConcurrentCounters(t *testing.T) {
	m := newTestMetrics()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.IncDBQueries()
				m.IncDBRows(2)
			}
		}()
	}
	wg.Wait()

	s := m.Snapshot()
	assert.Equal(t, int64(2000), s["db_queries_total"])
	assert.Equal(t, int64(4000), s["db_rows_total"])
}
