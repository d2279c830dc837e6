package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Collector holds the pipeline counters and renders them in Prometheus
// text format.
type Collector struct {
	uploadsStarted     atomic.Uint64
	uploadsFailed      atomic.Uint64
	analysesStarted    atomic.Uint64
	analysesCompleted  atomic.Uint64
	analysesFailed     atomic.Uint64
	analysesDiscarded  atomic.Uint64
	validationRejected atomic.Uint64

	analysisDuration *histogram

	gaugeMu sync.Mutex
	gauges  map[string]gauge
}

type gauge struct {
	help string
	fn   func() float64
}

func New() *Collector {
	return &Collector{
		analysisDuration: newHistogram([]float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000, 120000}),
		gauges:           make(map[string]gauge),
	}
}

func (c *Collector) IncUploadStarted()      { c.uploadsStarted.Add(1) }
func (c *Collector) IncUploadFailed()       { c.uploadsFailed.Add(1) }
func (c *Collector) IncAnalysisStarted()    { c.analysesStarted.Add(1) }
func (c *Collector) IncAnalysisCompleted()  { c.analysesCompleted.Add(1) }
func (c *Collector) IncAnalysisFailed()     { c.analysesFailed.Add(1) }
func (c *Collector) IncAnalysisDiscarded()  { c.analysesDiscarded.Add(1) }
func (c *Collector) IncValidationRejected() { c.validationRejected.Add(1) }

// ObserveAnalysisDuration records how long one analyze step took.
func (c *Collector) ObserveAnalysisDuration(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	c.analysisDuration.Observe(ms)
}

// RegisterGauge adds a value sampled at render time, e.g. the job count.
func (c *Collector) RegisterGauge(name, help string, fn func() float64) {
	c.gaugeMu.Lock()
	c.gauges[name] = gauge{help: help, fn: fn}
	c.gaugeMu.Unlock()
}

// Handler exposes metrics in Prometheus text format.
func (c *Collector) Handler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.Header("Content-Type", "text/plain; version=0.0.4")
		ctx.String(http.StatusOK, c.Render())
	}
}

// Render renders metrics in Prometheus text format.
func (c *Collector) Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "review_uploads_started_total", "Total document uploads started", c.uploadsStarted.Load())
	writeCounter(&buf, "review_uploads_failed_total", "Total document uploads failed", c.uploadsFailed.Load())
	writeCounter(&buf, "review_validation_rejected_total", "Total documents rejected before upload", c.validationRejected.Load())
	writeCounter(&buf, "review_analyses_started_total", "Total analyses started", c.analysesStarted.Load())
	writeCounter(&buf, "review_analyses_completed_total", "Total analyses completed", c.analysesCompleted.Load())
	writeCounter(&buf, "review_analyses_failed_total", "Total analyses failed", c.analysesFailed.Load())
	writeCounter(&buf, "review_analyses_discarded_total", "Total analysis results dropped because the job was removed", c.analysesDiscarded.Load())
	writeHistogram(&buf, "review_analysis_duration_ms", "Analysis duration in milliseconds", c.analysisDuration.Snapshot())

	c.gaugeMu.Lock()
	names := make([]string, 0, len(c.gauges))
	for name := range c.gauges {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		g := c.gauges[name]
		writeGauge(&buf, name, g.help, g.fn())
	}
	c.gaugeMu.Unlock()
	return buf.String()
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// Observe counts value in the first bucket that holds it; Render accumulates.
func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
			break
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeGauge(buf *bytes.Buffer, name, help string, value float64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s gauge\n", name)
	fmt.Fprintf(buf, "%s %s\n", name, formatFloat(value))
}

func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}
