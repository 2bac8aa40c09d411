package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

var (
	reportStartedTotal          atomic.Uint64
	reportCompletedTotal        atomic.Uint64
	reportFailedTotal           atomic.Uint64
	reportExpiredTotal          atomic.Uint64
	clarificationsAskedTotal    atomic.Uint64
	clarificationsAnsweredTotal atomic.Uint64
	admissionDeniedTotal        atomic.Uint64

	jobsReceivedTotal             atomic.Uint64
	jobsCompletedTotal            atomic.Uint64
	jobsFailedTotal               atomic.Uint64
	jobsDeletedUnrecoverableTotal atomic.Uint64

	stepDuration = newHistogram([]float64{500, 1000, 2500, 5000, 10000, 30000, 60000, 120000, 300000})
)

// IncReportStarted increments the started counter.
func IncReportStarted() {
	reportStartedTotal.Add(1)
}

// IncReportCompleted increments the completed counter.
func IncReportCompleted() {
	reportCompletedTotal.Add(1)
}

// IncReportFailed increments the failed counter.
func IncReportFailed() {
	reportFailedTotal.Add(1)
}

// IncReportExpired increments the expired counter.
func IncReportExpired() {
	reportExpiredTotal.Add(1)
}

// IncClarificationAsked increments the clarification-asked counter.
func IncClarificationAsked() {
	clarificationsAskedTotal.Add(1)
}

// IncClarificationAnswered increments the clarification-answered counter.
func IncClarificationAnswered() {
	clarificationsAnsweredTotal.Add(1)
}

// IncAdmissionDenied increments the admission-denial counter.
func IncAdmissionDenied() {
	admissionDeniedTotal.Add(1)
}

// IncJobsReceived increments the queue-messages-received counter.
func IncJobsReceived() {
	jobsReceivedTotal.Add(1)
}

// IncJobsCompleted increments the queue-messages-completed counter.
func IncJobsCompleted() {
	jobsCompletedTotal.Add(1)
}

// IncJobsFailed increments the queue-messages-failed counter.
func IncJobsFailed() {
	jobsFailedTotal.Add(1)
}

// IncJobsDeletedUnrecoverable increments the counter of malformed messages
// deleted without processing.
func IncJobsDeletedUnrecoverable() {
	jobsDeletedUnrecoverableTotal.Add(1)
}

// ObserveStepDurationMs records a pipeline step duration in milliseconds.
func ObserveStepDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	stepDuration.Observe(value)
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "report_started_total", "Total report pipelines started", reportStartedTotal.Load())
	writeCounter(&buf, "report_completed_total", "Total report pipelines completed", reportCompletedTotal.Load())
	writeCounter(&buf, "report_failed_total", "Total report pipelines failed", reportFailedTotal.Load())
	writeCounter(&buf, "report_expired_total", "Total report pipelines expired awaiting clarification", reportExpiredTotal.Load())
	writeCounter(&buf, "clarifications_asked_total", "Total clarification questions asked", clarificationsAskedTotal.Load())
	writeCounter(&buf, "clarifications_answered_total", "Total clarification answers accepted", clarificationsAnsweredTotal.Load())
	writeCounter(&buf, "admission_denied_total", "Total report submissions denied by usage admission control", admissionDeniedTotal.Load())
	writeCounter(&buf, "worker_jobs_received_total", "Total queue messages received by the worker", jobsReceivedTotal.Load())
	writeCounter(&buf, "worker_jobs_completed_total", "Total queue messages processed and deleted", jobsCompletedTotal.Load())
	writeCounter(&buf, "worker_jobs_failed_total", "Total queue messages that failed processing", jobsFailedTotal.Load())
	writeCounter(&buf, "worker_jobs_deleted_unrecoverable_total", "Total malformed queue messages deleted without processing", jobsDeletedUnrecoverableTotal.Load())
	writeHistogram(&buf, "pipeline_step_duration_ms", "Pipeline step duration in milliseconds", stepDuration.Snapshot())
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

func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
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

func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=%q} %d\n", name, strconv.FormatFloat(bound, 'f', -1, 64), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %g\n", name, snap.sum)
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}
