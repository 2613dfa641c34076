package observability

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"gorm.io/gorm"

	types "github.com/iofold/iofold-jobs/internal/domain"
	"github.com/iofold/iofold-jobs/internal/platform/logger"
)

// Metrics is the /metrics surface: job API traffic, SSE streams, runner
// outcomes and the queue depth sampled from the job table.
type Metrics struct {
	apiRequests  *family
	apiLatency   *histogram
	apiInflight  *family
	openStreams  *family
	streamLength *histogram
	jobsFinished *family
	jobDuration  *histogram
	queueDepth   *family
}

var (
	initOnce sync.Once
	instance *Metrics
)

// Init returns the process-wide Metrics, or nil when disabled. Every method
// is nil-safe.
func Init(enabled bool, log *logger.Logger) *Metrics {
	if !enabled {
		return nil
	}
	initOnce.Do(func() {
		instance = New()
		log.Info("metrics enabled")
	})
	return instance
}

func New() *Metrics {
	return &Metrics{
		apiRequests: newCounter("jobs_api_requests_total", "Job API requests by method/route/status.", "method", "route", "status"),
		apiLatency: newHistogram("jobs_api_request_duration_seconds", "Job API latency by method/route, streams excluded.",
			[]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}, "method", "route"),
		apiInflight: newGauge("jobs_api_inflight_requests", "In-flight job API requests, streams excluded."),
		openStreams: newGauge("jobs_sse_open_streams", "Open job status streams."),
		streamLength: newHistogram("jobs_sse_stream_duration_seconds", "How long job status streams stayed open.",
			[]float64{1, 5, 15, 60, 300, 900, 1800, 3600}),
		jobsFinished: newCounter("jobs_finished_total", "Jobs reaching a terminal state by type/status/code.", "type", "status", "code"),
		jobDuration: newHistogram("jobs_run_duration_seconds", "Time from claim to terminal state by type/status.",
			[]float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800}, "type", "status"),
		queueDepth: newGauge("jobs_queue_depth", "Job records by status.", "status"),
	}
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	writers := []interface{ WritePrometheus(io.Writer) error }{
		m.apiRequests, m.apiLatency, m.apiInflight, m.openStreams, m.streamLength,
		m.jobsFinished, m.jobDuration, m.queueDepth,
	}
	for _, wr := range writers {
		if err := wr.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

// RequestStarted counts an API request in flight until the returned func runs.
func (m *Metrics) RequestStarted() (done func()) {
	if m == nil {
		return func() {}
	}
	m.apiInflight.add(1)
	return func() { m.apiInflight.add(-1) }
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.apiRequests.add(1, method, route, status)
	m.apiLatency.observe(dur.Seconds(), method, route)
}

// StreamOpened tracks one job status stream until the returned func runs.
func (m *Metrics) StreamOpened() (closed func()) {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	m.openStreams.add(1)
	return func() {
		m.openStreams.add(-1)
		m.streamLength.observe(time.Since(start).Seconds())
	}
}

// ObserveJob records a job that reached a terminal state on this process.
func (m *Metrics) ObserveJob(job *types.Job, dur time.Duration) {
	if m == nil || job == nil {
		return
	}
	code := "none"
	if e := job.Err(); e != nil {
		code = e.Code
	}
	m.jobsFinished.add(1, string(job.Type), string(job.Status), code)
	m.jobDuration.observe(dur.Seconds(), string(job.Type), string(job.Status))
}

// StartJobQueueCollector samples per-status row counts every interval.
func (m *Metrics) StartJobQueueCollector(ctx context.Context, log *logger.Logger, db *gorm.DB, interval time.Duration) {
	if m == nil || db == nil {
		return
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	statuses := []types.JobStatus{
		types.JobStatusQueued, types.JobStatusRunning, types.JobStatusCompleted,
		types.JobStatusFailed, types.JobStatusCancelled,
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range statuses {
					m.queueDepth.set(0, string(s))
				}
				var rows []struct {
					Status string
					Count  int64
				}
				if err := db.WithContext(ctx).
					Model(&types.Job{}).
					Select("status, count(*) as count").
					Group("status").
					Scan(&rows).Error; err != nil {
					if log != nil {
						log.Warn("metrics: job queue depth query failed", "error", err)
					}
					continue
				}
				for _, row := range rows {
					m.queueDepth.set(float64(row.Count), row.Status)
				}
			}
		}
	}()
}
