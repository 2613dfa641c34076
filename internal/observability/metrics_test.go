package observability

import (
	"bytes"
	"strings"
	"testing"
	"time"

	types "github.com/iofold/iofold-jobs/internal/domain"
)

func TestWritePrometheus(t *testing.T) {
	m := New()
	m.ObserveAPI("GET", "/api/jobs/:id", "200", 20*time.Millisecond)
	code := "timeout"
	m.ObserveJob(&types.Job{Type: types.JobTypeImportTraces, Status: types.JobStatusFailed, ErrorCode: &code}, 2*time.Second)
	m.queueDepth.set(3, string(types.JobStatusQueued))

	var buf bytes.Buffer
	if err := m.WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"# TYPE jobs_api_requests_total counter",
		`jobs_api_requests_total{method="GET",route="/api/jobs/:id",status="200"} 1`,
		`jobs_api_request_duration_seconds_bucket{method="GET",route="/api/jobs/:id",le="0.025"} 1`,
		`jobs_api_request_duration_seconds_bucket{method="GET",route="/api/jobs/:id",le="0.01"} 0`,
		`jobs_api_request_duration_seconds_count{method="GET",route="/api/jobs/:id"} 1`,
		`jobs_finished_total{type="import_traces",status="failed",code="timeout"} 1`,
		`jobs_run_duration_seconds_bucket{type="import_traces",status="failed",le="5"} 1`,
		`jobs_run_duration_seconds_bucket{type="import_traces",status="failed",le="+Inf"} 1`,
		`jobs_queue_depth{status="queued"} 3`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing line %q in:\n%s", want, out)
		}
	}
}

func TestInflightAndStreamsAreSeparate(t *testing.T) {
	m := New()
	done := m.RequestStarted()
	closed := m.StreamOpened()

	var buf bytes.Buffer
	_ = m.WritePrometheus(&buf)
	if !strings.Contains(buf.String(), "jobs_api_inflight_requests 1\n") || !strings.Contains(buf.String(), "jobs_sse_open_streams 1\n") {
		t.Fatalf("open gauges:\n%s", buf.String())
	}

	done()
	closed()
	buf.Reset()
	_ = m.WritePrometheus(&buf)
	out := buf.String()
	for _, want := range []string{
		"jobs_api_inflight_requests 0\n",
		"jobs_sse_open_streams 0\n",
		"jobs_sse_stream_duration_seconds_count 1\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing line %q in:\n%s", want, out)
		}
	}
}

func TestLabelValuesAreEscaped(t *testing.T) {
	got := renderLabels([]string{"route", "status"}, []string{`/a"b\c`})
	want := `{route="/a\"b\\c",status="unknown"}`
	if got != want {
		t.Fatalf("renderLabels: want %s got %s", want, got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveAPI("GET", "/", "200", time.Millisecond)
	m.ObserveJob(&types.Job{}, time.Second)
	m.RequestStarted()()
	m.StreamOpened()()
	if Init(false, nil) != nil {
		t.Fatalf("disabled metrics must be nil")
	}
}
