package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/iofold/iofold-jobs/internal/observability"
	"github.com/iofold/iofold-jobs/internal/platform/ctxutil"
)

func TestTraceContextEchoesOrMintsIDs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AttachTraceContext())
	var seen *ctxutil.TraceData
	r.GET("/api/jobs/:id", func(c *gin.Context) {
		seen = ctxutil.GetTraceData(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/1", nil)
	req.Header.Set(HeaderRequestID, "req-42")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if seen == nil || seen.RequestID != "req-42" || seen.TraceID == "" {
		t.Fatalf("trace data: %+v", seen)
	}
	if got := rec.Header().Get(HeaderRequestID); got != "req-42" {
		t.Fatalf("request id echo: %q", got)
	}
	if got := rec.Header().Get(HeaderTraceID); got != seen.TraceID {
		t.Fatalf("trace id echo: got %q want %q", got, seen.TraceID)
	}
}

func TestTraceContextPrefersSpanAndTagsWorkspace(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)).Tracer("test")

	r := gin.New()
	// Stands in for otelgin: opens the server span the later middleware tag.
	r.Use(func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), c.FullPath())
		defer span.End()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})
	r.Use(AttachTraceContext())
	api := r.Group("/api", AttachWorkspace())
	api.GET("/jobs/:id", func(c *gin.Context) {
		if ws := ctxutil.Workspace(c.Request.Context()); ws != "acme" {
			t.Errorf("workspace in ctx: %q", ws)
		}
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/1", nil)
	req.Header.Set(HeaderTraceID, "client-supplied")
	req.Header.Set(HeaderWorkspaceID, " acme ")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans: %d", len(spans))
	}
	if got, want := w.Header().Get(HeaderTraceID), spans[0].SpanContext().TraceID().String(); got != want {
		t.Fatalf("trace id: got %q want span's %q", got, want)
	}
	if got := w.Header().Get(HeaderWorkspaceID); got != "acme" {
		t.Fatalf("workspace echo: %q", got)
	}
	attrs := map[attribute.Key]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	if attrs[observability.AttrWorkspace] != "acme" || attrs["http.request_id"] == "" {
		t.Fatalf("span attributes: %v", attrs)
	}
}

func TestMetricsSplitsStreamsFromRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := observability.New()
	r := gin.New()
	r.Use(Metrics(m))
	r.GET("/metrics", gin.WrapF(m.WriteHTTP))
	r.GET("/api/jobs/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/jobs/:id/stream", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/api/jobs/1", "/api/jobs/2", "/api/jobs/1/stream", "/nope", "/metrics"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	var buf bytes.Buffer
	if err := m.WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		`jobs_api_requests_total{method="GET",route="/api/jobs/:id",status="200"} 2`,
		`jobs_api_requests_total{method="GET",route="unmatched",status="404"} 1`,
		"jobs_sse_stream_duration_seconds_count 1\n",
		"jobs_sse_open_streams 0\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
	for _, unwanted := range []string{`route="/metrics"`, `route="/api/jobs/:id/stream"`, "/api/jobs/1"} {
		if strings.Contains(out, unwanted) {
			t.Fatalf("unexpected %q in:\n%s", unwanted, out)
		}
	}
}
