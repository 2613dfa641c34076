package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/iofold/iofold-jobs/internal/platform/ctxutil"
)

const (
	HeaderTraceID   = "X-Trace-Id"
	HeaderRequestID = "X-Request-Id"
)

// AttachTraceContext gives every request a request id and a trace id and
// echoes both. The trace id of the active span wins over the header, so log
// lines line up with exported traces.
func AttachTraceContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		span := trace.SpanFromContext(ctx)

		td := &ctxutil.TraceData{
			RequestID: headerOr(c, HeaderRequestID, uuid.NewString),
			TraceID:   headerOr(c, HeaderTraceID, uuid.NewString),
		}
		if sc := span.SpanContext(); sc.HasTraceID() {
			td.TraceID = sc.TraceID().String()
		}
		span.SetAttributes(attribute.String("http.request_id", td.RequestID))

		c.Request = c.Request.WithContext(ctxutil.WithTraceData(ctx, td))
		c.Set("trace_id", td.TraceID)
		c.Set("request_id", td.RequestID)
		c.Header(HeaderTraceID, td.TraceID)
		c.Header(HeaderRequestID, td.RequestID)
		c.Next()
	}
}

func headerOr(c *gin.Context, name string, fallback func() string) string {
	if v := strings.TrimSpace(c.GetHeader(name)); v != "" {
		return v
	}
	return fallback()
}
