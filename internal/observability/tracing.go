package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	types "github.com/iofold/iofold-jobs/internal/domain"
)

const jobTracer = "github.com/iofold/iofold-jobs/jobs"

const (
	AttrJobID     = attribute.Key("job.id")
	AttrJobType   = attribute.Key("job.type")
	AttrJobStatus = attribute.Key("job.status")
	AttrWorkspace = attribute.Key("workspace.id")
)

// StartJobSpan opens the span covering one run of job on runnerID. The
// returned context carries it into the handler.
func StartJobSpan(ctx context.Context, job *types.Job, runnerID string) (context.Context, trace.Span) {
	return otel.Tracer(jobTracer).Start(ctx, "job.run "+string(job.Type),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			AttrJobID.String(job.ID.String()),
			AttrJobType.String(string(job.Type)),
			AttrWorkspace.String(job.WorkspaceID),
			attribute.String("job.runner_id", runnerID),
			attribute.Int("job.attempt", job.Attempts),
		),
	)
}

// EndJobSpan stamps the outcome read back from the store and ends the span.
// A nil final record (reload failed) leaves the status unset.
func EndJobSpan(span trace.Span, final *types.Job) {
	defer span.End()
	if final == nil {
		return
	}
	span.SetAttributes(
		AttrJobStatus.String(string(final.Status)),
		attribute.Float64("job.progress", final.Progress),
	)
	switch final.Status {
	case types.JobStatusCompleted:
		span.SetStatus(codes.Ok, "")
	case types.JobStatusFailed:
		e := final.Err()
		if e == nil {
			span.SetStatus(codes.Error, "failed")
			return
		}
		span.SetAttributes(attribute.String("job.error_code", e.Code))
		span.RecordError(e)
		span.SetStatus(codes.Error, e.Message)
	}
}
