package services

import (
	"context"

	types "github.com/iofold/iofold-jobs/internal/domain"
	"github.com/iofold/iofold-jobs/internal/platform/logger"
	"github.com/iofold/iofold-jobs/internal/realtime"
)

// JobNotifier turns a successful store mutation into a delta event on the
// job's channel. Callers only notify when the mutation actually changed the record.
type JobNotifier interface {
	JobCreated(ctx context.Context, job *types.Job)
	JobProgress(ctx context.Context, job *types.Job)
	JobFinished(ctx context.Context, job *types.Job)
}

type jobNotifier struct {
	emit SSEEmitter
	log  *logger.Logger
}

func NewJobNotifier(emit SSEEmitter, baseLog *logger.Logger) JobNotifier {
	return &jobNotifier{emit: emit, log: baseLog.With("service", "JobNotifier")}
}

func (n *jobNotifier) JobCreated(ctx context.Context, job *types.Job) {
	n.send(ctx, "created", job)
}

func (n *jobNotifier) JobProgress(ctx context.Context, job *types.Job) {
	n.send(ctx, "progress", job)
}

func (n *jobNotifier) JobFinished(ctx context.Context, job *types.Job) {
	n.send(ctx, "finished", job)
}

func (n *jobNotifier) send(ctx context.Context, kind string, job *types.Job) {
	if job == nil || n.emit == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ev := job.Event()
	n.log.Debug("job event",
		"kind", kind,
		"job_id", ev.JobID,
		"status", ev.Status,
		"progress", ev.Progress,
		"revision", ev.Revision,
	)
	n.emit.Emit(ctx, realtime.SSEMessage{
		Channel: realtime.JobChannel(job.ID),
		Event:   realtime.SSEEventJob,
		Data:    ev,
	})
}
