package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"

	types "github.com/iofold/iofold-jobs/internal/domain"
	"github.com/iofold/iofold-jobs/internal/domain/jobs"
	"github.com/iofold/iofold-jobs/internal/pkg/dbctx"
)

var (
	ErrNotFound = jobs.ErrNotFound
	// ErrContention is returned when a compare-and-set keeps losing to concurrent writers.
	ErrContention = errors.New("job store: too much write contention")
)

// JobStore is the single source of truth for job state. Every mutation is a
// compare-and-set; a transition that is no longer legal returns the current
// record with changed=false instead of an error.
type JobStore interface {
	Create(dbc dbctx.Context, job *types.Job, retention time.Duration) (*types.Job, bool, error)
	Get(dbc dbctx.Context, id uuid.UUID) (*types.Job, error)
	Claim(dbc dbctx.Context, runnerID string) (*types.Job, error)
	UpdateProgress(dbc dbctx.Context, id uuid.UUID, runnerID string, progress float64, stage, message string) (*types.Job, bool, error)
	Heartbeat(dbc dbctx.Context, id uuid.UUID, runnerID string) (bool, error)
	Complete(dbc dbctx.Context, id uuid.UUID, resultRef string) (*types.Job, bool, error)
	Fail(dbc dbctx.Context, id uuid.UUID, jobErr types.JobError) (*types.Job, bool, error)
	Cancel(dbc dbctx.Context, id uuid.UUID) (*types.Job, bool, error)
	ListStale(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.Job, error)
	PurgeExpired(dbc dbctx.Context, before time.Time) (int64, error)
}

const casAttempts = 8

// transition mutates j in place and reports whether anything changed.
type transition func(j *types.Job, now time.Time) bool

// prepareNew fills server-owned fields of a job about to be inserted.
func prepareNew(job *types.Job, now time.Time) *types.Job {
	out := job.Snapshot()
	if out.ID == uuid.Nil {
		out.ID = uuid.New()
	}
	if out.WorkspaceID == "" {
		out.WorkspaceID = "default"
	}
	if out.IdempotencyKey != nil && *out.IdempotencyKey == "" {
		out.IdempotencyKey = nil
	}
	stamp := jobs.NextStamp(time.Time{}, now)
	out.Status = types.JobStatusQueued
	out.Progress = 0
	out.ResultRef = nil
	out.ErrorCode = nil
	out.ErrorMessage = nil
	out.Attempts = 0
	out.Revision = 1
	out.RunnerID = ""
	out.HeartbeatAt = nil
	out.StartedAt = nil
	out.FinishedAt = nil
	out.CreatedAt = stamp
	out.UpdatedAt = stamp
	return out
}

func touch(j *types.Job, now time.Time) {
	j.UpdatedAt = jobs.NextStamp(j.UpdatedAt, now)
	j.Revision++
}

func claimTo(runnerID string) transition {
	return func(j *types.Job, now time.Time) bool {
		if j.Status != types.JobStatusQueued {
			return false
		}
		touch(j, now)
		t := j.UpdatedAt
		j.Status = types.JobStatusRunning
		j.RunnerID = runnerID
		j.Attempts++
		j.StartedAt = &t
		j.HeartbeatAt = &t
		return true
	}
}

func progressTo(runnerID string, progress float64, stage, message string) transition {
	return func(j *types.Job, now time.Time) bool {
		if j.Status != types.JobStatusRunning || (runnerID != "" && j.RunnerID != runnerID) {
			return false
		}
		p := clamp01(progress)
		if p < j.Progress {
			p = j.Progress
		}
		if p == j.Progress && stage == j.Stage && message == j.Message {
			return false
		}
		touch(j, now)
		t := j.UpdatedAt
		j.Progress = p
		j.Stage = stage
		j.Message = message
		j.HeartbeatAt = &t
		return true
	}
}

func completeWith(resultRef string) transition {
	return func(j *types.Job, now time.Time) bool {
		if j.Status.Terminal() {
			return false
		}
		finish(j, types.JobStatusCompleted, now)
		ref := resultRef
		j.ResultRef = &ref
		j.Progress = 1
		return true
	}
}

func failWith(jobErr types.JobError) transition {
	return func(j *types.Job, now time.Time) bool {
		if j.Status.Terminal() {
			return false
		}
		finish(j, types.JobStatusFailed, now)
		code := jobErr.Code
		if code == "" {
			code = jobs.CodeRunFailed
		}
		msg := jobErr.Message
		j.ErrorCode = &code
		j.ErrorMessage = &msg
		return true
	}
}

func cancelNow(j *types.Job, now time.Time) bool {
	if j.Status.Terminal() {
		return false
	}
	finish(j, types.JobStatusCancelled, now)
	return true
}

func finish(j *types.Job, status types.JobStatus, now time.Time) {
	touch(j, now)
	t := j.UpdatedAt
	j.Status = status
	j.FinishedAt = &t
	j.ResultRef = nil
	j.ErrorCode = nil
	j.ErrorMessage = nil
}

func clamp01(v float64) float64 {
	switch {
	case v != v || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// columns lists every field a transition may touch.
func columns(j *types.Job) map[string]interface{} {
	return map[string]interface{}{
		"status":        j.Status,
		"progress":      j.Progress,
		"stage":         j.Stage,
		"message":       j.Message,
		"result_ref":    j.ResultRef,
		"error_code":    j.ErrorCode,
		"error_message": j.ErrorMessage,
		"runner_id":     j.RunnerID,
		"heartbeat_at":  j.HeartbeatAt,
		"started_at":    j.StartedAt,
		"finished_at":   j.FinishedAt,
		"attempts":      j.Attempts,
		"revision":      j.Revision,
		"updated_at":    j.UpdatedAt,
	}
}

var (
	errNilJob      = errors.New("create job: nil job")
	errDuplicateID = errors.New("create job: id already exists")
)
