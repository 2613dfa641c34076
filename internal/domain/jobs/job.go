package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is permitted out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

type Type string

const (
	TypeImportTraces Type = "import_traces"
	TypeGenerateEval Type = "generate_eval"
	TypeExecuteEval  Type = "execute_eval"
)

// Error codes written by the job subsystem itself. Work units may use their own.
const (
	CodeTimeout     = "timeout"
	CodePanic       = "panic"
	CodeRunFailed   = "run_failed"
	CodeUnknownType = "unknown_type"
	CodeBadPayload  = "bad_payload"
	CodeInterrupted = "interrupted"
)

var ErrNotFound = errors.New("job not found")

// JobError is the structured error carried by a failed job.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *JobError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Job is the durable record of one unit of asynchronous work.
// ResultRef and ErrorCode/ErrorMessage are mutually exclusive and only set once terminal.
type Job struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	WorkspaceID    string         `gorm:"column:workspace_id;not null;index;uniqueIndex:idx_job_idempotency,priority:1" json:"workspace_id"`
	Type           Type           `gorm:"column:type;not null;index" json:"type"`
	Status         Status         `gorm:"column:status;not null;index" json:"status"`
	Progress       float64        `gorm:"column:progress;not null;default:0" json:"progress"`
	Stage          string         `gorm:"column:stage" json:"stage,omitempty"`
	Message        string         `gorm:"column:message;type:text" json:"message,omitempty"`
	ResultRef      *string        `gorm:"column:result_ref" json:"result_ref,omitempty"`
	ErrorCode      *string        `gorm:"column:error_code" json:"-"`
	ErrorMessage   *string        `gorm:"column:error_message;type:text" json:"-"`
	IdempotencyKey *string        `gorm:"column:idempotency_key;uniqueIndex:idx_job_idempotency,priority:2" json:"idempotency_key,omitempty"`
	Payload        datatypes.JSON `gorm:"column:payload" json:"payload,omitempty"`
	Attempts       int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	Revision       int64          `gorm:"column:revision;not null;default:0" json:"revision"`
	RunnerID       string         `gorm:"column:runner_id;index" json:"-"`
	HeartbeatAt    *time.Time     `gorm:"column:heartbeat_at;index" json:"-"`
	StartedAt      *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt     *time.Time     `gorm:"column:finished_at;index" json:"finished_at,omitempty"`
	CreatedAt      time.Time      `gorm:"column:created_at;not null;index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (Job) TableName() string { return "job" }

func (j *Job) Terminal() bool { return j != nil && j.Status.Terminal() }

// Err returns the structured failure, or nil unless the job failed.
func (j *Job) Err() *JobError {
	if j == nil || j.ErrorCode == nil {
		return nil
	}
	e := &JobError{Code: *j.ErrorCode}
	if j.ErrorMessage != nil {
		e.Message = *j.ErrorMessage
	}
	return e
}

// Expired reports whether a terminal job is past its retention window at now.
func (j *Job) Expired(retention time.Duration, now time.Time) bool {
	if j == nil || !j.Terminal() || retention <= 0 {
		return false
	}
	finished := j.UpdatedAt
	if j.FinishedAt != nil {
		finished = *j.FinishedAt
	}
	return now.Sub(finished) > retention
}

// Snapshot returns a deep copy so callers never share mutable state with a store.
func (j *Job) Snapshot() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.ResultRef = cloneString(j.ResultRef)
	out.ErrorCode = cloneString(j.ErrorCode)
	out.ErrorMessage = cloneString(j.ErrorMessage)
	out.IdempotencyKey = cloneString(j.IdempotencyKey)
	out.HeartbeatAt = cloneTime(j.HeartbeatAt)
	out.StartedAt = cloneTime(j.StartedAt)
	out.FinishedAt = cloneTime(j.FinishedAt)
	if j.Payload != nil {
		out.Payload = append(datatypes.JSON(nil), j.Payload...)
	}
	return &out
}

// NextStamp returns a timestamp strictly after prev, truncated to microseconds so it
// survives a postgres round trip unchanged.
func NextStamp(prev time.Time, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if !now.After(prev) {
		return prev.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	}
	return now
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
