package jobs

import (
	"time"

	"github.com/google/uuid"
)

// Event is a status delta for one job. The same shape is pushed over the stream
// endpoint and returned by the polling endpoint, so clients reconcile both uniformly.
type Event struct {
	JobID     uuid.UUID `json:"job_id"`
	Type      Type      `json:"type"`
	Status    Status    `json:"status"`
	Progress  float64   `json:"progress"`
	Stage     string    `json:"stage,omitempty"`
	Message   string    `json:"message,omitempty"`
	ResultRef *string   `json:"result_ref,omitempty"`
	Error     *JobError `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Revision  int64     `json:"revision"`
}

func (e Event) Terminal() bool { return e.Status.Terminal() }

// NewerThan orders events of the same job: later updated_at wins and equal
// timestamps fall back to the store revision. Equal events are not newer.
func (e Event) NewerThan(o Event) bool {
	if e.UpdatedAt.After(o.UpdatedAt) {
		return true
	}
	if e.UpdatedAt.Equal(o.UpdatedAt) {
		return e.Revision > o.Revision
	}
	return false
}

// Event snapshots the job as a delta event.
func (j *Job) Event() Event {
	if j == nil {
		return Event{}
	}
	return Event{
		JobID:     j.ID,
		Type:      j.Type,
		Status:    j.Status,
		Progress:  j.Progress,
		Stage:     j.Stage,
		Message:   j.Message,
		ResultRef: cloneString(j.ResultRef),
		Error:     j.Err(),
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
		Revision:  j.Revision,
	}
}
