package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	types "github.com/iofold/iofold-jobs/internal/domain"
	"github.com/iofold/iofold-jobs/internal/http/response"
	"github.com/iofold/iofold-jobs/internal/platform/apierr"
	"github.com/iofold/iofold-jobs/internal/platform/ctxutil"
	"github.com/iofold/iofold-jobs/internal/platform/logger"
	"github.com/iofold/iofold-jobs/internal/services"
)

const headerIdempotencyKey = "Idempotency-Key"

// JobResponse is the polling view of a job record.
type JobResponse struct {
	ID        uuid.UUID       `json:"id"`
	Type      types.JobType   `json:"type"`
	Status    types.JobStatus `json:"status"`
	Progress  float64         `json:"progress"`
	Stage     string          `json:"stage,omitempty"`
	Message   string          `json:"message,omitempty"`
	ResultRef *string         `json:"result_ref,omitempty"`
	Error     *types.JobError `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Revision  int64           `json:"revision"`
}

func NewJobResponse(j *types.Job) JobResponse {
	return JobResponse{
		ID:        j.ID,
		Type:      j.Type,
		Status:    j.Status,
		Progress:  j.Progress,
		Stage:     j.Stage,
		Message:   j.Message,
		ResultRef: j.ResultRef,
		Error:     j.Err(),
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
		Revision:  j.Revision,
	}
}

type submitJobRequest struct {
	Type           types.JobType   `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type JobHandler struct {
	log  *logger.Logger
	jobs services.JobService
}

func NewJobHandler(log *logger.Logger, jobs services.JobService) *JobHandler {
	return &JobHandler{log: log.With("handler", "JobHandler"), jobs: jobs}
}

// POST /api/jobs
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	key := req.IdempotencyKey
	if hk := strings.TrimSpace(c.GetHeader(headerIdempotencyKey)); hk != "" {
		key = hk
	}

	job, created, err := h.jobs.Submit(c.Request.Context(), services.SubmitRequest{
		WorkspaceID:    ctxutil.Workspace(c.Request.Context()),
		Type:           req.Type,
		Payload:        req.Payload,
		IdempotencyKey: key,
	})
	if err != nil {
		response.RespondAPIError(c, mapJobError(err), "submit_job_failed")
		return
	}
	status := http.StatusAccepted
	if !created {
		status = http.StatusOK
	}
	response.Respond(c, status, NewJobResponse(job))
}

// GET /api/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}
	job, err := h.jobs.Get(c.Request.Context(), ctxutil.Workspace(c.Request.Context()), jobID)
	if err != nil {
		response.RespondAPIError(c, mapJobError(err), "get_job_failed")
		return
	}
	response.RespondOK(c, NewJobResponse(job))
}

// POST /api/jobs/:id/cancel
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}
	job, changed, err := h.jobs.Cancel(c.Request.Context(), ctxutil.Workspace(c.Request.Context()), jobID)
	if err != nil {
		response.RespondAPIError(c, mapJobError(err), "cancel_job_failed")
		return
	}
	if !changed {
		// Already terminal: report the state it ended in.
		response.Respond(c, http.StatusConflict, NewJobResponse(job))
		return
	}
	response.RespondOK(c, NewJobResponse(job))
}

func parseJobID(c *gin.Context) (uuid.UUID, bool) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return uuid.Nil, false
	}
	return jobID, true
}

func mapJobError(err error) error {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return apierr.NotFound("job_not_found", err)
	case errors.Is(err, services.ErrInvalidSubmission):
		return apierr.BadRequest("invalid_submission", err)
	default:
		return err
	}
}
