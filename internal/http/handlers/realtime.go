package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/iofold/iofold-jobs/internal/domain/jobs"
	"github.com/iofold/iofold-jobs/internal/http/response"
	"github.com/iofold/iofold-jobs/internal/platform/ctxutil"
	"github.com/iofold/iofold-jobs/internal/platform/logger"
	"github.com/iofold/iofold-jobs/internal/realtime"
	"github.com/iofold/iofold-jobs/internal/services"
)

type RealtimeHandler struct {
	Log  *logger.Logger
	Hub  *realtime.SSEHub
	Jobs services.JobService
}

func NewRealtimeHandler(log *logger.Logger, hub *realtime.SSEHub, jobs services.JobService) *RealtimeHandler {
	return &RealtimeHandler{
		Log:  log.With("handler", "RealtimeHandler"),
		Hub:  hub,
		Jobs: jobs,
	}
}

// GET /api/jobs/:id/stream
func (h *RealtimeHandler) StreamJob(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	ws := ctxutil.Workspace(ctx)

	// Subscribe before reading the snapshot so no update falls between them.
	client := h.Hub.NewSSEClient(ws)
	h.Hub.AddChannel(client, realtime.JobChannel(jobID))
	defer h.Hub.CloseClient(client)

	job, err := h.Jobs.Get(ctx, ws, jobID)
	if err != nil {
		response.RespondAPIError(c, mapJobError(err), "stream_job_failed")
		return
	}

	h.Log.Debug("job stream open", "job_id", jobID, "client_id", client.ID)
	refresh := func(ctx context.Context) (jobs.Event, error) {
		job, err := h.Jobs.Get(ctx, ws, jobID)
		if err != nil {
			return jobs.Event{}, err
		}
		return job.Event(), nil
	}
	h.Hub.ServeJob(c.Writer, c.Request, client, job.Event(), refresh)
	if client.Lagged() {
		h.Log.Info("job stream dropped slow client", "job_id", jobID, "client_id", client.ID)
	}
}
