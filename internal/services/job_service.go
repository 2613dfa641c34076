package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	jobrepo "github.com/iofold/iofold-jobs/internal/data/repos/jobs"
	types "github.com/iofold/iofold-jobs/internal/domain"
	"github.com/iofold/iofold-jobs/internal/pkg/dbctx"
	"github.com/iofold/iofold-jobs/internal/platform/ctxutil"
	"github.com/iofold/iofold-jobs/internal/platform/logger"
)

var (
	ErrInvalidSubmission = errors.New("invalid job submission")
	ErrNotFound          = types.ErrJobNotFound
)

const maxIdempotencyKeyLen = 255

// JobValidator checks a submission before any record exists.
type JobValidator interface {
	Validate(jobType types.JobType, payload []byte) error
}

// Waker is nudged after a submission so an idle runner claims it without
// waiting for its next poll.
type Waker interface {
	Wake()
}

type SubmitRequest struct {
	WorkspaceID    string
	Type           types.JobType
	Payload        json.RawMessage
	IdempotencyKey string
}

type JobService interface {
	Submit(ctx context.Context, req SubmitRequest) (*types.Job, bool, error)
	Get(ctx context.Context, workspaceID string, id uuid.UUID) (*types.Job, error)
	Cancel(ctx context.Context, workspaceID string, id uuid.UUID) (*types.Job, bool, error)
}

type jobService struct {
	log       *logger.Logger
	store     jobrepo.JobStore
	notify    JobNotifier
	validator JobValidator
	waker     Waker
	retention time.Duration
	now       func() time.Time
}

func NewJobService(
	baseLog *logger.Logger,
	store jobrepo.JobStore,
	notify JobNotifier,
	validator JobValidator,
	waker Waker,
	retention time.Duration,
) JobService {
	return &jobService{
		log:       baseLog.With("service", "JobService"),
		store:     store,
		notify:    notify,
		validator: validator,
		waker:     waker,
		retention: retention,
		now:       time.Now,
	}
}

func (s *jobService) Submit(ctx context.Context, req SubmitRequest) (*types.Job, bool, error) {
	jobType := types.JobType(strings.TrimSpace(string(req.Type)))
	if jobType == "" {
		return nil, false, fmt.Errorf("%w: missing type", ErrInvalidSubmission)
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if len(key) > maxIdempotencyKeyLen {
		return nil, false, fmt.Errorf("%w: idempotency_key longer than %d", ErrInvalidSubmission, maxIdempotencyKeyLen)
	}

	payload, err := normalizePayload(ctx, req.Payload)
	if err != nil {
		return nil, false, err
	}
	if s.validator != nil {
		if err := s.validator.Validate(jobType, payload); err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
		}
	}

	workspace := strings.TrimSpace(req.WorkspaceID)
	if workspace == "" {
		workspace = "default"
	}
	job := &types.Job{
		WorkspaceID: workspace,
		Type:        jobType,
		Payload:     datatypes.JSON(payload),
	}
	if key != "" {
		job.IdempotencyKey = &key
	}

	saved, created, err := s.store.Create(dbctx.With(ctx), job, s.retention)
	if err != nil {
		return nil, false, fmt.Errorf("create job: %w", err)
	}
	if !created {
		s.log.Debug("idempotent submission matched existing job", "job_id", saved.ID, "workspace_id", workspace)
		return saved, false, nil
	}

	s.log.Info("job submitted", "job_id", saved.ID, "job_type", saved.Type, "workspace_id", workspace)
	s.notify.JobCreated(ctx, saved)
	if s.waker != nil {
		s.waker.Wake()
	}
	return saved, true, nil
}

// Get hides jobs from other workspaces and jobs past their retention window.
func (s *jobService) Get(ctx context.Context, workspaceID string, id uuid.UUID) (*types.Job, error) {
	job, err := s.store.Get(dbctx.With(ctx), id)
	if err != nil {
		return nil, err
	}
	if !s.visible(workspaceID, job) {
		return nil, ErrNotFound
	}
	return job, nil
}

func (s *jobService) Cancel(ctx context.Context, workspaceID string, id uuid.UUID) (*types.Job, bool, error) {
	if _, err := s.Get(ctx, workspaceID, id); err != nil {
		return nil, false, err
	}
	job, changed, err := s.store.Cancel(dbctx.With(ctx), id)
	if err != nil {
		return nil, false, err
	}
	if changed {
		s.log.Info("job cancelled", "job_id", id)
		s.notify.JobFinished(ctx, job)
	}
	return job, changed, nil
}

func (s *jobService) visible(workspaceID string, job *types.Job) bool {
	if workspaceID == "" {
		workspaceID = "default"
	}
	if job.WorkspaceID != workspaceID {
		return false
	}
	return !job.Expired(s.retention, s.now())
}

// normalizePayload requires a JSON object and stamps the request's trace ids
// into it so the runner can log against the submitting request.
func normalizePayload(ctx context.Context, raw json.RawMessage) ([]byte, error) {
	if len(strings.TrimSpace(string(raw))) == 0 || strings.TrimSpace(string(raw)) == "null" {
		raw = json.RawMessage(`{}`)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, fmt.Errorf("%w: payload must be a JSON object", ErrInvalidSubmission)
	}
	if td := ctxutil.GetTraceData(ctx); td != nil {
		if _, ok := obj["trace_id"]; !ok && td.TraceID != "" {
			obj["trace_id"] = td.TraceID
		}
		if _, ok := obj["request_id"]; !ok && td.RequestID != "" {
			obj["request_id"] = td.RequestID
		}
	}
	return json.Marshal(obj)
}
