package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	jobrepo "github.com/iofold/iofold-jobs/internal/data/repos/jobs"
	types "github.com/iofold/iofold-jobs/internal/domain"
	"github.com/iofold/iofold-jobs/internal/pkg/dbctx"
	"github.com/iofold/iofold-jobs/internal/platform/ctxutil"
	"github.com/iofold/iofold-jobs/internal/platform/logger"
	"github.com/iofold/iofold-jobs/internal/services"
)

/*
Context is the only handle a work unit gets on its job.
It wraps:
	- Ctx, cancelled when the job is cancelled, times out, or the pool stops
	- the claimed Job row as last written by this runner
	- the store and notifier, so every report is a CAS write followed by an event
Work units never touch the store directly.
*/
type Context struct {
	Ctx      context.Context
	Job      *types.Job
	RunnerID string
	Store    jobrepo.JobStore
	Notify   services.JobNotifier
	Log      *logger.Logger
	payload  map[string]any
}

func NewContext(ctx context.Context, job *types.Job, runnerID string, store jobrepo.JobStore, notify services.JobNotifier, log *logger.Logger) *Context {
	c := &Context{
		Ctx:      ctx,
		Job:      job,
		RunnerID: runnerID,
		Store:    store,
		Notify:   notify,
		Log:      log,
	}
	_ = c.decodePayload()
	c.applyTraceData()
	return c
}

func (c *Context) decodePayload() error {
	if c.Job == nil || len(c.Job.Payload) == 0 {
		c.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Job.Payload, &m); err != nil {
		c.payload = map[string]any{}
		return err
	}
	c.payload = m
	return nil
}

func (c *Context) applyTraceData() {
	if c.Ctx == nil {
		return
	}
	traceID, _ := c.Payload()["trace_id"].(string)
	reqID, _ := c.Payload()["request_id"].(string)
	if strings.TrimSpace(traceID) == "" && strings.TrimSpace(reqID) == "" {
		return
	}
	c.Ctx = ctxutil.WithTraceData(c.Ctx, &ctxutil.TraceData{TraceID: traceID, RequestID: reqID})
}

// Payload never returns nil.
func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

// DecodePayload unmarshals the raw payload into v. Failures carry the bad_payload code.
func (c *Context) DecodePayload(v any) error {
	if c.Job == nil || len(c.Job.Payload) == 0 {
		return WithCode(types.CodeBadPayload, fmt.Errorf("empty payload"))
	}
	if err := json.Unmarshal(c.Job.Payload, v); err != nil {
		return WithCode(types.CodeBadPayload, fmt.Errorf("decode payload: %w", err))
	}
	return nil
}

func (c *Context) PayloadUUID(key string) (uuid.UUID, bool) {
	s, ok := c.Payload()[key].(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

/*
Progress records a non-terminal update. Fraction is clamped to [0,1] and never
moves backwards. Returns ErrStopped when the job is no longer held by this
runner, and the work unit should return promptly.
*/
func (c *Context) Progress(stage string, fraction float64, msg string) error {
	if err := c.Ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStopped, err)
	}
	cur, changed, err := c.Store.UpdateProgress(c.dbc(), c.Job.ID, c.RunnerID, fraction, stage, msg)
	if err != nil {
		return err
	}
	if !changed {
		if cur == nil || cur.Status != types.JobStatusRunning || cur.RunnerID != c.RunnerID {
			return ErrStopped
		}
		return nil
	}
	c.Job = cur
	c.Notify.JobProgress(c.Ctx, cur)
	return nil
}

// Succeed completes the job with resultRef. Returns ErrStopped if another
// writer already finished it.
func (c *Context) Succeed(resultRef string) error {
	cur, changed, err := c.Store.Complete(c.dbc(), c.Job.ID, resultRef)
	if err != nil {
		return err
	}
	c.Job = cur
	if !changed {
		return ErrStopped
	}
	c.Notify.JobFinished(context.WithoutCancel(c.Ctx), cur)
	return nil
}

// Fail finishes the job as failed with {code, err}. An empty code is taken
// from err via CodeOf.
func (c *Context) Fail(code string, err error) error {
	if code == "" {
		code = CodeOf(err)
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	cur, changed, serr := c.Store.Fail(c.dbc(), c.Job.ID, types.JobError{Code: code, Message: msg})
	if serr != nil {
		return serr
	}
	c.Job = cur
	if !changed {
		return ErrStopped
	}
	if c.Log != nil {
		c.Log.Warn("job failed", "job_id", cur.ID, "job_type", cur.Type, "code", code, "error", msg)
	}
	c.Notify.JobFinished(context.WithoutCancel(c.Ctx), cur)
	return nil
}

// Canceled re-reads the store and reports whether the job was cancelled.
func (c *Context) Canceled() bool {
	cur, err := c.Store.Get(c.dbc(), c.Job.ID)
	if err != nil {
		return false
	}
	return cur.Status == types.JobStatusCancelled
}

// Terminal writes use a background context so a cancelled job context never
// prevents recording the outcome.
func (c *Context) dbc() dbctx.Context {
	return dbctx.With(context.WithoutCancel(c.Ctx))
}
