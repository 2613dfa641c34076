package jobclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iofold/iofold-jobs/internal/domain/jobs"
	"github.com/iofold/iofold-jobs/internal/platform/logger"
)

const (
	headerWorkspaceID    = "X-Workspace-Id"
	headerIdempotencyKey = "Idempotency-Key"
	eventJob             = "job"
)

// Job is the polling view returned by GET /api/jobs/:id.
type Job struct {
	ID        uuid.UUID      `json:"id"`
	Type      jobs.Type      `json:"type"`
	Status    jobs.Status    `json:"status"`
	Progress  float64        `json:"progress"`
	Stage     string         `json:"stage,omitempty"`
	Message   string         `json:"message,omitempty"`
	ResultRef *string        `json:"result_ref,omitempty"`
	Error     *jobs.JobError `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Revision  int64          `json:"revision"`
}

// Event converts a polled snapshot into the same shape the stream delivers.
func (j *Job) Event() jobs.Event {
	return jobs.Event{
		JobID:     j.ID,
		Type:      j.Type,
		Status:    j.Status,
		Progress:  j.Progress,
		Stage:     j.Stage,
		Message:   j.Message,
		ResultRef: j.ResultRef,
		Error:     j.Error,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
		Revision:  j.Revision,
	}
}

type Options struct {
	BaseURL     string
	WorkspaceID string
	HTTPClient  *http.Client
	Log         *logger.Logger
}

// Client talks to the jobs HTTP API. It never retries on its own; retry
// pacing belongs to the Monitor's Governor.
type Client struct {
	baseURL   string
	workspace string
	hc        *http.Client
	log       *logger.Logger
}

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("jobclient: base url required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("jobclient: parse base url: %w", err)
	}
	hc := opts.HTTPClient
	if hc == nil {
		// No overall timeout: streams stay open for the life of the job.
		hc = &http.Client{}
	}
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		baseURL:   base,
		workspace: strings.TrimSpace(opts.WorkspaceID),
		hc:        hc,
		log:       log.With("component", "JobClient"),
	}, nil
}

// Submit creates a job. created is false when the idempotency key matched an
// existing job.
func (c *Client) Submit(ctx context.Context, jobType jobs.Type, payload any, idempotencyKey string) (*Job, bool, error) {
	body, err := json.Marshal(map[string]any{
		"type":    jobType,
		"payload": payload,
	})
	if err != nil {
		return nil, false, fmt.Errorf("jobclient: encode submission: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/jobs", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set(headerIdempotencyKey, idempotencyKey)
	}
	var job Job
	status, err := c.do(req, &job, http.StatusAccepted, http.StatusOK)
	if err != nil {
		return nil, false, err
	}
	return &job, status == http.StatusAccepted, nil
}

func (c *Client) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/jobs/"+id.String(), nil)
	if err != nil {
		return nil, err
	}
	var job Job
	if _, err := c.do(req, &job, http.StatusOK); err != nil {
		return nil, err
	}
	return &job, nil
}

// Cancel requests cancellation. A job that had already finished comes back
// as-is with a nil error.
func (c *Client) Cancel(ctx context.Context, id uuid.UUID) (*Job, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/jobs/"+id.String()+"/cancel", nil)
	if err != nil {
		return nil, err
	}
	var job Job
	if _, err := c.do(req, &job, http.StatusOK, http.StatusConflict); err != nil {
		return nil, err
	}
	return &job, nil
}

var errStreamDone = errors.New("stream done")

// Stream opens the job's event stream and calls fn for each event until the
// stream ends, ctx is done, or fn returns an error. A terminal event ends the
// stream with a nil error. Opening failures come back as *HTTPError.
func (c *Client) Stream(ctx context.Context, id uuid.UUID, fn func(jobs.Event) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/jobs/"+id.String()+"/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return decodeHTTPError(res)
	}

	err = readSSE(res.Body, func(event, data string) error {
		if event != "" && event != eventJob {
			return nil
		}
		var ev jobs.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			c.log.Warn("discarding malformed job event", "job_id", id, "error", err)
			return nil
		}
		if err := fn(ev); err != nil {
			return err
		}
		if ev.Terminal() {
			return errStreamDone
		}
		return nil
	})
	if errors.Is(err, errStreamDone) {
		return nil
	}
	return err
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.workspace != "" {
		req.Header.Set(headerWorkspaceID, c.workspace)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any, accept ...int) (int, error) {
	res, err := c.hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	ok := false
	for _, s := range accept {
		if res.StatusCode == s {
			ok = true
			break
		}
	}
	if !ok {
		return res.StatusCode, decodeHTTPError(res)
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return res.StatusCode, fmt.Errorf("jobclient: decode response: %w", err)
		}
	}
	return res.StatusCode, nil
}

func decodeHTTPError(res *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	he := &HTTPError{StatusCode: res.StatusCode}
	var env struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && (env.Error.Message != "" || env.Error.Code != "") {
		he.Code = env.Error.Code
		he.Message = env.Error.Message
	} else {
		he.Message = strings.TrimSpace(string(raw))
	}
	return he
}
