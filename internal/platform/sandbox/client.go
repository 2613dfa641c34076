package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/iofold/iofold-jobs/internal/data/artifacts"
)

// Client runs generated eval code against a trace inside an isolated sandbox service.
type Client struct {
	endpoint string
	hc       *http.Client
}

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("eval sandbox: http %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPError) HTTPStatusCode() int { return e.StatusCode }

func New(baseURL string, hc *http.Client) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if raw == "" {
		return nil, fmt.Errorf("missing EVAL_SANDBOX_URL")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse EVAL_SANDBOX_URL: %w", err)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{endpoint: u.JoinPath("v1", "execute").String(), hc: hc}, nil
}

type executeRequest struct {
	Code  string          `json:"code"`
	Trace artifacts.Trace `json:"trace"`
}

type executeResponse struct {
	Passed bool    `json:"passed"`
	Score  float64 `json:"score"`
	Detail string  `json:"detail"`
}

func (c *Client) Execute(ctx context.Context, eval artifacts.Eval, trace artifacts.Trace) (artifacts.EvalResult, error) {
	body, err := json.Marshal(executeRequest{Code: eval.Code, Trace: trace})
	if err != nil {
		return artifacts.EvalResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return artifacts.EvalResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return artifacts.EvalResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return artifacts.EvalResult{}, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	var out executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return artifacts.EvalResult{}, fmt.Errorf("decode sandbox result: %w", err)
	}
	return artifacts.EvalResult{TraceID: trace.ID, Passed: out.Passed, Score: out.Score, Detail: out.Detail}, nil
}
