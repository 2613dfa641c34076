package traceplatform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/iofold/iofold-jobs/internal/data/artifacts"
	"github.com/iofold/iofold-jobs/internal/pkg/httpx"
	"github.com/iofold/iofold-jobs/internal/platform/logger"
)

type Options struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	MaxRetries int
	Log        *logger.Logger
}

// Client pages traces out of an external observability platform.
type Client struct {
	base       *url.URL
	apiKey     string
	hc         *http.Client
	maxRetries int
	log        *logger.Logger
}

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("trace platform: http %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPError) HTTPStatusCode() int { return e.StatusCode }

func New(opts Options) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if raw == "" {
		return nil, fmt.Errorf("missing TRACE_PLATFORM_URL")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse TRACE_PLATFORM_URL: %w", err)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		base:       base,
		apiKey:     opts.APIKey,
		hc:         hc,
		maxRetries: maxRetries,
		log:        log.With("client", "TracePlatform"),
	}, nil
}

func (c *Client) FetchTraces(ctx context.Context, req artifacts.FetchRequest) (artifacts.TracePage, error) {
	q := url.Values{}
	q.Set("integration_id", req.IntegrationID)
	if req.Cursor != "" {
		q.Set("cursor", req.Cursor)
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	u := c.base.JoinPath("v1", "traces")
	u.RawQuery = q.Encode()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := httpx.Sleep(ctx, httpx.Backoff(attempt-1, 500*time.Millisecond, 8*time.Second)); err != nil {
				return artifacts.TracePage{}, err
			}
		}
		page, err := c.fetchOnce(ctx, u.String())
		if err == nil {
			return page, nil
		}
		lastErr = err
		if !httpx.IsRetryableError(err) || ctx.Err() != nil {
			return artifacts.TracePage{}, err
		}
		c.log.Warn("trace fetch failed; retrying", "attempt", attempt+1, "error", err)
	}
	return artifacts.TracePage{}, fmt.Errorf("trace platform: retries exhausted: %w", lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, endpoint string) (artifacts.TracePage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return artifacts.TracePage{}, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return artifacts.TracePage{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return artifacts.TracePage{}, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	var page artifacts.TracePage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return artifacts.TracePage{}, fmt.Errorf("decode traces: %w", err)
	}
	return page, nil
}
