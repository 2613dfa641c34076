package jobclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iofold/iofold-jobs/internal/domain/jobs"
)

func TestReadSSE(t *testing.T) {
	in := ": ping\n\n" +
		"event: job\ndata: {\"a\":1}\n\n" +
		"data: line1\ndata: line2\n\n" +
		"event: job\ndata: {\"partial\""
	var got []string
	err := readSSE(strings.NewReader(in), func(event, data string) error {
		got = append(got, event+"|"+data)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{`job|{"a":1}`, "|line1\nline2"}, got)
}

func TestClientSubmitGetCancel(t *testing.T) {
	id := uuid.New()
	var gotKey, gotWorkspace string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotWorkspace = r.Header.Get("X-Workspace-Id")
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/jobs":
			gotKey = r.Header.Get("Idempotency-Key")
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			w.WriteHeader(http.StatusAccepted)
			fmt.Fprintf(w, `{"id":%q,"type":%q,"status":"queued"}`, id, body["type"])
		case r.Method == http.MethodGet && r.URL.Path == "/api/jobs/"+id.String():
			fmt.Fprintf(w, `{"id":%q,"type":"import_traces","status":"running","progress":0.4,"updated_at":"2026-01-01T00:00:00Z","revision":3}`, id)
		case r.Method == http.MethodPost && r.URL.Path == "/api/jobs/"+id.String()+"/cancel":
			w.WriteHeader(http.StatusConflict)
			fmt.Fprintf(w, `{"id":%q,"type":"import_traces","status":"completed","result_ref":"imports/x"}`, id)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"message":"job not found","code":"job_not_found"}}`)
		}
	}))
	defer srv.Close()

	c, err := New(Options{BaseURL: srv.URL + "/", WorkspaceID: "acme"})
	require.NoError(t, err)
	ctx := context.Background()

	job, created, err := c.Submit(ctx, jobs.TypeImportTraces, map[string]any{"limit": 5}, "k-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, jobs.StatusQueued, job.Status)
	assert.Equal(t, "k-1", gotKey)
	assert.Equal(t, "acme", gotWorkspace)

	job, err = c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0.4, job.Progress)
	assert.EqualValues(t, 3, job.Event().Revision)

	job, err = c.Cancel(ctx, id)
	require.NoError(t, err, "cancel on a finished job is not an error")
	assert.Equal(t, jobs.StatusCompleted, job.Status)

	_, err = c.Get(ctx, uuid.New())
	var he *HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusNotFound, he.StatusCode)
	assert.Equal(t, "job_not_found", he.Code)
}

func TestClientStream(t *testing.T) {
	id := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for i, status := range []jobs.Status{jobs.StatusQueued, jobs.StatusRunning, jobs.StatusCompleted} {
			raw, _ := json.Marshal(jobs.Event{JobID: id, Status: status, UpdatedAt: time.Now(), Revision: int64(i + 1)})
			fmt.Fprintf(w, ": ping\n\nevent: job\ndata: %s\n\n", raw)
			fl.Flush()
		}
		// Anything after the terminal event is ignored.
		fmt.Fprint(w, "event: job\ndata: {}\n\n")
	}))
	defer srv.Close()

	c, err := New(Options{BaseURL: srv.URL})
	require.NoError(t, err)

	var statuses []jobs.Status
	err = c.Stream(context.Background(), id, func(e jobs.Event) error {
		statuses = append(statuses, e.Status)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []jobs.Status{jobs.StatusQueued, jobs.StatusRunning, jobs.StatusCompleted}, statuses)
}

func TestClientStreamOpenFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "blocked", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := New(Options{BaseURL: srv.URL})
	require.NoError(t, err)
	err = c.Stream(context.Background(), uuid.New(), func(jobs.Event) error { return nil })
	var he *HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusServiceUnavailable, he.StatusCode)
	assert.Equal(t, "blocked", he.Message)
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
