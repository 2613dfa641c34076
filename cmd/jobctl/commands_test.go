package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/iofold/iofold-jobs/internal/domain/jobs"
	"github.com/iofold/iofold-jobs/internal/jobclient"
)

func TestReadPayload(t *testing.T) {
	got, err := readPayload(` {"limit": 5} `)
	require.NoError(t, err)
	assert.JSONEq(t, `{"limit":5}`, string(got))

	got, err = readPayload("")
	require.NoError(t, err)
	assert.Equal(t, "{}", string(got))

	path := filepath.Join(t.TempDir(), "payload.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"eval_id":"e1"}`), 0o600))
	got, err = readPayload("@" + path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"eval_id":"e1"}`, string(got))

	_, err = readPayload("{not json")
	assert.Error(t, err)
}

func runJobctl(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = prev })

	root := newRootCommand()
	root.ExitErrHandler = func(context.Context, *cli.Command, error) {}
	err := root.Run(context.Background(), append([]string{"jobctl", "--env", ""}, args...))
	return buf.String(), err
}

func completedJobServer(t *testing.T, id uuid.UUID, workspace *string) *httptest.Server {
	t.Helper()
	ref := "imports/" + id.String()
	now := time.Now().UTC()
	job := jobclient.Job{
		ID: id, Type: jobs.TypeImportTraces, Status: jobs.StatusCompleted,
		Progress: 1, ResultRef: &ref, CreatedAt: now, UpdatedAt: now, Revision: 4,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*workspace = r.Header.Get("X-Workspace-Id")
		if r.URL.Path != "/api/jobs/"+id.String() {
			http.Error(w, `{"error":{"code":"not_found"}}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(job)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetPrintsJob(t *testing.T) {
	id := uuid.New()
	var workspace string
	srv := completedJobServer(t, id, &workspace)

	out, err := runJobctl(t, "--url", srv.URL, "--workspace", "acme", "get", id.String())
	require.NoError(t, err)
	assert.Equal(t, "acme", workspace)

	var got jobclient.Job
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, id, got.ID)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
}

func TestWatchPollsToCompletion(t *testing.T) {
	id := uuid.New()
	var workspace string
	srv := completedJobServer(t, id, &workspace)

	out, err := runJobctl(t, "--url", srv.URL, "watch", "--no-stream", "--poll-interval", "10ms", "--timeout", "5s", id.String())
	require.NoError(t, err)

	var got jobs.Event
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, jobs.StatusCompleted, got.Status)
	assert.Equal(t, int64(4), got.Revision)
}

func TestGetRejectsBadID(t *testing.T) {
	_, err := runJobctl(t, "--url", "http://127.0.0.1:1", "get", "not-a-uuid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid job id")
}
