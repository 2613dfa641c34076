package app

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iofold/iofold-jobs/internal/domain/jobs"
	"github.com/iofold/iofold-jobs/internal/jobclient"
)

func newTestApp(t *testing.T, opts ...option) (*App, *jobclient.Client) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := defaultConfig()
	cfg.LogMode = "test"
	cfg.ServiceName = ""
	cfg.DB.SQLitePath = filepath.Join(t.TempDir(), "jobs.db")
	cfg.Worker.PollInterval = 50 * time.Millisecond
	cfg.Worker.CancelCheckInterval = 20 * time.Millisecond
	cfg.OpenAIAPIKey = ""
	cfg.TracePlatformURL = ""
	cfg.EvalSandboxURL = ""
	require.NoError(t, cfg.validate())

	a, err := newApp(cfg, opts...)
	require.NoError(t, err)
	require.NotNil(t, a.Server)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Start(ctx))
	srv := httptest.NewServer(a.Server.Engine)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		grace, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		assert.NoError(t, a.Shutdown(grace))
		a.Close()
	})

	client, err := jobclient.New(jobclient.Options{BaseURL: srv.URL, WorkspaceID: "acme"})
	require.NoError(t, err)
	return a, client
}

func runToCompletion(t *testing.T, client *jobclient.Client, jobType jobs.Type, payload any) jobs.Event {
	t.Helper()
	ctx := context.Background()
	job, created, err := client.Submit(ctx, jobType, payload, "")
	require.NoError(t, err)
	require.True(t, created)

	m := jobclient.NewMonitor(client, job.ID, jobclient.MonitorOptions{
		PollInterval: 50 * time.Millisecond,
		Timeout:      15 * time.Second,
		Governor:     jobclient.GovernorConfig{Rate: 20, Burst: 5},
	})
	res, err := m.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, res.State.Status, "job error: %+v", res.State.Error)
	require.NotNil(t, res.State.ResultRef)
	return res.State
}

func TestAppImportGenerateExecute(t *testing.T) {
	a, client := newTestApp(t)

	imported := runToCompletion(t, client, jobs.TypeImportTraces, map[string]any{
		"integration_id": "langfuse-1",
		"limit":          4,
		"page_size":      2,
	})
	traces := a.Repos.Artifacts.ImportedTraces(*imported.ResultRef)
	require.Len(t, traces, 4)
	assert.True(t, strings.HasPrefix(*imported.ResultRef, "imports/"))

	generated := runToCompletion(t, client, jobs.TypeGenerateEval, map[string]any{
		"eval_set_id": "support-answers",
		"examples": []map[string]any{
			{"input": "question 0", "output": "answer 0", "pass": true},
			{"input": "question 1", "output": "", "pass": false},
		},
	})
	evalID := strings.TrimPrefix(*generated.ResultRef, "evals/")
	require.NotEqual(t, *generated.ResultRef, evalID)

	ids := make([]string, 0, len(traces))
	for _, tr := range traces {
		ids = append(ids, tr.ID)
	}
	executed := runToCompletion(t, client, jobs.TypeExecuteEval, map[string]any{
		"eval_id":   evalID,
		"trace_ids": ids,
	})
	assert.Len(t, a.Repos.Artifacts.Results(*executed.ResultRef), len(ids))
}

func TestAppIdempotentSubmitAcrossRequests(t *testing.T) {
	_, client := newTestApp(t)
	ctx := context.Background()
	payload := map[string]any{"integration_id": "langfuse-2", "limit": 2}

	first, created, err := client.Submit(ctx, jobs.TypeImportTraces, payload, "import-langfuse-2")
	require.NoError(t, err)
	require.True(t, created)
	second, created, err := client.Submit(ctx, jobs.TypeImportTraces, payload, "import-langfuse-2")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestAppShutdownInterruptsRunningJob(t *testing.T) {
	a, client := newTestApp(t)
	ctx := context.Background()

	job, _, err := client.Submit(ctx, jobs.TypeImportTraces, map[string]any{
		"integration_id": "langfuse-3",
		"limit":          1000,
		"page_size":      1,
	}, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, err := client.Get(ctx, job.ID)
		return err == nil && j.Status == jobs.StatusRunning
	}, 5*time.Second, 20*time.Millisecond)

	grace, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(grace))

	j, err := client.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, j.Status)
	require.NotNil(t, j.Error)
	assert.Equal(t, jobs.CodeInterrupted, j.Error.Code)
}
