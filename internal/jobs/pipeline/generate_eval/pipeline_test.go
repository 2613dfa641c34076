package generate_eval

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iofold/iofold-jobs/internal/data/artifacts"
	jobrepo "github.com/iofold/iofold-jobs/internal/data/repos/jobs"
	"github.com/iofold/iofold-jobs/internal/data/repos/testutil"
	types "github.com/iofold/iofold-jobs/internal/domain"
	jobrt "github.com/iofold/iofold-jobs/internal/jobs/runtime"
	"github.com/iofold/iofold-jobs/internal/pkg/dbctx"
)

type nopNotifier struct{}

func (nopNotifier) JobCreated(context.Context, *types.Job)  {}
func (nopNotifier) JobProgress(context.Context, *types.Job) {}
func (nopNotifier) JobFinished(context.Context, *types.Job) {}

func run(t *testing.T, p *Pipeline, payload string) (*types.Job, error) {
	t.Helper()
	store := jobrepo.NewMemoryStore(testutil.Logger(t))
	_, _, err := store.Create(dbctx.Background(), &types.Job{Type: p.Type(), Payload: []byte(payload)}, time.Hour)
	require.NoError(t, err)
	job, err := store.Claim(dbctx.Background(), "r1")
	require.NoError(t, err)
	runErr := p.Run(jobrt.NewContext(context.Background(), job, "r1", store, nopNotifier{}, testutil.Logger(t)))
	cur, err := store.Get(dbctx.Background(), job.ID)
	require.NoError(t, err)
	return cur, runErr
}

const payload = `{"eval_set_id":"set-1","name":"refunds","examples":[{"input":"refund?","output":"within 30 days","pass":true}]}`

func TestGenerateEvalWithTemplate(t *testing.T) {
	sink := artifacts.NewStore()
	p := New(TemplateSynthesizer{}, sink, "template", testutil.Logger(t))

	job, err := run(t, p, payload)
	require.NoError(t, err)
	require.Equal(t, types.JobStatusCompleted, job.Status)
	require.NotNil(t, job.ResultRef)
	assert.True(t, strings.HasPrefix(*job.ResultRef, "evals/"))

	e, err := sink.Eval(context.Background(), strings.TrimPrefix(*job.ResultRef, "evals/"))
	require.NoError(t, err)
	assert.Contains(t, e.Code, `"within 30 days"`)
	assert.Equal(t, "set-1", e.EvalSetID)
}

type brokenSynth struct{}

func (brokenSynth) Synthesize(context.Context, artifacts.EvalSpec) (string, error) {
	return "", errors.New("model unavailable")
}

func TestGenerateEvalSynthesisFailureIsCoded(t *testing.T) {
	p := New(brokenSynth{}, artifacts.NewStore(), "", testutil.Logger(t))
	_, err := run(t, p, payload)
	assert.Equal(t, "synthesis_failed", jobrt.CodeOf(err))
}

func TestValidatePayloadRequiresExamples(t *testing.T) {
	p := New(TemplateSynthesizer{}, artifacts.NewStore(), "", testutil.Logger(t))
	assert.Error(t, p.ValidatePayload([]byte(`{"eval_set_id":"s"}`)))
	assert.Error(t, p.ValidatePayload([]byte(`{"examples":[{"pass":true}]}`)))
	assert.NoError(t, p.ValidatePayload([]byte(payload)))
}
