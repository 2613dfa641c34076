package execute_eval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/iofold/iofold-jobs/internal/data/artifacts"
	types "github.com/iofold/iofold-jobs/internal/domain"
	"github.com/iofold/iofold-jobs/internal/platform/logger"
)

const maxTraces = 1000

type EvalSource interface {
	Eval(ctx context.Context, id string) (artifacts.Eval, error)
}

type TraceSource interface {
	Trace(ctx context.Context, id string) (artifacts.Trace, error)
}

type EvalExecutor interface {
	Execute(ctx context.Context, eval artifacts.Eval, trace artifacts.Trace) (artifacts.EvalResult, error)
}

type ResultSink interface {
	SaveResults(ctx context.Context, ref string, results []artifacts.EvalResult) error
}

type Input struct {
	EvalID   string   `json:"eval_id"`
	TraceIDs []string `json:"trace_ids"`
}

func (in Input) validate() error {
	if strings.TrimSpace(in.EvalID) == "" {
		return fmt.Errorf("eval_id is required")
	}
	if len(in.TraceIDs) == 0 {
		return fmt.Errorf("trace_ids must not be empty")
	}
	if len(in.TraceIDs) > maxTraces {
		return fmt.Errorf("trace_ids exceeds %d entries", maxTraces)
	}
	return nil
}

type Pipeline struct {
	evals    EvalSource
	traces   TraceSource
	executor EvalExecutor
	sink     ResultSink
	log      *logger.Logger
}

func New(evals EvalSource, traces TraceSource, executor EvalExecutor, sink ResultSink, baseLog *logger.Logger) *Pipeline {
	return &Pipeline{
		evals:    evals,
		traces:   traces,
		executor: executor,
		sink:     sink,
		log:      baseLog.With("job", "execute_eval"),
	}
}

func (p *Pipeline) Type() types.JobType { return types.JobTypeExecuteEval }

func (p *Pipeline) ValidatePayload(raw []byte) error {
	var in Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}
	return in.validate()
}

func ResultRef(jobID string) string { return "eval-runs/" + jobID }

// LocalExecutor passes a trace when its output is non-empty. Stand-in for the
// sandbox during local development.
type LocalExecutor struct{}

func (LocalExecutor) Execute(_ context.Context, _ artifacts.Eval, trace artifacts.Trace) (artifacts.EvalResult, error) {
	res := artifacts.EvalResult{TraceID: trace.ID}
	if strings.TrimSpace(trace.Output) != "" {
		res.Passed = true
		res.Score = 1
		res.Detail = "output present"
	} else {
		res.Detail = "empty output"
	}
	return res, nil
}
