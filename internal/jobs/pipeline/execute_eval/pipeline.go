package execute_eval

import (
	"errors"
	"fmt"

	"github.com/iofold/iofold-jobs/internal/data/artifacts"
	types "github.com/iofold/iofold-jobs/internal/domain"
	jobrt "github.com/iofold/iofold-jobs/internal/jobs/runtime"
)

func (p *Pipeline) Run(jc *jobrt.Context) error {
	var in Input
	if err := jc.DecodePayload(&in); err != nil {
		return err
	}
	if err := in.validate(); err != nil {
		return jobrt.WithCode(types.CodeBadPayload, err)
	}

	eval, err := p.evals.Eval(jc.Ctx, in.EvalID)
	if errors.Is(err, artifacts.ErrNotFound) {
		return jobrt.WithCode("eval_not_found", fmt.Errorf("eval %s", in.EvalID))
	}
	if err != nil {
		return jobrt.WithCode("store_failed", err)
	}

	total := len(in.TraceIDs)
	if err := jc.Progress("execute", 0, fmt.Sprintf("running %s against %d traces", eval.Name, total)); err != nil {
		return err
	}

	results := make([]artifacts.EvalResult, 0, total)
	passed := 0
	for i, id := range in.TraceIDs {
		if err := jc.Ctx.Err(); err != nil {
			return err
		}
		trace, err := p.traces.Trace(jc.Ctx, id)
		if errors.Is(err, artifacts.ErrNotFound) {
			results = append(results, artifacts.EvalResult{TraceID: id, Detail: "trace not found"})
		} else if err != nil {
			return jobrt.WithCode("store_failed", err)
		} else {
			res, err := p.executor.Execute(jc.Ctx, eval, trace)
			if err != nil {
				return jobrt.WithCode("execution_failed", fmt.Errorf("trace %s: %w", id, err))
			}
			res.TraceID = id
			if res.Passed {
				passed++
			}
			results = append(results, res)
		}
		done := i + 1
		if err := jc.Progress("execute", float64(done)/float64(total)*0.95, fmt.Sprintf("%d/%d traces, %d passed", done, total, passed)); err != nil {
			return err
		}
	}

	ref := ResultRef(jc.Job.ID.String())
	if err := p.sink.SaveResults(jc.Ctx, ref, results); err != nil {
		return jobrt.WithCode("store_failed", err)
	}
	p.log.Info("eval executed", "job_id", jc.Job.ID, "eval_id", eval.ID, "traces", total, "passed", passed)
	return jc.Succeed(ref)
}
