package generate_eval

import (
	"fmt"

	"github.com/iofold/iofold-jobs/internal/data/artifacts"
	types "github.com/iofold/iofold-jobs/internal/domain"
	jobrt "github.com/iofold/iofold-jobs/internal/jobs/runtime"
	"github.com/iofold/iofold-jobs/internal/platform/openai"
)

func (p *Pipeline) Run(jc *jobrt.Context) error {
	var in Input
	if err := jc.DecodePayload(&in); err != nil {
		return err
	}
	if err := in.validate(); err != nil {
		return jobrt.WithCode(types.CodeBadPayload, err)
	}

	if err := jc.Progress("synthesize", 0.1, fmt.Sprintf("generating eval from %d examples", len(in.Examples))); err != nil {
		return err
	}
	code, err := p.synth.Synthesize(jc.Ctx, in.spec())
	if err != nil {
		if openai.IsRateLimit(err) {
			return jobrt.WithCode("upstream_rate_limited", err)
		}
		return jobrt.WithCode("synthesis_failed", err)
	}

	if err := jc.Progress("save", 0.8, "saving generated eval"); err != nil {
		return err
	}
	saved, err := p.sink.SaveEval(jc.Ctx, artifacts.Eval{
		EvalSetID: in.EvalSetID,
		Name:      in.spec().Name,
		Code:      code,
		Model:     p.model,
	})
	if err != nil {
		return jobrt.WithCode("store_failed", err)
	}

	p.log.Info("eval generated", "job_id", jc.Job.ID, "eval_id", saved.ID, "eval_set_id", in.EvalSetID)
	return jc.Succeed("evals/" + saved.ID)
}
