package generate_eval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/iofold/iofold-jobs/internal/data/artifacts"
	types "github.com/iofold/iofold-jobs/internal/domain"
	"github.com/iofold/iofold-jobs/internal/platform/logger"
)

type EvalSynthesizer interface {
	Synthesize(ctx context.Context, spec artifacts.EvalSpec) (string, error)
}

type EvalSink interface {
	SaveEval(ctx context.Context, e artifacts.Eval) (artifacts.Eval, error)
}

type Input struct {
	EvalSetID    string              `json:"eval_set_id"`
	Name         string              `json:"name"`
	Instructions string              `json:"instructions"`
	Examples     []artifacts.Example `json:"examples"`
}

func (in Input) validate() error {
	if strings.TrimSpace(in.EvalSetID) == "" {
		return fmt.Errorf("eval_set_id is required")
	}
	if len(in.Examples) == 0 {
		return fmt.Errorf("at least one labelled example is required")
	}
	return nil
}

func (in Input) spec() artifacts.EvalSpec {
	name := in.Name
	if name == "" {
		name = in.EvalSetID
	}
	return artifacts.EvalSpec{
		EvalSetID:    in.EvalSetID,
		Name:         name,
		Instructions: in.Instructions,
		Examples:     in.Examples,
	}
}

type Pipeline struct {
	synth EvalSynthesizer
	sink  EvalSink
	model string
	log   *logger.Logger
}

// New takes the model name only to record it on the saved eval.
func New(synth EvalSynthesizer, sink EvalSink, model string, baseLog *logger.Logger) *Pipeline {
	return &Pipeline{
		synth: synth,
		sink:  sink,
		model: model,
		log:   baseLog.With("job", "generate_eval"),
	}
}

func (p *Pipeline) Type() types.JobType { return types.JobTypeGenerateEval }

func (p *Pipeline) ValidatePayload(raw []byte) error {
	var in Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}
	return in.validate()
}

// TemplateSynthesizer writes a string-matching eval from the passing examples.
// Used when no model is configured.
type TemplateSynthesizer struct{}

func (TemplateSynthesizer) Synthesize(_ context.Context, spec artifacts.EvalSpec) (string, error) {
	var expected []string
	for _, ex := range spec.Examples {
		if ex.Pass && strings.TrimSpace(ex.Output) != "" {
			expected = append(expected, fmt.Sprintf("%q", ex.Output))
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", spec.Name)
	fmt.Fprintf(&b, "EXPECTED = [%s]\n\n", strings.Join(expected, ", "))
	b.WriteString("def evaluate(trace):\n")
	b.WriteString("    out = trace.get(\"output\", \"\")\n")
	b.WriteString("    ok = any(e in out for e in EXPECTED) if EXPECTED else bool(out)\n")
	b.WriteString("    return ok, \"matched expected output\" if ok else \"no expected output found\"\n")
	return b.String(), nil
}
