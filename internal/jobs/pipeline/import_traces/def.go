package import_traces

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/iofold/iofold-jobs/internal/data/artifacts"
	types "github.com/iofold/iofold-jobs/internal/domain"
	"github.com/iofold/iofold-jobs/internal/platform/logger"
)

const (
	maxLimit        = 10000
	defaultPageSize = 50
)

type TraceSource interface {
	FetchTraces(ctx context.Context, req artifacts.FetchRequest) (artifacts.TracePage, error)
}

type TraceSink interface {
	SaveTraces(ctx context.Context, ref string, traces []artifacts.Trace) error
}

type Input struct {
	IntegrationID string `json:"integration_id"`
	Limit         int    `json:"limit"`
	Cursor        string `json:"cursor,omitempty"`
	PageSize      int    `json:"page_size,omitempty"`
}

func (in Input) validate() error {
	if strings.TrimSpace(in.IntegrationID) == "" {
		return fmt.Errorf("integration_id is required")
	}
	if in.Limit <= 0 || in.Limit > maxLimit {
		return fmt.Errorf("limit must be between 1 and %d", maxLimit)
	}
	if in.PageSize < 0 {
		return fmt.Errorf("page_size must not be negative")
	}
	return nil
}

type Pipeline struct {
	source TraceSource
	sink   TraceSink
	log    *logger.Logger
}

func New(source TraceSource, sink TraceSink, baseLog *logger.Logger) *Pipeline {
	return &Pipeline{
		source: source,
		sink:   sink,
		log:    baseLog.With("job", "import_traces"),
	}
}

func (p *Pipeline) Type() types.JobType { return types.JobTypeImportTraces }

func (p *Pipeline) ValidatePayload(raw []byte) error {
	var in Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}
	return in.validate()
}

func ResultRef(jobID string) string { return "imports/" + jobID }
