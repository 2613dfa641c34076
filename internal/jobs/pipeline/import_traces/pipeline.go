package import_traces

import (
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
	pageSize := in.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	ref := ResultRef(jc.Job.ID.String())
	if err := jc.Progress("fetch", 0, fmt.Sprintf("importing up to %d traces", in.Limit)); err != nil {
		return err
	}

	imported := 0
	cursor := in.Cursor
	for imported < in.Limit {
		if err := jc.Ctx.Err(); err != nil {
			return err
		}
		want := min(pageSize, in.Limit-imported)
		page, err := p.source.FetchTraces(jc.Ctx, artifacts.FetchRequest{
			IntegrationID: in.IntegrationID,
			Cursor:        cursor,
			Limit:         want,
		})
		if err != nil {
			return jobrt.WithCode("upstream_failed", fmt.Errorf("fetch traces: %w", err))
		}
		batch := page.Traces
		if len(batch) > want {
			batch = batch[:want]
		}
		// An empty page ends the import even if the source claims more data.
		if len(batch) == 0 {
			break
		}
		if err := p.sink.SaveTraces(jc.Ctx, ref, batch); err != nil {
			return jobrt.WithCode("store_failed", fmt.Errorf("save traces: %w", err))
		}
		imported += len(batch)
		if err := jc.Progress("import", float64(imported)/float64(in.Limit), fmt.Sprintf("%d of %d traces", imported, in.Limit)); err != nil {
			return err
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	p.log.Info("traces imported", "job_id", jc.Job.ID, "integration_id", in.IntegrationID, "count", imported)
	return jc.Succeed(ref)
}
