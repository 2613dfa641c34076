package worker

import (
	"context"
	"fmt"
	"time"

	jobrepo "github.com/iofold/iofold-jobs/internal/data/repos/jobs"
	types "github.com/iofold/iofold-jobs/internal/domain"
	"github.com/iofold/iofold-jobs/internal/pkg/dbctx"
	"github.com/iofold/iofold-jobs/internal/platform/logger"
	"github.com/iofold/iofold-jobs/internal/services"
)

// Reaper fails running jobs whose runner stopped heartbeating. It only uses
// the store's fail primitive, so a runner finishing at the same moment wins or
// loses the usual compare-and-set.
type Reaper struct {
	store     jobrepo.JobStore
	notify    services.JobNotifier
	log       *logger.Logger
	threshold time.Duration
	interval  time.Duration
	now       func() time.Time
}

func NewReaper(store jobrepo.JobStore, notify services.JobNotifier, baseLog *logger.Logger, threshold, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = threshold / 4
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		store:     store,
		notify:    notify,
		log:       baseLog.With("component", "JobReaper"),
		threshold: threshold,
		interval:  interval,
		now:       time.Now,
	}
}

func (r *Reaper) Run(ctx context.Context) {
	if r.threshold <= 0 {
		return
	}
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn("reaper sweep failed", "error", err)
			}
		}
	}
}

// Sweep fails every stale job once and returns how many it failed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.threshold)
	stale, err := r.store.ListStale(dbctx.With(ctx), cutoff, 100)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range stale {
		cur, changed, err := r.store.Fail(dbctx.With(ctx), j.ID, types.JobError{
			Code:    types.CodeTimeout,
			Message: fmt.Sprintf("runner %s stopped heartbeating", j.RunnerID),
		})
		if err != nil {
			r.log.Warn("reap failed", "job_id", j.ID, "error", err)
			continue
		}
		if changed {
			n++
			r.log.Warn("reaped dead job", "job_id", j.ID, "runner_id", j.RunnerID)
			r.notify.JobFinished(ctx, cur)
		}
	}
	return n, nil
}
