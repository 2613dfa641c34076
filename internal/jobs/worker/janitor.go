package worker

import (
	"context"
	"time"

	jobrepo "github.com/iofold/iofold-jobs/internal/data/repos/jobs"
	"github.com/iofold/iofold-jobs/internal/pkg/dbctx"
	"github.com/iofold/iofold-jobs/internal/platform/logger"
)

// Janitor deletes terminal jobs once they are past the retention window.
type Janitor struct {
	store     jobrepo.JobStore
	log       *logger.Logger
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
}

func NewJanitor(store jobrepo.JobStore, baseLog *logger.Logger, retention, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Janitor{
		store:     store,
		log:       baseLog.With("component", "JobJanitor"),
		retention: retention,
		interval:  interval,
		now:       time.Now,
	}
}

func (j *Janitor) Run(ctx context.Context) {
	if j.retention <= 0 {
		return
	}
	t := time.NewTicker(j.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
				j.log.Warn("janitor sweep failed", "error", err)
			}
		}
	}
}

func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	n, err := j.store.PurgeExpired(dbctx.With(ctx), j.now().Add(-j.retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.log.Info("purged expired jobs", "count", n)
	}
	return n, nil
}
