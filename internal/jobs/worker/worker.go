package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	jobrepo "github.com/iofold/iofold-jobs/internal/data/repos/jobs"
	types "github.com/iofold/iofold-jobs/internal/domain"
	"github.com/iofold/iofold-jobs/internal/jobs/runtime"
	"github.com/iofold/iofold-jobs/internal/observability"
	"github.com/iofold/iofold-jobs/internal/pkg/dbctx"
	"github.com/iofold/iofold-jobs/internal/platform/logger"
	"github.com/iofold/iofold-jobs/internal/services"
)

type Config struct {
	Concurrency         int           `yaml:"concurrency"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	CancelCheckInterval time.Duration `yaml:"cancel_check_interval"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	MaxRuntime          time.Duration `yaml:"max_runtime"`
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.CancelCheckInterval <= 0 {
		c.CancelCheckInterval = 500 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	return c
}

var (
	errJobStopped = errors.New("job left running state")
	errMaxRuntime = errors.New("job exceeded max runtime")
)

// Pool runs up to Concurrency jobs at once. Each runner loop claims one job,
// executes it to a terminal state, then claims the next.
type Pool struct {
	id       string
	cfg      Config
	log      *logger.Logger
	store    jobrepo.JobStore
	registry *runtime.Registry
	notify   services.JobNotifier
	metrics  *observability.Metrics
	wake     chan struct{}
	done     chan struct{}
}

func NewPool(cfg Config, baseLog *logger.Logger, store jobrepo.JobStore, registry *runtime.Registry, notify services.JobNotifier) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		id:       uuid.NewString()[:8],
		cfg:      cfg,
		log:      baseLog.With("component", "JobWorker"),
		store:    store,
		registry: registry,
		notify:   notify,
		wake:     make(chan struct{}, cfg.Concurrency),
		done:     make(chan struct{}),
	}
}

// SetMetrics records job outcomes on m. Must be called before Run.
func (p *Pool) SetMetrics(m *observability.Metrics) { p.metrics = m }

// Wake nudges one idle runner to claim immediately.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Start runs the pool in the background until ctx is done.
func (p *Pool) Start(ctx context.Context) {
	go func() {
		if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.log.Error("job worker pool stopped", "error", err)
		}
	}()
}

// Done is closed after Run returns.
func (p *Pool) Done() <-chan struct{} { return p.done }

func (p *Pool) Run(ctx context.Context) error {
	defer close(p.done)
	p.log.Info("Starting job worker pool", "concurrency", p.cfg.Concurrency, "pool_id", p.id)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		runnerID := fmt.Sprintf("%s-%d", p.id, i+1)
		g.Go(func() error {
			p.runLoop(gctx, runnerID)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) runLoop(ctx context.Context, runnerID string) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for ctx.Err() == nil {
		job, err := p.store.Claim(dbctx.With(ctx), runnerID)
		if err != nil && ctx.Err() == nil {
			p.log.Warn("Claim failed", "runner_id", runnerID, "error", err)
		}
		if job != nil {
			p.execute(ctx, runnerID, job)
			continue
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		case <-p.wake:
		}
	}
	p.log.Info("Worker loop stopped", "runner_id", runnerID)
}

func (p *Pool) execute(ctx context.Context, runnerID string, job *types.Job) {
	log := p.log.With("runner_id", runnerID, "job_id", job.ID, "job_type", job.Type)
	start := time.Now()
	spanCtx, span := observability.StartJobSpan(ctx, job, runnerID)
	defer p.finish(ctx, span, job.ID, start)

	jobCtx, cancel := context.WithCancelCause(spanCtx)
	defer cancel(nil)
	if p.cfg.MaxRuntime > 0 {
		var cancelTimeout context.CancelFunc
		jobCtx, cancelTimeout = context.WithTimeoutCause(jobCtx, p.cfg.MaxRuntime, errMaxRuntime)
		defer cancelTimeout()
	}

	jc := runtime.NewContext(jobCtx, job, runnerID, p.store, p.notify, log)
	p.notify.JobProgress(ctx, job)

	h, ok := p.registry.Get(job.Type)
	if !ok {
		log.Warn("No handler registered for job_type")
		_ = jc.Fail(types.CodeUnknownType, &missingHandlerError{JobType: job.Type})
		return
	}

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		p.watch(jobCtx, cancel, job.ID, runnerID)
	}()

	runErr := runSafely(h, jc)
	cancel(errRunReturned)
	<-watchDone

	cur, err := p.store.Get(dbctx.With(context.WithoutCancel(ctx)), job.ID)
	if err != nil {
		log.Error("reload after run failed", "error", err)
		return
	}
	if cur.Terminal() {
		log.Debug("job finished", "status", cur.Status)
		return
	}

	cause := context.Cause(jobCtx)
	var perr *panicError
	switch {
	case errors.As(runErr, &perr):
		log.Error("Job handler panic", "panic", perr.Val)
		_ = jc.Fail(types.CodePanic, perr)
	case errors.Is(cause, errMaxRuntime):
		_ = jc.Fail(types.CodeTimeout, fmt.Errorf("exceeded max runtime of %s", p.cfg.MaxRuntime))
	case ctx.Err() != nil:
		_ = jc.Fail(types.CodeInterrupted, fmt.Errorf("worker shut down while job was running"))
	case runErr != nil:
		_ = jc.Fail("", runErr)
	default:
		_ = jc.Fail(types.CodeRunFailed, fmt.Errorf("handler returned without reporting a result"))
	}
}

// finish reads back the final record once for the run's span and metrics.
func (p *Pool) finish(ctx context.Context, span trace.Span, id uuid.UUID, start time.Time) {
	cur, err := p.store.Get(dbctx.With(context.WithoutCancel(ctx)), id)
	if err != nil {
		cur = nil
	}
	observability.EndJobSpan(span, cur)
	if cur.Terminal() {
		p.metrics.ObserveJob(cur, time.Since(start))
	}
}

var errRunReturned = errors.New("handler returned")

// watch cancels the job context once the store shows the job left running,
// refreshing the heartbeat while it waits.
func (p *Pool) watch(ctx context.Context, cancel context.CancelCauseFunc, id uuid.UUID, runnerID string) {
	check := time.NewTicker(p.cfg.CancelCheckInterval)
	defer check.Stop()
	lastBeat := time.Now()
	dbc := dbctx.With(context.WithoutCancel(ctx))

	for {
		select {
		case <-ctx.Done():
			return
		case <-check.C:
			cur, err := p.store.Get(dbc, id)
			if err != nil {
				continue
			}
			if cur.Status != types.JobStatusRunning || cur.RunnerID != runnerID {
				cancel(errJobStopped)
				return
			}
			if time.Since(lastBeat) >= p.cfg.HeartbeatInterval {
				if _, err := p.store.Heartbeat(dbc, id, runnerID); err == nil {
					lastBeat = time.Now()
				}
			}
		}
	}
}

func runSafely(h runtime.Handler, jc *runtime.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{Val: r}
		}
	}()
	return h.Run(jc)
}

type missingHandlerError struct{ JobType types.JobType }

func (e *missingHandlerError) Error() string {
	return "no handler registered for job_type=" + string(e.JobType)
}

type panicError struct{ Val any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.Val) }
