package jobclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/iofold/iofold-jobs/internal/domain/jobs"
	"github.com/iofold/iofold-jobs/internal/pkg/httpx"
	"github.com/iofold/iofold-jobs/internal/platform/logger"
)

// API is the part of Client a Monitor needs.
type API interface {
	Get(ctx context.Context, id uuid.UUID) (*Job, error)
	Stream(ctx context.Context, id uuid.UUID, fn func(jobs.Event) error) error
	Cancel(ctx context.Context, id uuid.UUID) (*Job, error)
}

type Transport string

const (
	TransportNone   Transport = ""
	TransportStream Transport = "stream"
	TransportPoll   Transport = "poll"
)

// Result is what a monitor resolves with. State holds the terminal job state,
// or the last state seen when Err is ErrMonitorTimeout.
type Result struct {
	State     jobs.Event
	Transport Transport
	Err       error
}

// Monitor watches one job until it reaches a terminal state. Stream and poll
// adapters both feed a single event channel; the core loop only keeps events
// newer than the state it already holds, so transport switches and duplicate
// deliveries cannot move the observed state backwards.
type Monitor struct {
	api   API
	jobID uuid.UUID
	opts  MonitorOptions
	gov   *Governor
	log   *logger.Logger

	started atomic.Bool
	done    chan struct{}

	mu        sync.Mutex
	stopped   bool
	cancel    context.CancelCauseFunc
	state     jobs.Event
	seen      bool
	transport Transport
}

func NewMonitor(api API, jobID uuid.UUID, opts MonitorOptions) *Monitor {
	opts = opts.withDefaults()
	return &Monitor{
		api:   api,
		jobID: jobID,
		opts:  opts,
		gov:   NewGovernor(opts.Governor),
		log:   opts.Log.With("component", "JobMonitor", "job_id", jobID),
		done:  make(chan struct{}),
	}
}

// Run blocks until the job is terminal, the timeout passes, Stop is called,
// or ctx is done. A job that ends in failed or cancelled is still a nil
// error; its outcome is in Result.State.
func (m *Monitor) Run(ctx context.Context) (Result, error) {
	if !m.started.CompareAndSwap(false, true) {
		return Result{}, errAlreadyStarted
	}
	defer close(m.done)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if m.opts.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeoutCause(ctx, m.opts.Timeout, ErrMonitorTimeout)
		defer cancelTimeout()
	}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return Result{}, ErrStopped
	}
	m.cancel = cancel
	m.mu.Unlock()

	events := make(chan jobs.Event, 16)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.transports(ctx, cancel, events)
	}()
	finish := func() {
		cancel(context.Canceled)
		wg.Wait()
	}

	for {
		select {
		case <-ctx.Done():
			cause := context.Cause(ctx)
			finish()
			return m.interrupted(cause)
		case ev := <-events:
			if !m.apply(ev) || !ev.Terminal() {
				continue
			}
			finish()
			res := m.result()
			m.log.Debug("job reached terminal state", "status", ev.Status, "transport", res.Transport)
			return res, nil
		}
	}
}

// Start runs the monitor in the background and calls onDone with its result
// exactly once, unless the monitor is stopped or ctx is cancelled first.
func (m *Monitor) Start(ctx context.Context, onDone func(Result)) {
	go func() {
		res, err := m.Run(ctx)
		if errors.Is(err, ErrStopped) || errors.Is(err, context.Canceled) || errors.Is(err, errAlreadyStarted) {
			return
		}
		if onDone != nil {
			onDone(res)
		}
	}()
}

// Stop ends the watch without touching the job. It returns after the
// transports have shut down, so no request is issued afterwards. Calling it
// from OnUpdate deadlocks.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel(ErrStopped)
	}
	if m.started.Load() {
		<-m.done
	}
}

// CancelJob asks the server to cancel the job. It does not stop the watch;
// the cancelled state arrives through the normal transports.
func (m *Monitor) CancelJob(ctx context.Context) (*Job, error) {
	return m.api.Cancel(ctx, m.jobID)
}

// State returns the newest state seen so far and the transport that brought it.
func (m *Monitor) State() (jobs.Event, Transport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.transport, m.seen
}

// Requests reports how many requests the governor admitted.
func (m *Monitor) Requests() int { return m.gov.Sent() }

func (m *Monitor) apply(ev jobs.Event) bool {
	if ev.JobID != m.jobID {
		return false
	}
	m.mu.Lock()
	if m.seen && !ev.NewerThan(m.state) {
		m.mu.Unlock()
		return false
	}
	m.state = ev
	m.seen = true
	m.mu.Unlock()
	if m.opts.OnUpdate != nil {
		m.opts.OnUpdate(ev)
	}
	return true
}

func (m *Monitor) setTransport(t Transport) {
	m.mu.Lock()
	if m.transport != t {
		m.log.Debug("monitor transport", "transport", t)
	}
	m.transport = t
	m.mu.Unlock()
}

func (m *Monitor) result() Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Result{State: m.state, Transport: m.transport}
}

func (m *Monitor) interrupted(cause error) (Result, error) {
	res := m.result()
	switch {
	case errors.Is(cause, ErrStopped):
		return res, ErrStopped
	case errors.Is(cause, ErrMonitorTimeout):
		res.Err = ErrMonitorTimeout
	case errors.Is(cause, ErrRequestBudgetExhausted):
		res.Err = fmt.Errorf("%w: %w", ErrMonitorTimeout, ErrRequestBudgetExhausted)
	case errors.Is(cause, context.DeadlineExceeded):
		res.Err = ErrMonitorTimeout
	default:
		return res, cause
	}
	m.log.Info("monitor gave up before a terminal state", "error", res.Err, "requests", m.gov.Sent())
	return res, res.Err
}

// transports runs the stream adapter, then the poll adapter if the stream
// could not be opened or dropped before a terminal event.
func (m *Monitor) transports(ctx context.Context, cancel context.CancelCauseFunc, events chan<- jobs.Event) {
	if !m.opts.DisableStream {
		terminal, err := m.stream(ctx, events)
		if terminal || ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrRequestBudgetExhausted) {
			cancel(err)
			return
		}
		m.log.Debug("stream unavailable, falling back to polling", "error", err)
	}
	if err := m.poll(ctx, events); errors.Is(err, ErrRequestBudgetExhausted) {
		cancel(err)
	}
}

func (m *Monitor) stream(ctx context.Context, events chan<- jobs.Event) (bool, error) {
	if err := m.gov.Wait(ctx); err != nil {
		return false, err
	}
	sctx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	// A silent stream may have lost an update; polling reads the store directly.
	idle := time.AfterFunc(m.opts.StreamIdleTimeout, func() { stop(errStreamIdle) })
	defer idle.Stop()

	terminal := false
	err := m.api.Stream(sctx, m.jobID, func(ev jobs.Event) error {
		idle.Reset(m.opts.StreamIdleTimeout)
		m.setTransport(TransportStream)
		if !send(sctx, events, ev) {
			return context.Cause(sctx)
		}
		terminal = ev.Terminal()
		return nil
	})
	switch {
	case terminal:
		return true, nil
	case ctx.Err() == nil && errors.Is(context.Cause(sctx), errStreamIdle):
		return false, errStreamIdle
	case err == nil:
		err = errors.New("stream closed before a terminal event")
	}
	return false, err
}

func (m *Monitor) poll(ctx context.Context, events chan<- jobs.Event) error {
	m.setTransport(TransportPoll)
	for {
		if err := m.gov.Wait(ctx); err != nil {
			return err
		}
		job, err := m.api.Get(ctx, m.jobID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.Debug("status read failed", "error", err)
		} else {
			ev := job.Event()
			if !send(ctx, events, ev) {
				return ctx.Err()
			}
			if ev.Terminal() {
				return nil
			}
		}
		if err := httpx.Sleep(ctx, m.opts.PollInterval); err != nil {
			return err
		}
	}
}

func send(ctx context.Context, events chan<- jobs.Event, ev jobs.Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
