package jobclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iofold/iofold-jobs/internal/domain/jobs"
)

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func ev(id uuid.UUID, status jobs.Status, progress float64, at int) jobs.Event {
	return jobs.Event{
		JobID:     id,
		Type:      jobs.TypeImportTraces,
		Status:    status,
		Progress:  progress,
		UpdatedAt: base.Add(time.Duration(at) * time.Millisecond),
		Revision:  int64(at),
	}
}

// fakeAPI serves a scripted stream and a poll function, recording request times.
type fakeAPI struct {
	mu       sync.Mutex
	stream   func(ctx context.Context, fn func(jobs.Event) error) error
	get      func(n int) (*Job, error)
	requests []time.Time
	gets     int
	cancels  int
}

func (f *fakeAPI) record() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, time.Now())
	return len(f.requests)
}

func (f *fakeAPI) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	f.record()
	f.mu.Lock()
	f.gets++
	n := f.gets
	f.mu.Unlock()
	if f.get == nil {
		return nil, errors.New("unavailable")
	}
	return f.get(n)
}

func (f *fakeAPI) Stream(ctx context.Context, id uuid.UUID, fn func(jobs.Event) error) error {
	f.record()
	if f.stream == nil {
		return &HTTPError{StatusCode: 503, Message: "stream blocked"}
	}
	return f.stream(ctx, fn)
}

func (f *fakeAPI) Cancel(ctx context.Context, id uuid.UUID) (*Job, error) {
	f.mu.Lock()
	f.cancels++
	f.mu.Unlock()
	return &Job{ID: id, Status: jobs.StatusCancelled}, nil
}

func (f *fakeAPI) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func jobFrom(e jobs.Event) *Job {
	return &Job{ID: e.JobID, Type: e.Type, Status: e.Status, Progress: e.Progress, UpdatedAt: e.UpdatedAt, Revision: e.Revision}
}

func fastGovernor() GovernorConfig {
	return GovernorConfig{Rate: 1000, Burst: 10, Window: time.Second, WindowMax: 1000, MaxRequests: 10000}
}

func TestMonitorResolvesFromStream(t *testing.T) {
	id := uuid.New()
	api := &fakeAPI{stream: func(ctx context.Context, fn func(jobs.Event) error) error {
		for _, e := range []jobs.Event{
			ev(id, jobs.StatusQueued, 0, 1),
			ev(id, jobs.StatusRunning, 0.5, 2),
			ev(id, jobs.StatusCompleted, 1, 3),
		} {
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	}}

	m := NewMonitor(api, id, MonitorOptions{Timeout: 5 * time.Second, Governor: fastGovernor()})
	res, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, res.State.Status)
	assert.Equal(t, TransportStream, res.Transport)
	assert.Equal(t, 1, api.count(), "no polling once the stream delivered the terminal event")
}

func TestMonitorFallsBackToPollingWhenStreamDrops(t *testing.T) {
	id := uuid.New()
	api := &fakeAPI{
		stream: func(ctx context.Context, fn func(jobs.Event) error) error {
			_ = fn(ev(id, jobs.StatusRunning, 0.2, 2))
			return errors.New("connection reset")
		},
		get: func(n int) (*Job, error) {
			if n < 3 {
				return jobFrom(ev(id, jobs.StatusRunning, 0.2+0.1*float64(n), 2+n)), nil
			}
			return jobFrom(ev(id, jobs.StatusFailed, 0.6, 10)), nil
		},
	}

	m := NewMonitor(api, id, MonitorOptions{PollInterval: 5 * time.Millisecond, Timeout: 5 * time.Second, Governor: fastGovernor()})
	res, err := m.Run(context.Background())
	require.NoError(t, err, "a failed job is a resolution, not a monitor error")
	assert.Equal(t, jobs.StatusFailed, res.State.Status)
	assert.Equal(t, TransportPoll, res.Transport)
}

func TestMonitorPollsWhenStreamGoesSilent(t *testing.T) {
	id := uuid.New()
	api := &fakeAPI{
		// The completion event never reaches this stream.
		stream: func(ctx context.Context, fn func(jobs.Event) error) error {
			if err := fn(ev(id, jobs.StatusRunning, 0.5, 2)); err != nil {
				return err
			}
			<-ctx.Done()
			return ctx.Err()
		},
		get: func(int) (*Job, error) {
			return jobFrom(ev(id, jobs.StatusCompleted, 1, 9)), nil
		},
	}

	m := NewMonitor(api, id, MonitorOptions{
		PollInterval:      10 * time.Millisecond,
		StreamIdleTimeout: 100 * time.Millisecond,
		Timeout:           2 * time.Second,
		Governor:          fastGovernor(),
	})
	start := time.Now()
	res, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, res.State.Status)
	assert.Equal(t, TransportPoll, res.Transport)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond, "stream is given the idle timeout first")
}

func TestMonitorStreamIdleDefaultsToPollIntervals(t *testing.T) {
	o := MonitorOptions{PollInterval: 40 * time.Millisecond}.withDefaults()
	assert.Equal(t, 200*time.Millisecond, o.StreamIdleTimeout)
	o = MonitorOptions{StreamIdleTimeout: time.Second}.withDefaults()
	assert.Equal(t, time.Second, o.StreamIdleTimeout)
}

func TestMonitorStartResolvesExactlyOnce(t *testing.T) {
	id := uuid.New()
	api := &fakeAPI{
		stream: func(ctx context.Context, fn func(jobs.Event) error) error {
			_ = fn(ev(id, jobs.StatusRunning, 0.1, 1))
			return errors.New("dropped")
		},
		get: func(n int) (*Job, error) {
			if n == 1 {
				return nil, errors.New("502")
			}
			return jobFrom(ev(id, jobs.StatusCompleted, 1, 9)), nil
		},
	}

	var calls atomic.Int32
	got := make(chan Result, 4)
	m := NewMonitor(api, id, MonitorOptions{PollInterval: time.Millisecond, Timeout: 5 * time.Second, Governor: fastGovernor()})
	m.Start(context.Background(), func(r Result) {
		calls.Add(1)
		got <- r
	})

	select {
	case r := <-got:
		assert.Equal(t, jobs.StatusCompleted, r.State.Status)
		assert.NoError(t, r.Err)
	case <-time.After(3 * time.Second):
		t.Fatal("monitor never resolved")
	}
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
	_, err := m.Run(context.Background())
	assert.ErrorIs(t, err, errAlreadyStarted)
}

func TestMonitorReconcilesOutOfOrderEvents(t *testing.T) {
	id := uuid.New()
	m := NewMonitor(&fakeAPI{}, id, MonitorOptions{})

	t1 := ev(id, jobs.StatusRunning, 0.3, 10)
	t2 := ev(id, jobs.StatusRunning, 0.6, 20)
	require.True(t, m.apply(t2))
	assert.False(t, m.apply(t1), "older event must be discarded")
	assert.False(t, m.apply(t2), "duplicate must be discarded")

	state, _, ok := m.State()
	require.True(t, ok)
	assert.Equal(t, t2, state)

	assert.False(t, m.apply(ev(uuid.New(), jobs.StatusCompleted, 1, 99)), "events for other jobs are ignored")
}

func TestMonitorObservedStatesNeverGoBackwards(t *testing.T) {
	id := uuid.New()
	api := &fakeAPI{
		stream: func(ctx context.Context, fn func(jobs.Event) error) error {
			for _, e := range []jobs.Event{
				ev(id, jobs.StatusRunning, 0.6, 20),
				ev(id, jobs.StatusRunning, 0.3, 10),
				ev(id, jobs.StatusRunning, 0.6, 20),
			} {
				if err := fn(e); err != nil {
					return err
				}
			}
			return errors.New("dropped")
		},
		get: func(n int) (*Job, error) {
			if n == 1 {
				// Poll answer older than what the stream already delivered.
				return jobFrom(ev(id, jobs.StatusRunning, 0.4, 15)), nil
			}
			return jobFrom(ev(id, jobs.StatusCompleted, 1, 30)), nil
		},
	}

	var mu sync.Mutex
	var seen []jobs.Event
	m := NewMonitor(api, id, MonitorOptions{
		PollInterval: time.Millisecond,
		Timeout:      5 * time.Second,
		Governor:     fastGovernor(),
		OnUpdate: func(e jobs.Event) {
			mu.Lock()
			seen = append(seen, e)
			mu.Unlock()
		},
	})
	res, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, res.State.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, 0.6, seen[0].Progress)
	assert.Equal(t, jobs.StatusCompleted, seen[1].Status)
}

func TestMonitorTimeoutIsDistinctFromJobFailure(t *testing.T) {
	id := uuid.New()
	api := &fakeAPI{get: func(int) (*Job, error) {
		return jobFrom(ev(id, jobs.StatusRunning, 0.1, 1)), nil
	}}
	m := NewMonitor(api, id, MonitorOptions{PollInterval: 10 * time.Millisecond, Timeout: 100 * time.Millisecond, Governor: fastGovernor()})

	res, err := m.Run(context.Background())
	require.ErrorIs(t, err, ErrMonitorTimeout)
	assert.ErrorIs(t, res.Err, ErrMonitorTimeout)
	assert.Equal(t, jobs.StatusRunning, res.State.Status)
	assert.Zero(t, api.cancels, "timing out must not cancel the job")
}

func TestMonitorStopEndsRequestsWithoutResolving(t *testing.T) {
	id := uuid.New()
	api := &fakeAPI{get: func(int) (*Job, error) { return nil, errors.New("down") }}

	resolved := make(chan Result, 1)
	m := NewMonitor(api, id, MonitorOptions{PollInterval: time.Millisecond, Governor: fastGovernor()})
	m.Start(context.Background(), func(r Result) { resolved <- r })

	time.Sleep(50 * time.Millisecond)
	m.Stop()
	after := api.count()
	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, after, api.count(), "no requests after Stop returns")
	assert.Zero(t, api.cancels, "stop watching must not cancel the job")
	select {
	case r := <-resolved:
		t.Fatalf("stopped monitor resolved: %+v", r)
	default:
	}
}

func TestMonitorStopBeforeRun(t *testing.T) {
	m := NewMonitor(&fakeAPI{}, uuid.New(), MonitorOptions{})
	m.Stop()
	_, err := m.Run(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestMonitorCancelJobIsExplicit(t *testing.T) {
	id := uuid.New()
	api := &fakeAPI{}
	m := NewMonitor(api, id, MonitorOptions{})
	job, err := m.CancelJob(context.Background())
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, job.Status)
	assert.Equal(t, 1, api.cancels)
}

func TestMonitorHardCapEndsWithTimeout(t *testing.T) {
	id := uuid.New()
	api := &fakeAPI{get: func(int) (*Job, error) {
		return jobFrom(ev(id, jobs.StatusRunning, 0.1, 1)), nil
	}}
	cfg := fastGovernor()
	cfg.MaxRequests = 4
	m := NewMonitor(api, id, MonitorOptions{PollInterval: time.Millisecond, Timeout: 5 * time.Second, Governor: cfg})

	start := time.Now()
	res, err := m.Run(context.Background())
	require.ErrorIs(t, err, ErrMonitorTimeout)
	assert.ErrorIs(t, res.Err, ErrRequestBudgetExhausted)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 4, api.count(), "one stream attempt plus three polls")
}

func TestMonitorRateCeilingUnderRepeatedFailures(t *testing.T) {
	id := uuid.New()
	api := &fakeAPI{get: func(int) (*Job, error) { return nil, errors.New("503") }}
	cfg := GovernorConfig{Rate: 30, Burst: 3, Window: 800 * time.Millisecond, WindowMax: 10, MaxRequests: 1000}
	m := NewMonitor(api, id, MonitorOptions{PollInterval: time.Millisecond, Timeout: 2 * time.Second, Governor: cfg})

	_, err := m.Run(context.Background())
	require.ErrorIs(t, err, ErrMonitorTimeout)
	assertWindowCeiling(t, api.requests, cfg.Window, cfg.WindowMax)
}

func TestMonitorDefaultRateCeiling(t *testing.T) {
	if testing.Short() {
		t.Skip("observes a full 8s window")
	}
	id := uuid.New()
	api := &fakeAPI{get: func(int) (*Job, error) { return nil, errors.New("503") }}
	m := NewMonitor(api, id, MonitorOptions{PollInterval: time.Millisecond, Timeout: 10 * time.Second})

	_, err := m.Run(context.Background())
	require.ErrorIs(t, err, ErrMonitorTimeout)
	assertWindowCeiling(t, api.requests, 8*time.Second, 25)

	// Sustained rate over the run stays near 3 req/s plus the initial burst.
	assert.LessOrEqual(t, len(api.requests), 3+int(10*3))
}

func assertWindowCeiling(t *testing.T, reqs []time.Time, window time.Duration, max int) {
	t.Helper()
	require.NotEmpty(t, reqs)
	// Allow for scheduling jitter between admission and the recorded time.
	w := window - 20*time.Millisecond
	for i := range reqs {
		n := 0
		for j := i; j < len(reqs) && reqs[j].Sub(reqs[i]) < w; j++ {
			n++
		}
		if n > max {
			t.Fatalf("%d requests within %s starting at #%d, ceiling %d", n, window, i, max)
		}
	}
}
