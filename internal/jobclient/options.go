package jobclient

import (
	"time"

	"github.com/iofold/iofold-jobs/internal/domain/jobs"
	"github.com/iofold/iofold-jobs/internal/platform/logger"
)

const DefaultPollInterval = 2 * time.Second

// streamIdleFactor sizes the default StreamIdleTimeout in poll intervals.
const streamIdleFactor = 5

type MonitorOptions struct {
	// PollInterval spaces status reads once the monitor has fallen back to
	// polling. The Governor may stretch it further.
	PollInterval time.Duration
	// StreamIdleTimeout drops the stream for polling when no event arrives
	// within it. Zero means five poll intervals.
	StreamIdleTimeout time.Duration
	// Timeout bounds the whole watch. Zero leaves it to the caller's ctx.
	Timeout  time.Duration
	Governor GovernorConfig
	// DisableStream goes straight to polling.
	DisableStream bool
	// OnUpdate sees every accepted state change, oldest first.
	OnUpdate func(jobs.Event)
	Log      *logger.Logger
}

func (o MonitorOptions) withDefaults() MonitorOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.StreamIdleTimeout <= 0 {
		o.StreamIdleTimeout = streamIdleFactor * o.PollInterval
	}
	if o.Log == nil {
		o.Log = logger.Nop()
	}
	return o
}
