package bus

import (
	"context"

	"github.com/iofold/iofold-jobs/internal/realtime"
)

// Bus relays hub messages between processes. Every process runs a forwarder
// that feeds its local hub, so a runner in one process reaches streams held by
// another.
type Bus interface {
	Publish(ctx context.Context, msg realtime.SSEMessage) error
	StartForwarder(ctx context.Context, onMsg func(m realtime.SSEMessage)) error
	Close() error
}
