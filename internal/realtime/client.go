package realtime

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/iofold/iofold-jobs/internal/platform/logger"
)

const outboundBuffer = 32

type SSEClient struct {
	ID          uuid.UUID
	WorkspaceID string
	Channels    map[string]bool
	Outbound    chan SSEMessage
	Logger      *logger.Logger

	done      chan struct{}
	closeOnce sync.Once
	lagged    atomic.Bool
}

// Done is closed once the hub has dropped the client.
func (c *SSEClient) Done() <-chan struct{} { return c.done }

// Lagged reports whether the client was dropped for falling behind.
func (c *SSEClient) Lagged() bool { return c.lagged.Load() }
