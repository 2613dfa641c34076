package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iofold/iofold-jobs/internal/domain/jobs"
	"github.com/iofold/iofold-jobs/internal/platform/logger"
)

type SSEEvent string

const SSEEventJob SSEEvent = "job"

const DefaultHeartbeat = 15 * time.Second

type SSEMessage struct {
	Channel string     `json:"channel"`
	Event   SSEEvent   `json:"event"`
	Data    jobs.Event `json:"data"`
}

func JobChannel(id uuid.UUID) string { return "job:" + id.String() }

// SSEHub relays job events to every client subscribed to the job's channel.
// It holds no durable state; a client that misses events re-reads the store.
type SSEHub struct {
	mu            sync.RWMutex
	logger        *logger.Logger
	subscriptions map[string]map[*SSEClient]bool
	heartbeat     time.Duration
}

func NewSSEHub(log *logger.Logger) *SSEHub {
	return &SSEHub{
		logger:        log.With("component", "SSEHub"),
		subscriptions: make(map[string]map[*SSEClient]bool),
		heartbeat:     DefaultHeartbeat,
	}
}

// SetHeartbeat overrides the keep-alive comment interval.
func (hub *SSEHub) SetHeartbeat(d time.Duration) {
	if d > 0 {
		hub.heartbeat = d
	}
}

func (hub *SSEHub) NewSSEClient(workspaceID string) *SSEClient {
	id := uuid.New()
	return &SSEClient{
		ID:          id,
		WorkspaceID: workspaceID,
		Channels:    make(map[string]bool),
		Outbound:    make(chan SSEMessage, outboundBuffer),
		done:        make(chan struct{}),
		Logger:      hub.logger.With("client_id", id),
	}
}

func (hub *SSEHub) AddChannel(client *SSEClient, channel string) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return
	}
	hub.mu.Lock()
	defer hub.mu.Unlock()

	client.Channels[channel] = true
	clients, exists := hub.subscriptions[channel]
	if !exists {
		clients = make(map[*SSEClient]bool)
		hub.subscriptions[channel] = clients
	}
	clients[client] = true

	hub.logger.Debug("SSE client subscribed", "client_id", client.ID, "channel", channel)
}

func (hub *SSEHub) RemoveChannel(client *SSEClient, channel string) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return
	}
	hub.mu.Lock()
	defer hub.mu.Unlock()
	delete(client.Channels, channel)
	hub.detach(client, channel)
}

func (hub *SSEHub) RemoveClient(client *SSEClient) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	for ch := range client.Channels {
		hub.detach(client, ch)
	}
	client.Channels = make(map[string]bool)
}

// detach requires hub.mu held for writing.
func (hub *SSEHub) detach(client *SSEClient, channel string) {
	if subMap, ok := hub.subscriptions[channel]; ok {
		delete(subMap, client)
		if len(subMap) == 0 {
			delete(hub.subscriptions, channel)
		}
	}
}

// Subscribers returns how many clients currently share channel's feed.
func (hub *SSEHub) Subscribers(channel string) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.subscriptions[channel])
}

// Broadcast never blocks. A client whose buffer is full is dropped rather than
// silently losing events, so it reconnects or falls back and re-reads state.
func (hub *SSEHub) Broadcast(msg SSEMessage) {
	if msg.Channel == "" {
		return
	}
	var lagging []*SSEClient

	hub.mu.RLock()
	for c := range hub.subscriptions[msg.Channel] {
		select {
		case c.Outbound <- msg:
		default:
			lagging = append(lagging, c)
		}
	}
	hub.mu.RUnlock()

	for _, c := range lagging {
		hub.logger.Warn("Dropping lagging SSE client; outbound buffer full", "client_id", c.ID, "channel", msg.Channel)
		c.lagged.Store(true)
		hub.CloseClient(c)
	}
}

// CloseClient unsubscribes the client and closes its channels. Safe to call
// more than once.
func (hub *SSEHub) CloseClient(client *SSEClient) {
	client.closeOnce.Do(func() {
		close(client.done)
		hub.RemoveClient(client)
		close(client.Outbound)
	})
}

// Refresh re-reads the streamed job from its source of truth.
type Refresh func(ctx context.Context) (jobs.Event, error)

// ServeJob streams one job to w: the snapshot first, then every newer delta,
// returning after a terminal event, on client disconnect, or when the hub drops
// the client. The caller must subscribe the client before reading snapshot.
// On each heartbeat a non-nil refresh is consulted, so an update lost between
// emitter and hub still reaches the client within one heartbeat.
func (hub *SSEHub) ServeJob(w http.ResponseWriter, r *http.Request, client *SSEClient, snapshot jobs.Event, refresh Refresh) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)

	last := snapshot
	if err := WriteEvent(w, SSEEventJob, last); err != nil {
		return
	}
	flusher.Flush()
	if last.Terminal() {
		return
	}

	ctx := r.Context()
	heartbeat := time.NewTicker(hub.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			client.Logger.Debug("SSE client context done", "err", ctx.Err())
			return
		case <-client.Done():
			return
		case <-heartbeat.C:
			if refresh != nil {
				ev, err := refresh(ctx)
				if err != nil {
					client.Logger.Debug("SSE refresh failed", "error", err)
				} else if ev.JobID == last.JobID && ev.NewerThan(last) {
					last = ev
					if err := WriteEvent(w, SSEEventJob, last); err != nil {
						return
					}
					flusher.Flush()
					if last.Terminal() {
						return
					}
					continue
				}
			}
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-client.Outbound:
			if !ok {
				return
			}
			if msg.Data.JobID != last.JobID || !msg.Data.NewerThan(last) {
				continue
			}
			last = msg.Data
			if err := WriteEvent(w, msg.Event, last); err != nil {
				client.Logger.Warn("SSE write failed", "error", err)
				return
			}
			flusher.Flush()
			if last.Terminal() {
				return
			}
		}
	}
}

// WriteEvent writes one SSE frame with a JSON body.
func WriteEvent(w io.Writer, event SSEEvent, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw)
	return err
}
