package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/iofold/iofold-jobs/internal/platform/logger"
	"github.com/iofold/iofold-jobs/internal/realtime"
)

type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type natsBus struct {
	log     *logger.Logger
	nc      *nats.Conn
	subject string
}

func NewNATSBus(log *logger.Logger, cfg NATSConfig) (Bus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = nats.DefaultURL
	}
	subject := strings.TrimSpace(cfg.Subject)
	if subject == "" {
		subject = "iofold.jobs.events"
	}
	nc, err := nats.Connect(url,
		nats.Name("iofold-jobs"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &natsBus{
		log:     log.With("service", "NATSJobBus"),
		nc:      nc,
		subject: subject,
	}, nil
}

func (b *natsBus) Publish(_ context.Context, msg realtime.SSEMessage) error {
	if b == nil || b.nc == nil {
		return fmt.Errorf("nats job bus not initialized")
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.nc.Publish(b.subject, raw)
}

func (b *natsBus) StartForwarder(ctx context.Context, onMsg func(m realtime.SSEMessage)) error {
	if b == nil || b.nc == nil {
		return fmt.Errorf("nats job bus not initialized")
	}
	if onMsg == nil {
		return fmt.Errorf("onMsg callback required")
	}
	sub, err := b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		msg, err := decode(m.Data)
		if err != nil {
			b.log.Warn("bad nats job payload", "error", err)
			return
		}
		onMsg(msg)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

func (b *natsBus) Close() error {
	if b == nil || b.nc == nil {
		return nil
	}
	return b.nc.Drain()
}
