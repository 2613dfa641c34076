package jobclient

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/iofold/iofold-jobs/internal/pkg/httpx"
)

type GovernorConfig struct {
	// Rate is the sustained request rate per second; Burst the bucket size.
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
	// At most WindowMax requests in any sliding Window.
	Window    time.Duration `yaml:"window"`
	WindowMax int           `yaml:"window_max"`
	// MaxRequests caps the whole session. Zero means no cap.
	MaxRequests int `yaml:"max_requests"`
}

func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		Rate:        3,
		Burst:       3,
		Window:      8 * time.Second,
		WindowMax:   25,
		MaxRequests: 600,
	}
}

func (c GovernorConfig) withDefaults() GovernorConfig {
	d := DefaultGovernorConfig()
	if c.Rate <= 0 {
		c.Rate = d.Rate
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.WindowMax <= 0 {
		c.WindowMax = d.WindowMax
	}
	return c
}

// Governor paces the requests of one monitoring session. When a ceiling is
// reached Wait delays until the next allowed slot; it only refuses once the
// session hard cap is spent.
type Governor struct {
	limiter *rate.Limiter
	window  time.Duration
	max     int
	cap     int

	mu    sync.Mutex
	sent  []time.Time
	total int
}

func NewGovernor(cfg GovernorConfig) *Governor {
	cfg = cfg.withDefaults()
	return &Governor{
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		window:  cfg.Window,
		max:     cfg.WindowMax,
		cap:     cfg.MaxRequests,
		sent:    make([]time.Time, 0, cfg.WindowMax),
	}
}

// Wait blocks until one more request may be sent, then records it. The
// sliding window is checked before a bucket token is reserved, so time spent
// waiting for the window does not also drain the bucket.
func (g *Governor) Wait(ctx context.Context) error {
	for {
		delay, err := g.windowDelay()
		if err != nil {
			return err
		}
		if delay > 0 {
			if err := httpx.Sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}

		r := g.limiter.Reserve()
		if err := httpx.Sleep(ctx, r.Delay()); err != nil {
			r.Cancel()
			return err
		}
		if g.admit() {
			return nil
		}
		// Another caller filled the window while this one waited for a token.
		r.Cancel()
	}
}

// windowDelay reports how long until the sliding window has room.
func (g *Governor) windowDelay() (time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cap > 0 && g.total >= g.cap {
		return 0, ErrRequestBudgetExhausted
	}
	now := time.Now()
	g.prune(now)
	if len(g.sent) < g.max {
		return 0, nil
	}
	return g.sent[0].Add(g.window).Sub(now), nil
}

func (g *Governor) admit() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	g.prune(now)
	if len(g.sent) >= g.max || (g.cap > 0 && g.total >= g.cap) {
		return false
	}
	g.sent = append(g.sent, now)
	g.total++
	return true
}

// Sent reports how many requests were admitted so far.
func (g *Governor) Sent() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}

func (g *Governor) prune(now time.Time) {
	cutoff := now.Add(-g.window)
	i := 0
	for i < len(g.sent) && !g.sent[i].After(cutoff) {
		i++
	}
	if i > 0 {
		g.sent = append(g.sent[:0], g.sent[i:]...)
	}
}
