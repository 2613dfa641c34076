package jobclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGovernorDelaysInsteadOfDropping(t *testing.T) {
	g := NewGovernor(GovernorConfig{Rate: 1000, Burst: 100, Window: 200 * time.Millisecond, WindowMax: 3})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, g.Wait(ctx))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	require.NoError(t, g.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 190*time.Millisecond, "fourth request waits for the window to slide")
	assert.Equal(t, 4, g.Sent())
}

func TestGovernorWindowWaitKeepsBucketTokens(t *testing.T) {
	g := NewGovernor(GovernorConfig{Rate: 5, Burst: 3, Window: 500 * time.Millisecond, WindowMax: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, g.Wait(ctx))
	}
	start := time.Now()
	require.NoError(t, g.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 450*time.Millisecond)
	// 2.5 tokens refilled over the window, one spent on the admitted request.
	// Reserving a token before the window check would leave at most 0.5.
	assert.Greater(t, g.limiter.Tokens(), 1.2)
}

func TestGovernorTokenBucketPacing(t *testing.T) {
	g := NewGovernor(GovernorConfig{Rate: 20, Burst: 1, Window: time.Minute, WindowMax: 1000})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, g.Wait(ctx))
	}
	// One immediate token, then four refills at 50ms each.
	assert.GreaterOrEqual(t, time.Since(start), 180*time.Millisecond)
}

func TestGovernorHardCap(t *testing.T) {
	g := NewGovernor(GovernorConfig{Rate: 1000, Burst: 10, MaxRequests: 2})
	ctx := context.Background()
	require.NoError(t, g.Wait(ctx))
	require.NoError(t, g.Wait(ctx))
	assert.ErrorIs(t, g.Wait(ctx), ErrRequestBudgetExhausted)
	assert.Equal(t, 2, g.Sent())
}

func TestGovernorHonoursContext(t *testing.T) {
	g := NewGovernor(GovernorConfig{Rate: 0.5, Burst: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, g.Wait(ctx))
	start := time.Now()
	err := g.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "waits out the deadline instead of failing early")
}

func TestDefaultGovernorConfig(t *testing.T) {
	cfg := GovernorConfig{}.withDefaults()
	assert.Equal(t, 3.0, cfg.Rate)
	assert.Equal(t, 3, cfg.Burst)
	assert.Equal(t, 8*time.Second, cfg.Window)
	assert.Equal(t, 25, cfg.WindowMax)
	assert.Equal(t, 600, DefaultGovernorConfig().MaxRequests)
}
