package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iofold/iofold-jobs/internal/domain/jobs"
	"github.com/iofold/iofold-jobs/internal/platform/logger"
	"github.com/iofold/iofold-jobs/internal/realtime"
)

func TestDecodeRoundTripsHubMessage(t *testing.T) {
	id := uuid.New()
	in := realtime.SSEMessage{
		Channel: realtime.JobChannel(id),
		Event:   realtime.SSEEventJob,
		Data: jobs.Event{
			JobID:     id,
			Type:      jobs.TypeImportTraces,
			Status:    jobs.StatusRunning,
			Progress:  0.4,
			UpdatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			Revision:  7,
		},
	}
	raw, err := json.Marshal(in)
	require.NoError(t, err)

	out, err := decode(raw)
	require.NoError(t, err)
	assert.Equal(t, in.Channel, out.Channel)
	assert.Equal(t, in.Event, out.Event)
	assert.Equal(t, in.Data.Revision, out.Data.Revision)
	assert.True(t, in.Data.UpdatedAt.Equal(out.Data.UpdatedAt))
}

func TestDecodeRejectsChannelless(t *testing.T) {
	_, err := decode([]byte(`{"event":"job","data":{"status":"running"}}`))
	assert.Error(t, err)

	_, err = decode([]byte(`{"channel":"","event":"job"}`))
	assert.Error(t, err)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestNewRedisBusRequiresAddr(t *testing.T) {
	log, err := logger.New("test")
	require.NoError(t, err)

	_, err = NewRedisBus(log, RedisConfig{Addr: "  "})
	assert.ErrorContains(t, err, "REDIS_ADDR")

	_, err = NewRedisBus(nil, RedisConfig{Addr: "localhost:6379"})
	assert.Error(t, err)
}

func TestNewNATSBusRequiresLogger(t *testing.T) {
	_, err := NewNATSBus(nil, NATSConfig{})
	assert.Error(t, err)
}
