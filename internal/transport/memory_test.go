package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTransport_FIFOAndPurge(t *testing.T) {
	tr := NewMemoryTransport()
	ctx := context.Background()

	require.NoError(t, tr.Send(ctx, "gradient_queue_1_n1", []byte("1")))
	require.NoError(t, tr.Send(ctx, "gradient_queue_1_n1", []byte("2")))
	assert.Equal(t, 2, tr.Len("gradient_queue_1_n1"))

	body, ok, err := tr.TryReceive(ctx, "gradient_queue_1_n1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", string(body))

	require.NoError(t, tr.Purge(ctx, func(string) bool { return true }))
	_, ok, err = tr.TryReceive(ctx, "gradient_queue_1_n1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Send(ctx, "q", nil), ErrClosed)
}

func TestPoller_HonorsContext(t *testing.T) {
	p := NewPoller(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, p.Idle(ctx))
	cancel()
	assert.Error(t, p.Idle(ctx))
}

func TestPoller_ZeroIntervalNeverWaits(t *testing.T) {
	p := NewPoller(0)
	for i := 0; i < 100; i++ {
		require.NoError(t, p.Idle(context.Background()))
	}
}

func TestPoller_ZeroIntervalHonorsContext(t *testing.T) {
	p := NewPoller(-time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Idle(ctx), context.Canceled)
}

func TestPoller_DefaultIntervalPaces(t *testing.T) {
	p := NewPoller(DEFAULT_POLL_INTERVAL)
	start := time.Now()
	for i := 0; i < 6; i++ {
		require.NoError(t, p.Idle(context.Background()))
	}
	assert.GreaterOrEqual(t, time.Since(start), 4*DEFAULT_POLL_INTERVAL)
}
