package transport

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisTransport) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	tr, err := NewRedisTransport(context.Background(), RedisConfig{Addr: mr.Addr()}, hclog.NewNullLogger())
	require.NoError(t, err)

	return mr, tr
}

func TestRedisTransport_FIFO(t *testing.T) {
	mr, tr := setupTestRedis(t)
	defer mr.Close()
	defer tr.Close()

	ctx := context.Background()
	for _, body := range []string{"a", "b", "c"} {
		require.NoError(t, tr.Send(ctx, "q", []byte(body)))
	}

	for _, want := range []string{"a", "b", "c"} {
		body, ok, err := tr.TryReceive(ctx, "q")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, string(body))
	}
}

func TestRedisTransport_EmptyQueueDoesNotBlock(t *testing.T) {
	mr, tr := setupTestRedis(t)
	defer mr.Close()
	defer tr.Close()

	body, ok, err := tr.TryReceive(context.Background(), "nothing-here")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, body)
}

func TestRedisTransport_AtMostOnce(t *testing.T) {
	mr, tr := setupTestRedis(t)
	defer mr.Close()
	defer tr.Close()

	ctx := context.Background()
	require.NoError(t, tr.Send(ctx, "q", []byte("once")))

	_, ok, err := tr.TryReceive(ctx, "q")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = tr.TryReceive(ctx, "q")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisTransport_Purge(t *testing.T) {
	mr, tr := setupTestRedis(t)
	defer mr.Close()
	defer tr.Close()

	ctx := context.Background()
	require.NoError(t, tr.Send(ctx, "reply_n1", []byte("x")))
	require.NoError(t, tr.Send(ctx, "keep_me", []byte("y")))

	require.NoError(t, tr.Purge(ctx, func(q string) bool { return strings.HasPrefix(q, "reply") }))

	_, ok, err := tr.TryReceive(ctx, "reply_n1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = tr.TryReceive(ctx, "keep_me")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisTransport_Closed(t *testing.T) {
	mr, tr := setupTestRedis(t)
	defer mr.Close()

	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Send(context.Background(), "q", []byte("x")), ErrClosed)
	_, _, err := tr.TryReceive(context.Background(), "q")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewRedisTransport_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = NewRedisTransport(context.Background(), RedisConfig{Addr: addr}, hclog.NewNullLogger())
	assert.Error(t, err)
}
