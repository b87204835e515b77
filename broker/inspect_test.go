package broker

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/lobbymq/internal/rabbitmq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueDepth(t *testing.T) {
	ctx := context.Background()

	t.Run("reports messages and consumers", func(t *testing.T) {
		b, _ := newTestBroker(t)

		for i := 0; i < 3; i++ {
			require.NoError(t, b.SendMessage(ctx, "jobs", i, nil))
		}

		stats, err := b.QueueDepth(ctx, "jobs")
		require.NoError(t, err)
		assert.Equal(t, QueueStats{Name: "jobs", Messages: 3, Consumers: 0}, stats)
	})

	t.Run("missing queue", func(t *testing.T) {
		b, server := newTestBroker(t)

		_, err := b.QueueDepth(ctx, "nope")
		assert.ErrorIs(t, err, rabbitmq.ErrQueueNotFound)
		assert.True(t, rabbitmq.IsNotFound(err))
		assert.False(t, server.HasQueue("nope"))
	})

	t.Run("does not touch registry channels", func(t *testing.T) {
		b, _ := newTestBroker(t)

		qi, err := b.EnsureChannelAndQueue(ctx, "jobs", nil)
		require.NoError(t, err)

		_, err = b.QueueDepth(ctx, "nope")
		require.Error(t, err)
		assert.False(t, qi.Channel.IsClosed())
		require.NoError(t, b.SendMessage(ctx, "jobs", "still open", nil))
	})
}

func TestDelayedQueueDepths(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.SendDelayedMessage(ctx, "orders", "later", DelayedOptions{TTL: time.Hour}))
	require.NoError(t, b.SendDelayedMessage(ctx, "orders", "now", DelayedOptions{}))

	stats, err := b.DelayedQueueDepths(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "orders-lobby", stats.Lobby.Name)
	assert.Equal(t, 1, stats.Lobby.Messages)
	assert.Equal(t, "ordersWork", stats.Work.Name)
	assert.Equal(t, 1, stats.Work.Messages)
}
