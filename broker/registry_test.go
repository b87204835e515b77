package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/lobbymq/internal/rabbitmq"
	"github.com/glimte/lobbymq/internal/rabbitmq/rabbitmqtest"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureChannelAndQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("is idempotent", func(t *testing.T) {
		b, server := newTestBroker(t)

		first, err := b.EnsureChannelAndQueue(ctx, "jobs", nil)
		require.NoError(t, err)
		second, err := b.EnsureChannelAndQueue(ctx, "jobs", nil)
		require.NoError(t, err)

		assert.Same(t, first, second)
		assert.Equal(t, "jobs", second.QueueID)
		assert.Same(t, first.Channel, second.Channel)
		assert.Equal(t, 1, server.DeclareCount("jobs"))
		assert.Equal(t, 1, server.ChannelCount())
	})

	t.Run("serializes concurrent first use", func(t *testing.T) {
		b, server := newTestBroker(t)

		const callers = 16
		results := make([]*QueueInfo, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				qi, err := b.EnsureChannelAndQueue(ctx, "jobs", nil)
				assert.NoError(t, err)
				results[i] = qi
			}(i)
		}
		wg.Wait()

		for _, qi := range results {
			assert.Same(t, results[0], qi)
		}
		assert.Equal(t, 1, server.DeclareCount("jobs"))
		assert.Equal(t, 1, server.ChannelCount())
	})

	t.Run("sets prefetch from max concurrency", func(t *testing.T) {
		b, _ := newTestBroker(t)

		qi, err := b.EnsureChannelAndQueue(ctx, "jobs", &ConsumerOptions{MaxConcurrency: 3})
		require.NoError(t, err)

		ch, ok := qi.Channel.(*rabbitmqtest.Channel)
		require.True(t, ok)
		assert.Equal(t, 3, ch.Prefetch())
		assert.False(t, ch.ConfirmMode())
	})

	t.Run("enables confirm mode", func(t *testing.T) {
		b, _ := newTestBroker(t, WithPublisherConfirms(time.Second))

		qi, err := b.EnsureChannelAndQueue(ctx, "jobs", nil)
		require.NoError(t, err)
		assert.True(t, qi.Channel.(*rabbitmqtest.Channel).ConfirmMode())
	})

	t.Run("waits for readiness", func(t *testing.T) {
		server := rabbitmqtest.NewServer()
		cm := rabbitmq.NewConnectionManager(rabbitmq.ConnectionOptions{},
			rabbitmq.WithDialer(server.Dial),
			rabbitmq.WithLogger(testLogger()),
		)
		b := New(cm, WithLogger(testLogger()))
		defer b.Close()

		shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := b.EnsureChannelAndQueue(shortCtx, "jobs", nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, server.HasQueue("jobs"))

		done := make(chan error, 1)
		go func() {
			_, err := b.EnsureChannelAndQueue(ctx, "jobs", nil)
			done <- err
		}()

		require.NoError(t, cm.Connect(ctx))
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("ensure did not proceed after connect")
		}
		assert.True(t, server.HasQueue("jobs"))
	})
}

func TestEnsureChannelAndDelayedQueue(t *testing.T) {
	b, server := newTestBroker(t)
	ctx := context.Background()

	qi, err := b.EnsureChannelAndDelayedQueue(ctx, "orders", nil)
	require.NoError(t, err)

	assert.Equal(t, "orders--work", qi.QueueID)
	assert.Equal(t, "ordersWork", qi.Queue.Name)

	kind, ok := server.ExchangeKind("ordersExDLX")
	require.True(t, ok)
	assert.Equal(t, amqp.ExchangeDirect, kind)

	bindings := server.Bindings("ordersExDLX")
	require.Len(t, bindings, 1)
	assert.Equal(t, "ordersWork", bindings[0].Queue)
	assert.Equal(t, "ordersRoutingKeyDLX", bindings[0].RoutingKey)

	assert.False(t, server.HasQueue("orders-lobby"))

	again, err := b.EnsureChannelAndDelayedQueue(ctx, "orders", nil)
	require.NoError(t, err)
	assert.Same(t, qi, again)
	assert.Equal(t, 1, server.DeclareCount("ordersWork"))
}

func TestEnsureChannelAndLobby(t *testing.T) {
	ctx := context.Background()

	t.Run("declares lobby and work topology", func(t *testing.T) {
		b, server := newTestBroker(t)

		qi, err := b.EnsureChannelAndLobby(ctx, "orders", nil)
		require.NoError(t, err)

		assert.Equal(t, "orders--lobby", qi.QueueID)
		assert.Equal(t, "orders-lobby", qi.Queue.Name)

		kind, ok := server.ExchangeKind("ordersExchange")
		require.True(t, ok)
		assert.Equal(t, amqp.ExchangeDirect, kind)

		args := server.QueueArgs("orders-lobby")
		assert.Equal(t, "ordersExDLX", args[rabbitmq.ArgDeadLetterExchange])
		assert.Equal(t, "ordersRoutingKeyDLX", args[rabbitmq.ArgDeadLetterRoutingKey])

		lobbyBindings := server.Bindings("ordersExchange")
		require.Len(t, lobbyBindings, 1)
		assert.Equal(t, "orders-lobby", lobbyBindings[0].Queue)
		assert.Equal(t, "", lobbyBindings[0].RoutingKey)

		assert.True(t, server.HasQueue("ordersWork"))
		assert.Len(t, server.Bindings("ordersExDLX"), 1)
	})

	t.Run("lobby and work entries are distinct", func(t *testing.T) {
		b, _ := newTestBroker(t)

		lobby, err := b.EnsureChannelAndLobby(ctx, "orders", nil)
		require.NoError(t, err)
		work, err := b.EnsureChannelAndDelayedQueue(ctx, "orders", nil)
		require.NoError(t, err)

		assert.NotSame(t, lobby, work)
		assert.NotSame(t, lobby.Channel, work.Channel)
		assert.ElementsMatch(t, []string{"orders--lobby", "orders--work"}, b.QueueIDs())
	})

	t.Run("failed declare caches nothing", func(t *testing.T) {
		b, server := newTestBroker(t)

		// a conflicting exchange type makes the DLX declare fail
		conn, err := server.Dial(ctx, "")
		require.NoError(t, err)
		ch, err := conn.Channel()
		require.NoError(t, err)
		require.NoError(t, ch.ExchangeDeclare("ordersExDLX", amqp.ExchangeFanout, true, false, false, false, nil))

		_, err = b.EnsureChannelAndLobby(ctx, "orders", nil)
		require.Error(t, err)

		var topologyErr *rabbitmq.TopologyError
		require.True(t, errors.As(err, &topologyErr))
		assert.Equal(t, "ordersExDLX", topologyErr.Name)

		_, ok := b.Lookup("orders--lobby")
		assert.False(t, ok)
	})
}
