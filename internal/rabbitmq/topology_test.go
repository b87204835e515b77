package rabbitmq_test

import (
	"context"
	"errors"
	"testing"

	"github.com/glimte/lobbymq/internal/rabbitmq"
	"github.com/glimte/lobbymq/internal/rabbitmq/rabbitmqtest"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayedNames(t *testing.T) {
	names := rabbitmq.NewDelayedNames("orders")

	assert.Equal(t, "orders--work", names.WorkID())
	assert.Equal(t, "orders--lobby", names.LobbyID())
	assert.Equal(t, "ordersExchange", names.Exchange())
	assert.Equal(t, "ordersExDLX", names.DeadLetterExchange())
	assert.Equal(t, "ordersRoutingKeyDLX", names.DeadLetterRoutingKey())
	assert.Equal(t, "ordersWork", names.WorkQueue())
	assert.Equal(t, "orders-lobby", names.LobbyQueue())
}

func openChannel(t *testing.T, server *rabbitmqtest.Server) rabbitmq.Channel {
	t.Helper()

	conn, err := server.Dial(context.Background(), rabbitmq.DefaultURL)
	require.NoError(t, err)
	ch, err := conn.Channel()
	require.NoError(t, err)
	return ch
}

func TestDeclareTopology(t *testing.T) {
	t.Run("lobby topology", func(t *testing.T) {
		server := rabbitmqtest.NewServer()
		ch := openChannel(t, server)
		names := rabbitmq.NewDelayedNames("orders")

		queues, err := rabbitmq.DeclareTopology(ch, names.LobbyTopology())
		require.NoError(t, err)
		assert.Contains(t, queues, "ordersWork")
		assert.Contains(t, queues, "orders-lobby")

		kind, ok := server.ExchangeKind("ordersExDLX")
		require.True(t, ok)
		assert.Equal(t, amqp.ExchangeDirect, kind)
		_, ok = server.ExchangeKind("ordersExchange")
		assert.True(t, ok)

		args := server.QueueArgs("orders-lobby")
		assert.Equal(t, "ordersExDLX", args[rabbitmq.ArgDeadLetterExchange])
		assert.Equal(t, "ordersRoutingKeyDLX", args[rabbitmq.ArgDeadLetterRoutingKey])

		assert.Equal(t, []rabbitmq.Binding{
			{Queue: "ordersWork", Exchange: "ordersExDLX", RoutingKey: "ordersRoutingKeyDLX"},
		}, server.Bindings("ordersExDLX"))
		assert.Equal(t, []rabbitmq.Binding{
			{Queue: "orders-lobby", Exchange: "ordersExchange", RoutingKey: ""},
		}, server.Bindings("ordersExchange"))
	})

	t.Run("work topology only", func(t *testing.T) {
		server := rabbitmqtest.NewServer()
		ch := openChannel(t, server)

		_, err := rabbitmq.DeclareTopology(ch, rabbitmq.NewDelayedNames("jobs").WorkTopology())
		require.NoError(t, err)
		assert.True(t, server.HasQueue("jobsWork"))
		assert.False(t, server.HasQueue("jobs-lobby"))
	})

	t.Run("plain queue", func(t *testing.T) {
		server := rabbitmqtest.NewServer()
		ch := openChannel(t, server)

		decl := rabbitmq.PlainQueue("emails")
		assert.True(t, decl.Durable)

		q, err := rabbitmq.DeclareQueue(ch, decl)
		require.NoError(t, err)
		assert.Equal(t, "emails", q.Name)
		assert.Equal(t, 1, server.DeclareCount("emails"))
	})

	t.Run("conflicting exchange is a topology error", func(t *testing.T) {
		server := rabbitmqtest.NewServer()
		ch := openChannel(t, server)
		require.NoError(t, rabbitmq.DeclareExchange(ch, rabbitmq.ExchangeDeclaration{
			Name: "ordersExDLX", Type: amqp.ExchangeFanout, Durable: true,
		}))

		_, err := rabbitmq.DeclareTopology(ch, rabbitmq.NewDelayedNames("orders").WorkTopology())
		require.Error(t, err)

		var topoErr *rabbitmq.TopologyError
		require.True(t, errors.As(err, &topoErr))
		assert.Equal(t, "exchange", topoErr.Component)
		assert.Equal(t, "ordersExDLX", topoErr.Name)
		assert.False(t, server.HasQueue("ordersWork"))
	})

	t.Run("binding to a missing exchange", func(t *testing.T) {
		ch := openChannel(t, rabbitmqtest.NewServer())
		_, err := rabbitmq.DeclareQueue(ch, rabbitmq.PlainQueue("emails"))
		require.NoError(t, err)

		err = rabbitmq.BindQueue(ch, rabbitmq.Binding{Queue: "emails", Exchange: "missing"})
		assert.True(t, rabbitmq.IsNotFound(err))
	})
}
