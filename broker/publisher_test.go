package broker

import (
	"context"
	"encoding/json"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes json to the plain queue", func(t *testing.T) {
		b, server := newTestBroker(t)

		require.NoError(t, b.SendMessage(ctx, "jobs", order{SKU: "B2"}, nil))

		require.Equal(t, 1, server.Depth("jobs"))
		msg := server.Messages("jobs")[0]

		var got order
		require.NoError(t, json.Unmarshal(msg.Body, &got))
		assert.Equal(t, "B2", got.SKU)
		assert.Equal(t, "application/json", msg.ContentType)
		assert.Equal(t, amqp.Transient, msg.DeliveryMode)
		assert.NotEmpty(t, msg.MessageId)
		assert.Empty(t, msg.Expiration)
	})

	t.Run("applies publish options", func(t *testing.T) {
		b, server := newTestBroker(t)

		err := b.SendMessage(ctx, "jobs", "hello", &PublishOptions{
			Persistent:  true,
			ContentType: "text/plain",
			MessageID:   "msg-1",
			Priority:    4,
			Headers:     amqp.Table{"tenant": "acme"},
		})
		require.NoError(t, err)

		msg := server.Messages("jobs")[0]
		assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
		assert.Equal(t, "text/plain", msg.ContentType)
		assert.Equal(t, "msg-1", msg.MessageId)
		assert.Equal(t, uint8(4), msg.Priority)
		assert.Equal(t, "acme", msg.Headers["tenant"])
	})

	t.Run("persistent broker marks every message persistent", func(t *testing.T) {
		b, server := newTestBroker(t, WithPersistentMessages(true))

		require.NoError(t, b.SendMessage(ctx, "jobs", "hello", nil))
		assert.Equal(t, amqp.Persistent, server.Messages("jobs")[0].DeliveryMode)
	})

	t.Run("reuses the registry channel", func(t *testing.T) {
		b, server := newTestBroker(t)

		for i := 0; i < 3; i++ {
			require.NoError(t, b.SendMessage(ctx, "jobs", i, nil))
		}
		assert.Equal(t, 3, server.Depth("jobs"))
		assert.Equal(t, 1, server.ChannelCount())
		assert.Equal(t, 1, server.DeclareCount("jobs"))
	})
}
