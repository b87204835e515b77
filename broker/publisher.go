package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glimte/lobbymq/internal/metrics"
	"github.com/glimte/lobbymq/internal/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const contentTypeJSON = "application/json"

// PublishOptions are broker-level properties applied to a published message
type PublishOptions struct {
	Persistent  bool
	ContentType string
	MessageID   string
	Priority    uint8
	Headers     amqp.Table
}

// SendMessage serializes payload to JSON and sends it to the plain queue
// name through the default exchange, declaring the queue on first use
func (b *Broker) SendMessage(ctx context.Context, name string, payload any, opts *PublishOptions) error {
	qi, err := b.EnsureChannelAndQueue(ctx, name, nil)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for queue %s: %w", name, err)
	}

	msg := b.publishing(body, opts)
	return b.publish(ctx, qi, "", qi.Queue.Name, msg, metrics.RoutePlain)
}

func (b *Broker) publishing(body []byte, opts *PublishOptions) amqp.Publishing {
	if opts == nil {
		opts = &PublishOptions{}
	}

	msg := amqp.Publishing{
		ContentType:  opts.ContentType,
		MessageId:    opts.MessageID,
		Priority:     opts.Priority,
		Headers:      opts.Headers,
		Timestamp:    b.now(),
		DeliveryMode: amqp.Transient,
		Body:         body,
	}
	if msg.ContentType == "" {
		msg.ContentType = contentTypeJSON
	}
	if msg.MessageId == "" {
		msg.MessageId = uuid.New().String()
	}
	if opts.Persistent || b.persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	return msg
}

// publish sends msg on the channel of qi and, with confirms enabled, waits
// for the broker ack
func (b *Broker) publish(ctx context.Context, qi *QueueInfo, exchange, routingKey string, msg amqp.Publishing, route string) error {
	start := time.Now()
	err := b.doPublish(ctx, qi, exchange, routingKey, msg)
	b.metrics.MessagePublished(qi.Queue.Name, route, time.Since(start), err)

	if err != nil {
		return &rabbitmq.PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	b.logger.Debug("message published",
		"exchange", exchange,
		"routingKey", routingKey,
		"messageId", msg.MessageId,
		"expiration", msg.Expiration,
	)
	return nil
}

func (b *Broker) doPublish(ctx context.Context, qi *QueueInfo, exchange, routingKey string, msg amqp.Publishing) error {
	confirmation, err := qi.Channel.PublishWithDeferredConfirmWithContext(
		ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		msg,
	)
	if err != nil {
		return err
	}

	if !b.confirms || confirmation == nil {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, b.confirmTimeout)
	defer cancel()

	acked, err := confirmation.WaitContext(waitCtx)
	if err != nil {
		return fmt.Errorf("%w: %v", rabbitmq.ErrPublishNotConfirmed, err)
	}
	if !acked {
		return rabbitmq.ErrPublishNotConfirmed
	}
	return nil
}
