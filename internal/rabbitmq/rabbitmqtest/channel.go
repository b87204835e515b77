package rabbitmqtest

import (
	"context"
	"fmt"

	"github.com/glimte/lobbymq/internal/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Conn is an in-memory connection
type Conn struct {
	server   *Server
	closed   bool
	notify   []chan *amqp.Error
	channels []*Channel
}

// Channel opens a channel
func (c *Conn) Channel() (rabbitmq.Channel, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	s.channels++
	ch := &Channel{
		server:    s,
		conn:      c,
		id:        s.channels,
		consumers: make(map[string]*consumer),
		unacked:   make(map[uint64]*pending),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose registers a receiver for connection close
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// IsClosed reports whether the connection is closed
func (c *Conn) IsClosed() bool {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	return c.closed
}

// Close closes the connection and its channels
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Conn) shutdown(reason *amqp.Error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.channels {
		ch.closeLocked()
	}
	for _, receiver := range c.notify {
		if reason != nil {
			receiver <- reason
		}
		close(receiver)
	}
	c.notify = nil
}

// Channel is an in-memory channel; it is also the Acknowledger of its deliveries
type Channel struct {
	server      *Server
	conn        *Conn
	id          int
	prefetch    int
	confirm     bool
	closed      bool
	deliveryTag uint64
	consumers   map[string]*consumer
	unacked     map[uint64]*pending
}

// ID returns the channel number
func (ch *Channel) ID() int {
	return ch.id
}

// Prefetch returns the prefetch count set by Qos
func (ch *Channel) Prefetch() int {
	ch.server.mu.Lock()
	defer ch.server.mu.Unlock()
	return ch.prefetch
}

// ConfirmMode reports whether Confirm was called
func (ch *Channel) ConfirmMode() bool {
	ch.server.mu.Lock()
	defer ch.server.mu.Unlock()
	return ch.confirm
}

func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.server.mu.Lock()
	defer ch.server.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if ex, ok := s.exchanges[name]; ok {
		if ex.kind != kind {
			return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", name)}
		}
		return nil
	}
	s.exchanges[name] = &exchange{kind: kind}
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		name = "amq.gen-" + uuid.NewString()
	}
	s.declares[name]++

	q, ok := s.queues[name]
	if !ok {
		q = &queue{name: name, args: args}
		s.queues[name] = q
	}
	return s.stats(q), nil
}

func (ch *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := s.queues[name]
	if !ok {
		ch.closeLocked()
		return amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name)}
	}
	return s.stats(q), nil
}

func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ex, ok := s.exchanges[exchangeName]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName)}
	}
	if _, ok := s.queues[name]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name)}
	}
	for _, b := range ex.bindings {
		if b.Queue == name && b.RoutingKey == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, rabbitmq.Binding{Queue: name, Exchange: exchangeName, RoutingKey: key})
	return nil
}

func (ch *Channel) Consume(queueName, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := s.queues[queueName]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName)}
	}
	if consumerTag == "" {
		consumerTag = newConsumerTag()
	}
	if _, exists := ch.consumers[consumerTag]; exists {
		return nil, &amqp.Error{Code: amqp.NotAllowed, Reason: fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", consumerTag)}
	}

	c := &consumer{
		tag:        consumerTag,
		ch:         ch,
		queue:      q,
		deliveries: make(chan amqp.Delivery, deliveryBuffer),
		prefetch:   ch.prefetch,
		autoAck:    autoAck,
	}
	ch.consumers[consumerTag] = c
	q.consumers = append(q.consumers, c)
	s.dispatch(q)

	return c.deliveries, nil
}

func (ch *Channel) Cancel(consumerTag string, noWait bool) error {
	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	c, ok := ch.consumers[consumerTag]
	if !ok {
		return nil
	}
	delete(ch.consumers, consumerTag)
	c.queue.removeConsumer(c)
	close(c.deliveries)
	return nil
}

func (ch *Channel) Confirm(noWait bool) error {
	ch.server.mu.Lock()
	defer ch.server.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirm = true
	return nil
}

// PublishWithDeferredConfirmWithContext routes msg immediately. The returned
// confirmation is always nil: routing is synchronous, so there is nothing to wait for.
func (ch *Channel) PublishWithDeferredConfirmWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if s.publishErr != nil {
		return nil, s.publishErr
	}
	return nil, s.route(exchangeName, key, msg)
}

func (ch *Channel) IsClosed() bool {
	ch.server.mu.Lock()
	defer ch.server.mu.Unlock()
	return ch.closed
}

func (ch *Channel) Close() error {
	ch.server.mu.Lock()
	defer ch.server.mu.Unlock()
	ch.closeLocked()
	return nil
}

// closeLocked cancels consumers and requeues unacknowledged messages. Caller holds mu.
func (ch *Channel) closeLocked() {
	if ch.closed {
		return
	}
	ch.closed = true

	for tag, c := range ch.consumers {
		delete(ch.consumers, tag)
		c.queue.removeConsumer(c)
		close(c.deliveries)
	}

	touched := make(map[*queue]bool)
	for tag, p := range ch.unacked {
		delete(ch.unacked, tag)
		p.msg.redelivered = true
		p.queue.ready = append([]*message{p.msg}, p.queue.ready...)
		touched[p.queue] = true
	}
	for q := range touched {
		ch.server.dispatch(q)
	}
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	return ch.settle(tag, multiple, func(p *pending) {})
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple bool, requeue bool) error {
	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	return ch.settle(tag, multiple, func(p *pending) {
		ch.reject(p, requeue)
	})
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	s := ch.server
	s.mu.Lock()
	defer s.mu.Unlock()

	return ch.settle(tag, false, func(p *pending) {
		ch.reject(p, requeue)
	})
}

// settle resolves one (or, with multiple, every lower) delivery tag. Caller holds mu.
func (ch *Channel) settle(tag uint64, multiple bool, fn func(*pending)) error {
	if ch.closed {
		return amqp.ErrClosed
	}

	var tags []uint64
	if multiple {
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
	} else {
		if _, ok := ch.unacked[tag]; !ok {
			return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag)}
		}
		tags = []uint64{tag}
	}

	touched := make(map[*queue]bool)
	for _, t := range tags {
		p := ch.unacked[t]
		delete(ch.unacked, t)
		p.consumer.unacked--
		fn(p)
		touched[p.queue] = true
	}
	for q := range touched {
		ch.server.dispatch(q)
	}
	return nil
}

func (ch *Channel) reject(p *pending, requeue bool) {
	if requeue {
		p.msg.redelivered = true
		p.queue.ready = append([]*message{p.msg}, p.queue.ready...)
		return
	}
	ch.server.deadLetter(p.queue, p.msg, "rejected")
}
