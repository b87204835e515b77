// Package rabbitmqtest provides an in-memory AMQP broker implementing the
// rabbitmq.Connection and rabbitmq.Channel interfaces.
//
// It models what the lobby protocol depends on: durable queues, direct
// exchanges, default-exchange routing, per-message expiration with
// dead-lettering, prefetch, manual acknowledgement, consumer cancellation and
// passive declares. Everything is guarded by a single mutex.
package rabbitmqtest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/glimte/lobbymq/internal/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const deliveryBuffer = 256

// Server is the in-memory broker
type Server struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	declares  map[string]int
	channels  int
	conns     []*Conn

	dialErr    error
	publishErr error
}

type exchange struct {
	kind     string
	bindings []rabbitmq.Binding
}

type queue struct {
	name      string
	args      amqp.Table
	ready     []*message
	consumers []*consumer
	next      int
}

type message struct {
	pub         amqp.Publishing
	exchange    string
	routingKey  string
	timer       *time.Timer
	redelivered bool
}

type consumer struct {
	tag        string
	ch         *Channel
	queue      *queue
	deliveries chan amqp.Delivery
	prefetch   int
	autoAck    bool
	unacked    int
}

type pending struct {
	msg      *message
	queue    *queue
	consumer *consumer
}

// NewServer returns an empty broker with the default exchange only
func NewServer() *Server {
	return &Server{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		declares:  make(map[string]int),
	}
}

// Dial satisfies rabbitmq.Dialer
func (s *Server) Dial(ctx context.Context, url string) (rabbitmq.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dialErr != nil {
		return nil, s.dialErr
	}
	conn := &Conn{server: s}
	s.conns = append(s.conns, conn)
	return conn, nil
}

// FailDial makes subsequent dials return err
func (s *Server) FailDial(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialErr = err
}

// FailPublish makes subsequent publishes return err; nil restores publishing
func (s *Server) FailPublish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishErr = err
}

// DropConnections closes every open connection as if the broker went away
func (s *Server) DropConnections(reason *amqp.Error) {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, conn := range conns {
		conn.shutdown(reason)
	}
}

// Depth returns the number of ready messages in queue
func (s *Server) Depth(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Messages returns the ready messages of queue in order
func (s *Server) Messages(name string) []amqp.Publishing {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[name]
	if !ok {
		return nil
	}
	msgs := make([]amqp.Publishing, 0, len(q.ready))
	for _, m := range q.ready {
		msgs = append(msgs, m.pub)
	}
	return msgs
}

// HasQueue reports whether queue was declared
func (s *Server) HasQueue(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queues[name]
	return ok
}

// QueueArgs returns the declaration arguments of queue
func (s *Server) QueueArgs(name string) amqp.Table {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.queues[name]; ok {
		return q.args
	}
	return nil
}

// ExchangeKind returns the type of a declared exchange
func (s *Server) ExchangeKind(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.exchanges[name]
	if !ok {
		return "", false
	}
	return ex.kind, true
}

// Bindings returns the bindings of exchange
func (s *Server) Bindings(name string) []rabbitmq.Binding {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.exchanges[name]
	if !ok {
		return nil
	}
	return append([]rabbitmq.Binding(nil), ex.bindings...)
}

// DeclareCount returns how many times queue was declared (passive excluded)
func (s *Server) DeclareCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.declares[name]
}

// ChannelCount returns the number of channels opened so far
func (s *Server) ChannelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels
}

// ConsumerCount returns the active consumers of queue
func (s *Server) ConsumerCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// route delivers pub to the queues matched by exchange and key. Caller holds mu.
func (s *Server) route(exchangeName, key string, pub amqp.Publishing) error {
	if exchangeName == "" {
		if q, ok := s.queues[key]; ok {
			s.enqueue(q, &message{pub: pub, exchange: exchangeName, routingKey: key})
		}
		return nil
	}

	ex, ok := s.exchanges[exchangeName]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName)}
	}
	for _, b := range ex.bindings {
		if ex.kind == amqp.ExchangeFanout || b.RoutingKey == key {
			if q, ok := s.queues[b.Queue]; ok {
				s.enqueue(q, &message{pub: pub, exchange: exchangeName, routingKey: key})
			}
		}
	}
	return nil
}

// enqueue appends m, arms its expiration and dispatches. Caller holds mu.
func (s *Server) enqueue(q *queue, m *message) {
	q.ready = append(q.ready, m)

	if m.pub.Expiration != "" {
		if ms, err := strconv.ParseInt(m.pub.Expiration, 10, 64); err == nil {
			m.timer = time.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
				s.expire(q, m)
			})
		}
	}

	s.dispatch(q)
}

func (s *Server) expire(q *queue, m *message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, ready := range q.ready {
		if ready == m {
			q.ready = append(q.ready[:i], q.ready[i+1:]...)
			s.deadLetter(q, m, "expired")
			return
		}
	}
}

// deadLetter republishes m through the queue's dead-letter exchange, dropping
// it when none is configured. Caller holds mu.
func (s *Server) deadLetter(q *queue, m *message, reason string) {
	dlx, ok := q.args[rabbitmq.ArgDeadLetterExchange].(string)
	if !ok {
		return
	}
	key := m.routingKey
	if rk, ok := q.args[rabbitmq.ArgDeadLetterRoutingKey].(string); ok {
		key = rk
	}

	pub := m.pub
	pub.Expiration = ""
	headers := amqp.Table{}
	for k, v := range m.pub.Headers {
		headers[k] = v
	}
	headers["x-first-death-queue"] = q.name
	headers["x-first-death-reason"] = reason
	pub.Headers = headers

	_ = s.route(dlx, key, pub)
}

// dispatch hands ready messages to consumers with spare prefetch. Caller holds mu.
func (s *Server) dispatch(q *queue) {
	for len(q.ready) > 0 {
		c := q.pickConsumer()
		if c == nil {
			return
		}

		m := q.ready[0]
		q.ready = q.ready[1:]
		if m.timer != nil {
			m.timer.Stop()
		}

		c.ch.deliveryTag++
		tag := c.ch.deliveryTag
		if !c.autoAck {
			c.ch.unacked[tag] = &pending{msg: m, queue: q, consumer: c}
			c.unacked++
		}

		c.deliveries <- amqp.Delivery{
			Acknowledger:  c.ch,
			Headers:       m.pub.Headers,
			ContentType:   m.pub.ContentType,
			DeliveryMode:  m.pub.DeliveryMode,
			Priority:      m.pub.Priority,
			CorrelationId: m.pub.CorrelationId,
			ReplyTo:       m.pub.ReplyTo,
			Expiration:    m.pub.Expiration,
			MessageId:     m.pub.MessageId,
			Timestamp:     m.pub.Timestamp,
			Type:          m.pub.Type,
			AppId:         m.pub.AppId,
			ConsumerTag:   c.tag,
			DeliveryTag:   tag,
			Redelivered:   m.redelivered,
			Exchange:      m.exchange,
			RoutingKey:    m.routingKey,
			Body:          m.pub.Body,
		}
	}
}

func (q *queue) pickConsumer() *consumer {
	for i := 0; i < len(q.consumers); i++ {
		c := q.consumers[(q.next+i)%len(q.consumers)]
		if c.prefetch > 0 && c.unacked >= c.prefetch {
			continue
		}
		if len(c.deliveries) == cap(c.deliveries) {
			continue
		}
		q.next = (q.next + i + 1) % len(q.consumers)
		return c
	}
	return nil
}

func (q *queue) removeConsumer(c *consumer) {
	for i, existing := range q.consumers {
		if existing == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			return
		}
	}
}

func (s *Server) stats(q *queue) amqp.Queue {
	return amqp.Queue{Name: q.name, Messages: len(q.ready), Consumers: len(q.consumers)}
}

func newConsumerTag() string {
	return "ctag-" + uuid.NewString()
}
