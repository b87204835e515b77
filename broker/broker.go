package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/lobbymq/internal/metrics"
	"github.com/glimte/lobbymq/internal/rabbitmq"
)

var (
	// ErrInvalidTTL is returned for a negative delay
	ErrInvalidTTL = errors.New("broker: ttl must not be negative")
	// ErrNoHandlerFactory is returned when subscribing without a handler factory
	ErrNoHandlerFactory = errors.New("broker: handler factory is required")
	// ErrAlreadySubscribed is returned when a queue already has an active consumer
	ErrAlreadySubscribed = errors.New("broker: queue already has an active subscription")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("broker: closed")
)

// Connector is what the broker needs from the connection manager
type Connector interface {
	WaitReady(ctx context.Context) error
	Channel() (rabbitmq.Channel, error)
}

// Broker publishes and consumes through per-queue channels. It owns the
// registry of QueueInfo and is safe for concurrent use.
type Broker struct {
	conn           Connector
	logger         *slog.Logger
	metrics        *metrics.Metrics
	confirms       bool
	confirmTimeout time.Duration
	persistent     bool
	now            func() time.Time

	// ctx outlives individual calls; handlers and health checks run under it
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queues   map[string]*QueueInfo
	creating map[string]*sync.Mutex
	closed   bool

	inflight sync.WaitGroup
}

// Option configures the broker
type Option func(*Broker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithMetrics records publish, consume and pause metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broker) {
		b.metrics = m
	}
}

// WithPublisherConfirms puts every channel in confirm mode and makes publishes
// wait up to timeout for the broker ack
func WithPublisherConfirms(timeout time.Duration) Option {
	return func(b *Broker) {
		b.confirms = true
		b.confirmTimeout = timeout
	}
}

// WithPersistentMessages marks every published message persistent
func WithPersistentMessages(persistent bool) Option {
	return func(b *Broker) {
		b.persistent = persistent
	}
}

// WithClock overrides the time source used for envelope timestamps
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		b.now = now
	}
}

// New creates a broker on top of conn. Nothing is declared until first use.
func New(conn Connector, options ...Option) *Broker {
	ctx, cancel := context.WithCancel(context.Background())

	b := &Broker{
		conn:           conn,
		logger:         slog.Default(),
		confirmTimeout: 5 * time.Second,
		now:            time.Now,
		ctx:            ctx,
		cancel:         cancel,
		queues:         make(map[string]*QueueInfo),
		creating:       make(map[string]*sync.Mutex),
	}

	for _, opt := range options {
		opt(b)
	}

	return b
}

// Close stops health checks, cancels consumers, waits for in-flight handlers
// and closes every registry channel
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	queues := make([]*QueueInfo, 0, len(b.queues))
	for _, qi := range b.queues {
		queues = append(queues, qi)
	}
	b.mu.Unlock()

	for _, qi := range queues {
		qi.mu.Lock()
		tag := qi.consumerTag
		active := qi.subscription != nil && !qi.subscription.IsPaused
		if qi.healthCheck != nil {
			qi.healthCheck.Stop()
		}
		qi.mu.Unlock()

		if active && tag != "" {
			if err := qi.Channel.Cancel(tag, false); err != nil {
				b.logger.Warn("failed to cancel consumer", "queue", qi.Queue.Name, "consumerTag", tag, "error", err)
			}
		}
	}

	b.inflight.Wait()
	b.cancel()

	var errs []error
	for _, qi := range queues {
		if err := qi.Channel.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
