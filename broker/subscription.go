package broker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/glimte/lobbymq/internal/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultHealthCheckInterval is the delay before the first probe of a paused queue
const DefaultHealthCheckInterval = 5 * time.Second

// Handler processes one delivery and is responsible for acknowledging it.
// ctx is not a shutdown signal: Broker.Close waits for running handlers
// before it cancels ctx, so a handler must not block on ctx.Done.
type Handler func(ctx context.Context, delivery amqp.Delivery)

// HandlerFactory builds the handler of a queue. It runs once per Subscribe
// and once per Resume.
type HandlerFactory func(qi *QueueInfo) Handler

// ConsumerOptions configure a subscription
type ConsumerOptions struct {
	HandlerFactory HandlerFactory
	// MaxConcurrency is the channel prefetch; zero leaves it unlimited
	MaxConcurrency int
}

func (o *ConsumerOptions) maxConcurrency() int {
	if o == nil {
		return 0
	}
	return o.MaxConcurrency
}

// Subscription records how consumption of a queue was started so that it
// can be resumed identically
type Subscription struct {
	Name      string
	Options   ConsumerOptions
	IsPaused  bool
	IsDelayed bool
}

// PauseOptions configure Pause
type PauseOptions struct {
	// HealthCheck is probed while paused; nil pauses until Resume is called
	HealthCheck         HealthProbe
	HealthCheckInterval time.Duration

	// OnHealthy runs when the probe reports healthy
	OnHealthy func()
	// OnError runs when the probe fails; the schedule stops
	OnError func(err error)
	// AutoResume resumes the subscription when the probe reports healthy
	AutoResume bool
}

// AckOnSuccess adapts an error-returning function into a Handler that acks on
// success and nacks with requeue on error
func AckOnSuccess(fn func(ctx context.Context, delivery amqp.Delivery) error) Handler {
	return func(ctx context.Context, delivery amqp.Delivery) {
		if err := fn(ctx, delivery); err != nil {
			_ = delivery.Nack(false, true)
			return
		}
		_ = delivery.Ack(false)
	}
}

// Subscribe starts consuming the plain queue name
func (b *Broker) Subscribe(ctx context.Context, name string, opts ConsumerOptions) (*QueueInfo, error) {
	return b.subscribe(ctx, name, opts, false)
}

// SubscribeDelayed starts consuming the work queue that delayed messages of
// name are delivered to
func (b *Broker) SubscribeDelayed(ctx context.Context, name string, opts ConsumerOptions) (*QueueInfo, error) {
	return b.subscribe(ctx, name, opts, true)
}

func (b *Broker) subscribe(ctx context.Context, name string, opts ConsumerOptions, delayed bool) (*QueueInfo, error) {
	if opts.HandlerFactory == nil {
		return nil, ErrNoHandlerFactory
	}

	ensure := b.EnsureChannelAndQueue
	if delayed {
		ensure = b.EnsureChannelAndDelayedQueue
	}
	qi, err := ensure(ctx, name, &opts)
	if err != nil {
		return nil, err
	}

	qi.opMu.Lock()
	defer qi.opMu.Unlock()

	qi.mu.Lock()
	if qi.subscription != nil && !qi.subscription.IsPaused {
		qi.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadySubscribed, qi.QueueID)
	}
	if qi.healthCheck != nil {
		qi.healthCheck.Stop()
		qi.healthCheck = nil
	}
	qi.mu.Unlock()

	// the channel may have been created by a publish, without QoS
	if opts.MaxConcurrency > 0 {
		if err := qi.Channel.Qos(opts.MaxConcurrency, 0, false); err != nil {
			return nil, &rabbitmq.ConsumerError{
				Queue:     qi.Queue.Name,
				Op:        "qos",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}

	tag, err := b.startConsuming(qi, opts.HandlerFactory(qi))
	if err != nil {
		return nil, err
	}

	qi.mu.Lock()
	qi.consumerTag = tag
	qi.subscription = &Subscription{
		Name:      name,
		Options:   opts,
		IsDelayed: delayed,
	}
	qi.mu.Unlock()

	b.logger.Info("subscribed to queue",
		"queue", qi.Queue.Name,
		"consumerTag", tag,
		"delayed", delayed,
		"maxConcurrency", opts.MaxConcurrency,
	)

	return qi, nil
}

func (b *Broker) startConsuming(qi *QueueInfo, handler Handler) (string, error) {
	tag := fmt.Sprintf("lobbymq-%s-%s", qi.QueueID, uuid.New().String())

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrClosed
	}
	b.inflight.Add(1)
	b.mu.Unlock()

	deliveries, err := qi.Channel.Consume(
		qi.Queue.Name,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		b.inflight.Done()
		return "", &rabbitmq.ConsumerError{
			Queue:       qi.Queue.Name,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	go b.processMessages(qi, tag, deliveries, handler)

	return tag, nil
}

// processMessages runs a handler goroutine per delivery until the consumer is
// cancelled. Prefetch bounds how many run at once.
func (b *Broker) processMessages(qi *QueueInfo, tag string, deliveries <-chan amqp.Delivery, handler Handler) {
	defer b.inflight.Done()

	for delivery := range deliveries {
		b.inflight.Add(1)
		go func(d amqp.Delivery) {
			defer b.inflight.Done()
			b.handleMessage(qi, d, handler)
		}(delivery)
	}

	b.logger.Debug("consumer stopped", "queue", qi.Queue.Name, "consumerTag", tag)
}

func (b *Broker) handleMessage(qi *QueueInfo, delivery amqp.Delivery, handler Handler) {
	start := time.Now()
	panicked := false

	defer func() {
		if r := recover(); r != nil {
			panicked = true
			b.logger.Error("handler panicked",
				"queue", qi.Queue.Name,
				"messageId", delivery.MessageId,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			// retry once, then let the queue dead-letter or drop it
			if err := delivery.Nack(false, !delivery.Redelivered); err != nil {
				b.logger.Debug("failed to nack after panic", "error", err)
			}
		}
		b.metrics.MessageHandled(qi.Queue.Name, time.Since(start), panicked)
	}()

	handler(b.ctx, delivery)
}

// Pause cancels the consumer of qi and, when a probe is given, starts a
// health check. Messages already handed to the handler finish normally.
// It returns false when qi is not consuming.
func (b *Broker) Pause(ctx context.Context, qi *QueueInfo, opts PauseOptions) (bool, error) {
	qi.opMu.Lock()
	defer qi.opMu.Unlock()

	qi.mu.Lock()
	sub := qi.subscription
	tag := qi.consumerTag
	qi.mu.Unlock()

	if sub == nil || sub.IsPaused || tag == "" {
		return false, nil
	}

	if err := qi.Channel.Cancel(tag, false); err != nil {
		return false, &rabbitmq.ConsumerError{
			Queue:       qi.Queue.Name,
			ConsumerTag: tag,
			Op:          "cancel",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	var hc *HealthCheck
	if opts.HealthCheck != nil {
		interval := opts.HealthCheckInterval
		if interval <= 0 {
			interval = DefaultHealthCheckInterval
		}
		hc = ScheduleHealthCheck(b.ctx, b.recordProbe(qi, opts.HealthCheck), interval)
	}

	qi.mu.Lock()
	qi.subscription.IsPaused = true
	qi.healthCheck = hc
	qi.mu.Unlock()

	b.metrics.ConsumerPaused(qi.Queue.Name)
	b.logger.Info("consumer paused", "queue", qi.Queue.Name, "consumerTag", tag, "healthCheck", hc != nil)

	if hc != nil {
		go b.watchHealthCheck(qi, hc, opts)
	}

	return true, nil
}

// Resume restarts consumption of a paused qi with the options it was
// subscribed with. It returns false when there is nothing to resume.
func (b *Broker) Resume(ctx context.Context, qi *QueueInfo) (bool, error) {
	qi.mu.Lock()
	sub := qi.subscription
	if sub == nil || !sub.IsPaused || sub.Options.HandlerFactory == nil {
		qi.mu.Unlock()
		return false, nil
	}
	name, opts, delayed := sub.Name, sub.Options, sub.IsDelayed
	qi.mu.Unlock()

	_, err := b.subscribe(ctx, name, opts, delayed)
	if errors.Is(err, ErrAlreadySubscribed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	b.metrics.ConsumerResumed(qi.Queue.Name)
	b.logger.Info("consumer resumed", "queue", qi.Queue.Name, "delayed", delayed)
	return true, nil
}

func (b *Broker) recordProbe(qi *QueueInfo, probe HealthProbe) HealthProbe {
	return func(ctx context.Context) (time.Duration, error) {
		next, err := probe(ctx)
		switch {
		case err != nil:
			b.metrics.HealthCheck(qi.Queue.Name, "error")
		case next <= 0:
			b.metrics.HealthCheck(qi.Queue.Name, "healthy")
		default:
			b.metrics.HealthCheck(qi.Queue.Name, "unhealthy")
		}
		return next, err
	}
}

func (b *Broker) watchHealthCheck(qi *QueueInfo, hc *HealthCheck, opts PauseOptions) {
	<-hc.Done()

	if err := hc.Err(); err != nil {
		b.logger.Warn("health check failed", "queue", qi.Queue.Name, "error", err)
		if opts.OnError != nil {
			opts.OnError(err)
		}
		return
	}
	if !hc.Healthy() {
		return
	}

	b.logger.Info("health check passed", "queue", qi.Queue.Name, "ticks", hc.Ticks())
	if opts.OnHealthy != nil {
		opts.OnHealthy()
	}
	if opts.AutoResume {
		if _, err := b.Resume(b.ctx, qi); err != nil && !errors.Is(err, ErrClosed) {
			b.logger.Error("failed to resume consumer", "queue", qi.Queue.Name, "error", err)
		}
	}
}
