package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/glimte/lobbymq/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueInfo is the registry entry for one logical queue name. QueueID and
// Channel never change after creation; the consumer fields are guarded by mu.
type QueueInfo struct {
	QueueID string
	Channel rabbitmq.Channel
	Queue   amqp.Queue

	// opMu serializes Subscribe, Pause and Resume on this queue
	opMu sync.Mutex

	mu           sync.Mutex
	consumerTag  string
	subscription *Subscription
	healthCheck  *HealthCheck
}

// ConsumerTag returns the tag of the current consumer, empty if none was started
func (qi *QueueInfo) ConsumerTag() string {
	qi.mu.Lock()
	defer qi.mu.Unlock()
	return qi.consumerTag
}

// Subscription returns a copy of the subscription record
func (qi *QueueInfo) Subscription() (Subscription, bool) {
	qi.mu.Lock()
	defer qi.mu.Unlock()
	if qi.subscription == nil {
		return Subscription{}, false
	}
	return *qi.subscription, true
}

// IsPaused reports whether the subscription is paused
func (qi *QueueInfo) IsPaused() bool {
	qi.mu.Lock()
	defer qi.mu.Unlock()
	return qi.subscription != nil && qi.subscription.IsPaused
}

// HealthCheck returns the scheduler started by the last Pause, nil if none
func (qi *QueueInfo) HealthCheck() *HealthCheck {
	qi.mu.Lock()
	defer qi.mu.Unlock()
	return qi.healthCheck
}

// Lookup returns the cached QueueInfo for a queue id without creating it
func (b *Broker) Lookup(queueID string) (*QueueInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	qi, ok := b.queues[queueID]
	return qi, ok
}

// QueueIDs returns the ids of every registry entry
func (b *Broker) QueueIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.queues))
	for id := range b.queues {
		ids = append(ids, id)
	}
	return ids
}

// EnsureChannelAndQueue returns the QueueInfo for a plain durable queue,
// creating the channel and declaring the queue on first use
func (b *Broker) EnsureChannelAndQueue(ctx context.Context, name string, opts *ConsumerOptions) (*QueueInfo, error) {
	return b.ensure(ctx, name, "plain", opts, rabbitmq.Topology{
		Queues: []rabbitmq.QueueDeclaration{rabbitmq.PlainQueue(name)},
	}, name)
}

// EnsureChannelAndDelayedQueue returns the QueueInfo of the work queue that
// receives delayed messages of name once their delay has elapsed
func (b *Broker) EnsureChannelAndDelayedQueue(ctx context.Context, name string, opts *ConsumerOptions) (*QueueInfo, error) {
	names := rabbitmq.NewDelayedNames(name)
	return b.ensure(ctx, names.WorkID(), "work", opts, names.WorkTopology(), names.WorkQueue())
}

// EnsureChannelAndLobby returns the QueueInfo of the lobby queue of name,
// declaring the lobby exchange, the dead-letter exchange and both queues
func (b *Broker) EnsureChannelAndLobby(ctx context.Context, name string, opts *ConsumerOptions) (*QueueInfo, error) {
	names := rabbitmq.NewDelayedNames(name)
	return b.ensure(ctx, names.LobbyID(), "lobby", opts, names.LobbyTopology(), names.LobbyQueue())
}

// ensure implements the three Ensure methods. Creation is serialized per
// queue id so concurrent first callers share one channel and one declare.
func (b *Broker) ensure(ctx context.Context, queueID, kind string, opts *ConsumerOptions, topology rabbitmq.Topology, queueName string) (*QueueInfo, error) {
	if err := b.conn.WaitReady(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if qi, ok := b.queues[queueID]; ok {
		b.mu.Unlock()
		return qi, nil
	}
	lock, ok := b.creating[queueID]
	if !ok {
		lock = &sync.Mutex{}
		b.creating[queueID] = lock
	}
	b.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	// another caller may have finished while we waited
	if qi, ok := b.Lookup(queueID); ok {
		return qi, nil
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, err
	}

	qi, err := b.declare(ch, queueID, opts, topology, queueName)
	if err != nil {
		if closeErr := ch.Close(); closeErr != nil {
			b.logger.Debug("failed to close channel after declare error", "queueId", queueID, "error", closeErr)
		}
		return nil, err
	}

	b.mu.Lock()
	b.queues[queueID] = qi
	delete(b.creating, queueID)
	b.mu.Unlock()

	b.metrics.QueueCreated(kind)
	b.logger.Info("queue ready",
		"queueId", queueID,
		"queue", qi.Queue.Name,
		"maxConcurrency", opts.maxConcurrency(),
	)

	return qi, nil
}

func (b *Broker) declare(ch rabbitmq.Channel, queueID string, opts *ConsumerOptions, topology rabbitmq.Topology, queueName string) (*QueueInfo, error) {
	if b.confirms {
		if err := ch.Confirm(false); err != nil {
			return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
		}
	}

	if prefetch := opts.maxConcurrency(); prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	queues, err := rabbitmq.DeclareTopology(ch, topology)
	if err != nil {
		return nil, err
	}

	return &QueueInfo{
		QueueID: queueID,
		Channel: ch,
		Queue:   queues[queueName],
	}, nil
}
