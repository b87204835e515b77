package broker

import (
	"context"
	"fmt"

	"github.com/glimte/lobbymq/internal/rabbitmq"
)

// QueueStats is a snapshot of a queue's backlog
type QueueStats struct {
	Name      string
	Messages  int
	Consumers int
}

// DelayedStats holds the lobby and work queue snapshots of a delayed queue
type DelayedStats struct {
	Lobby QueueStats
	Work  QueueStats
}

// QueueDepth passively declares queueName on a short-lived channel; a passive
// declare failure closes the channel, so registry channels are never used
func (b *Broker) QueueDepth(ctx context.Context, queueName string) (QueueStats, error) {
	if err := b.conn.WaitReady(ctx); err != nil {
		return QueueStats{}, err
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return QueueStats{}, err
	}
	defer func() {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}()

	q, err := ch.QueueDeclarePassive(queueName, true, false, false, false, nil)
	if err != nil {
		if rabbitmq.IsNotFound(err) {
			return QueueStats{}, fmt.Errorf("%w: %s", rabbitmq.ErrQueueNotFound, queueName)
		}
		return QueueStats{}, fmt.Errorf("failed to inspect queue %s: %w", queueName, err)
	}

	return QueueStats{
		Name:      q.Name,
		Messages:  q.Messages,
		Consumers: q.Consumers,
	}, nil
}

// DelayedQueueDepths returns the backlog of the lobby and work queues of name
func (b *Broker) DelayedQueueDepths(ctx context.Context, name string) (DelayedStats, error) {
	names := rabbitmq.NewDelayedNames(name)

	lobby, err := b.QueueDepth(ctx, names.LobbyQueue())
	if err != nil {
		return DelayedStats{}, err
	}
	work, err := b.QueueDepth(ctx, names.WorkQueue())
	if err != nil {
		return DelayedStats{}, err
	}
	return DelayedStats{Lobby: lobby, Work: work}, nil
}
