package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/lobbymq/broker"
	"github.com/glimte/lobbymq/internal/rabbitmq"
)

// ConnectionState is the part of the connection manager the checker reads
type ConnectionState interface {
	State() rabbitmq.State
	Target() string
}

// ConnectionChecker reports the broker connection state
type ConnectionChecker struct {
	conn ConnectionState
}

func NewConnectionChecker(conn ConnectionState) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.conn.State()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"state":  state.String(),
			"target": c.conn.Target(),
		},
	}

	switch state {
	case rabbitmq.StateReady:
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	case rabbitmq.StateConnecting:
		result.Status = StatusDegraded
		result.Message = "Connection is being established"
	default:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Connection is %s", state)
	}

	result.Duration = time.Since(start)
	return result
}

// QueueInspector returns the backlog of a queue
type QueueInspector interface {
	QueueDepth(ctx context.Context, queueName string) (broker.QueueStats, error)
}

// QueueDepthChecker is unhealthy while a queue holds more than max messages.
// It is typically pointed at a downstream queue to gate a paused consumer.
type QueueDepthChecker struct {
	inspector QueueInspector
	queueName string
	max       int
}

func NewQueueDepthChecker(inspector QueueInspector, queueName string, max int) *QueueDepthChecker {
	return &QueueDepthChecker{
		inspector: inspector,
		queueName: queueName,
		max:       max,
	}
}

func (c *QueueDepthChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queueName)
}

func (c *QueueDepthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	stats, err := c.inspector.QueueDepth(ctx, c.queueName)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queueName)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Details["message_count"] = stats.Messages
	result.Details["consumer_count"] = stats.Consumers
	result.Details["max_messages"] = c.max

	if stats.Messages > c.max {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s has %d messages, above %d", c.queueName, stats.Messages, c.max)
	} else {
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Queue %s is within limits", c.queueName)
	}

	result.Duration = time.Since(start)
	return result
}

// Probe adapts a checker into a broker.HealthProbe: healthy ends the
// schedule, anything else retries after retryAfter. Checkers report failures
// as results, so the probe itself never errors.
func Probe(checker Checker, retryAfter time.Duration) broker.HealthProbe {
	if retryAfter <= 0 {
		retryAfter = broker.DefaultHealthCheckInterval
	}
	return func(ctx context.Context) (time.Duration, error) {
		if checker.Check(ctx).Status == StatusHealthy {
			return 0, nil
		}
		return retryAfter, nil
	}
}
