package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/glimte/lobbymq/internal/metrics"
	"github.com/glimte/lobbymq/internal/rabbitmq"
)

// DelayedOptions controls when a delayed message becomes visible on the work
// queue. A zero TTL publishes straight to the work queue.
type DelayedOptions struct {
	TTL time.Duration

	// Publish carries optional message properties; Expiration is always
	// derived from TTL
	Publish *PublishOptions
}

// Envelope is the JSON body of every delayed message
type Envelope struct {
	Data      any   `json:"data"`
	CreatedAt int64 `json:"createdAt"`
}

// DecodeEnvelope unmarshals a delayed message body, decoding Data into data
func DecodeEnvelope(body []byte, data any) (createdAt time.Time, err error) {
	var raw struct {
		Data      json.RawMessage `json:"data"`
		CreatedAt int64           `json:"createdAt"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return time.Time{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if data != nil && len(raw.Data) > 0 {
		if err := json.Unmarshal(raw.Data, data); err != nil {
			return time.Time{}, fmt.Errorf("failed to unmarshal envelope data: %w", err)
		}
	}
	return time.UnixMilli(raw.CreatedAt), nil
}

// SendDelayedMessage wraps payload in an Envelope and publishes it so that it
// reaches the work queue of name after opts.TTL. The lobby, exchanges and
// work queue are declared on first use; the delay itself is carried by the
// broker through message expiration and dead-lettering.
func (b *Broker) SendDelayedMessage(ctx context.Context, name string, payload any, opts DelayedOptions) error {
	if opts.TTL < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTTL, opts.TTL)
	}

	qi, err := b.EnsureChannelAndLobby(ctx, name, nil)
	if err != nil {
		return err
	}

	body, err := json.Marshal(Envelope{Data: payload, CreatedAt: b.now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("failed to marshal payload for queue %s: %w", name, err)
	}

	names := rabbitmq.NewDelayedNames(name)
	msg := b.publishing(body, opts.Publish)

	if opts.TTL == 0 {
		return b.publish(ctx, qi, "", names.WorkQueue(), msg, metrics.RouteDirect)
	}

	msg.Expiration = strconv.FormatInt(opts.TTL.Milliseconds(), 10)
	return b.publish(ctx, qi, "", names.LobbyQueue(), msg, metrics.RouteLobby)
}
