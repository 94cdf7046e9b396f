package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fgrzl/connect"
	"github.com/redis/go-redis/v9"
)

// Redis publishes events as JSON on a Redis pub/sub channel.
type Redis struct {
	client  redis.UniversalClient
	channel string
	ctx     context.Context
}

func NewRedis(client redis.UniversalClient, channel string) *Redis {
	return &Redis{
		client:  client,
		channel: channel,
		ctx:     context.Background(),
	}
}

func (r *Redis) Publish(event connect.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event for connection %s: %w", event.Connection.ID, err)
	}
	if err := r.client.Publish(r.ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", r.channel, err)
	}
	return nil
}

// Subscribe decodes the events published on channel until ctx is done.
func Subscribe(ctx context.Context, client redis.UniversalClient, channel string, handle func(connect.Event)) error {
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var event connect.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			handle(event)
		}
	}
}
