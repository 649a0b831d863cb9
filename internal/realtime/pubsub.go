package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// PermissionsChannel carries permission entry changes to every server instance.
	PermissionsChannel = "events:permissions"
	publishTimeout     = 5 * time.Second
)

// envelope is the message published to Redis for cross-instance broadcast.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    int64           `json:"at"`
}

// RedisPubSub fans hub events out to other server instances.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for hub events.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	return &RedisPubSub{client: client, logger: logger}
}

// Publish sends event with payload on channel.
func (r *RedisPubSub) Publish(channel, event string, payload []byte) error {
	body, err := json.Marshal(envelope{Event: event, Data: payload, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, channel, body).Err()
}

// Subscribe calls handler for every event on channel until ctx is done.
func (r *RedisPubSub) Subscribe(ctx context.Context, channel string, handler func(event string, payload []byte)) error {
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var e envelope
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					r.logger.Warn("bad hub event", zap.String("channel", channel), zap.Error(err))
					continue
				}
				handler(e.Event, e.Data)
			}
		}
	}()
	return nil
}
