package fanout

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "room:"

// RedisBroadcaster implements Broadcaster over Redis pub/sub. Each room maps
// to one Redis channel; the subscription uses a pattern covering all rooms.
type RedisBroadcaster struct {
	client *redis.Client
	pubsub *redis.PubSub
}

func NewRedisBroadcaster(client *redis.Client) *RedisBroadcaster {
	return &RedisBroadcaster{client: client}
}

func (b *RedisBroadcaster) Publish(ctx context.Context, room string, payload []byte) error {
	return b.client.Publish(ctx, redisChannelPrefix+room, payload).Err()
}

func (b *RedisBroadcaster) Subscribe(ctx context.Context) (<-chan Message, error) {
	if b.pubsub != nil {
		b.pubsub.Close()
	}
	b.pubsub = b.client.PSubscribe(ctx, redisChannelPrefix+"*")

	// Force the subscription handshake so a dead store fails here, not later.
	if _, err := b.pubsub.Receive(ctx); err != nil {
		b.pubsub.Close()
		b.pubsub = nil
		return nil, err
	}

	out := make(chan Message, 256)
	go func() {
		defer close(out)
		for msg := range b.pubsub.Channel() {
			out <- Message{
				Room:    strings.TrimPrefix(msg.Channel, redisChannelPrefix),
				Payload: []byte(msg.Payload),
			}
		}
	}()
	return out, nil
}

func (b *RedisBroadcaster) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroadcaster) Close() error {
	if b.pubsub != nil {
		b.pubsub.Close()
	}
	return b.client.Close()
}
