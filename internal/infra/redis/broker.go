package redis

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Broker implements feed.Broker over redis pub/sub so change events reach
// subscribers on every service instance, not just the one that performed the
// write.
type Broker struct {
	client *redis.Client
}

func NewBroker(client *redis.Client) *Broker {
	return &Broker{client: client}
}

func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.client.Publish(ctx, topic, payload).Err()
}

func (b *Broker) Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	pubsub := b.client.Subscribe(ctx, topic)
	// Force the subscription handshake so Subscribe errors surface here
	// instead of on first receive.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	out := make(chan []byte, 8)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = pubsub.Close()
		})
	}
	return out, cancel, nil
}
