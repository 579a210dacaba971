package memory

import (
	"context"
	"sync"
)

// Broker is a process-local pub/sub fan-out implementing feed.Broker. Slow
// subscribers lose their oldest pending payload rather than blocking the
// publisher.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[chan []byte]struct{}
}

func NewBroker() *Broker {
	return &Broker{topics: make(map[string]map[chan []byte]struct{})}
}

func (b *Broker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.topics[topic] {
		select {
		case ch <- payload:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- payload
		}
	}
	return nil
}

func (b *Broker) Subscribe(_ context.Context, topic string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 8)

	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[chan []byte]struct{})
		b.topics[topic] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.topics[topic], ch)
			if len(b.topics[topic]) == 0 {
				delete(b.topics, topic)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}
