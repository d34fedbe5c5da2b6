package fanout

import (
	"context"
	"sync"
)

// LocalBus delivers messages between subscribers of the same process.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]chan Message
	nextID      int64
	bufferSize  int
}

func NewLocalBus() *LocalBus {
	return &LocalBus{
		subscribers: make(map[string]map[int64]chan Message),
		bufferSize:  defaultBufferSize,
	}
}

func (b *LocalBus) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	if !validTopic(topic) {
		return nil, ErrInvalidTopic
	}
	stream := make(chan Message, b.bufferSize)
	id := b.register(topic, stream)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-ctx.Done()
		b.unregister(topic, id)
	}()
	return newSubscription(stream, cancel), nil
}

// Publish hands the message to every current subscriber, dropping it for
// subscribers whose buffer is full.
func (b *LocalBus) Publish(_ context.Context, topic string, payload []byte) error {
	if !validTopic(topic) {
		return ErrInvalidTopic
	}
	message := Message{Topic: topic, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, stream := range b.subscribers[topic] {
		select {
		case stream <- message:
		default:
		}
	}
	return nil
}

// Subscribers reports how many subscriptions are open on topic.
func (b *LocalBus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

func (b *LocalBus) register(topic string, stream chan Message) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[int64]chan Message)
	}
	b.subscribers[topic][b.nextID] = stream
	return b.nextID
}

func (b *LocalBus) unregister(topic string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subscribers := b.subscribers[topic]
	if stream, ok := subscribers[id]; ok {
		delete(subscribers, id)
		close(stream)
	}
	if len(subscribers) == 0 {
		delete(b.subscribers, topic)
	}
}
