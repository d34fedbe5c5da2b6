// Package fanout distributes live events to every process with an open
// session on a document.
//
// Delivery is at-most-once and best-effort: a slow subscriber loses events
// rather than stalling publishers. Durable state never depends on the bus.
package fanout

import (
	"context"
	"errors"
	"strings"
	"sync"
)

const defaultBufferSize = 64

// ErrInvalidTopic indicates an empty topic.
var ErrInvalidTopic = errors.New("fanout: invalid topic")

// Message is one event received on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Bus publishes and subscribes by topic.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (*Subscription, error)
}

// Subscription is a live stream of messages on one topic. The stream ends
// when Close is called or the subscribing context is cancelled.
type Subscription struct {
	events <-chan Message
	once   sync.Once
	cancel func()
}

func newSubscription(events <-chan Message, cancel func()) *Subscription {
	return &Subscription{events: events, cancel: cancel}
}

// Events returns the message stream. It is closed after unsubscribing.
func (s *Subscription) Events() <-chan Message {
	return s.events
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

func validTopic(topic string) bool {
	return strings.TrimSpace(topic) != ""
}
