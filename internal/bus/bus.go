// Package bus is the process-wide event bus used for cross-widget
// notification. Delivery is synchronous and best-effort: no retry, no
// persistence, and a misbehaving handler never blocks the rest.
package bus

import (
	"log"
	"sync"
)

// Well-known topics. Hire status updates use Hire(requester, target) so that
// only widgets watching that pair wake up.
const (
	TopicConnected           = "connected"
	TopicDisconnected        = "disconnected"
	TopicMessageAppended     = "message.appended"
	TopicMessageConfirmed    = "message.confirmed"
	TopicMessageFailed       = "message.failed"
	TopicPresenceChanged     = "presence.changed"
	TopicConversationUpdated = "conversation.updated"
	TopicNotification        = "notification"
)

// Hire returns the topic carrying status changes for one (requester, target)
// pair.
func Hire(requesterID, targetID string) string {
	return "hire.status:" + requesterID + ":" + targetID
}

// Handler receives the published payload. Handlers run on the publisher's
// goroutine; they must not block.
type Handler func(payload any)

type subscription struct {
	id      int
	handler Handler
}

type Bus struct {
	mu     sync.Mutex
	nextID int
	topics map[string][]subscription
}

func New() *Bus {
	return &Bus{topics: make(map[string][]subscription)}
}

// Subscribe registers handler for topic and returns the function that removes
// it again. Callers hold on to the returned func the way a widget holds on to
// its teardown.
func (b *Bus) Subscribe(topic string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.topics[topic]
		for i, s := range subs {
			if s.id == id {
				b.topics[topic] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
	}
}

// Publish delivers payload to every handler subscribed to topic, in
// subscription order. A panicking handler is logged and skipped; the
// remaining handlers still run.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.Lock()
	subs := make([]subscription, len(b.topics[topic]))
	copy(subs, b.topics[topic])
	b.mu.Unlock()

	for _, s := range subs {
		deliver(topic, s, payload)
	}
}

func deliver(topic string, s subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("bus: handler panic on %q: %v", topic, r)
		}
	}()
	s.handler(payload)
}
