// Package events is a small in-process publish/subscribe bus used to fan out
// assessment lifecycle signals to any interested view.
package events

import (
	"log/slog"
	"sync"
)

// Topics published by the assessment workflow.
const (
	// TopicHideBanners asks every open progress indicator to close.
	TopicHideBanners = "banners.hide"
	// TopicProgressCompleted fires when the progress tracker reaches completion.
	TopicProgressCompleted = "progress.completed"
)

// Event is a published message.
type Event struct {
	Topic   string
	Payload any
}

// Handler receives events for a subscribed topic.
type Handler func(Event)

type subscription struct {
	id int
	fn Handler
}

// Bus delivers events synchronously to subscribers in subscription order.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[string][]subscription
	fired  map[string]bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:  make(map[string][]subscription),
		fired: make(map[string]bool),
	}
}

// Subscribe registers fn for topic and returns a function that removes it.
func (b *Bus) Subscribe(topic string, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[topic]
			for i, s := range subs {
				if s.id == id {
					b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish delivers payload to every subscriber of topic.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.Lock()
	subs := append([]subscription(nil), b.subs[topic]...)
	b.mu.Unlock()

	slog.Debug("publish event", "topic", topic, "subscribers", len(subs))
	ev := Event{Topic: topic, Payload: payload}
	for _, s := range subs {
		s.fn(ev)
	}
}

// PublishOnce publishes topic only the first time it is called for that topic
// on this bus. It reports whether the event was delivered.
func (b *Bus) PublishOnce(topic string, payload any) bool {
	b.mu.Lock()
	if b.fired[topic] {
		b.mu.Unlock()
		return false
	}
	b.fired[topic] = true
	b.mu.Unlock()

	b.Publish(topic, payload)
	return true
}

// Fired reports whether topic has been published through PublishOnce.
func (b *Bus) Fired(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fired[topic]
}
