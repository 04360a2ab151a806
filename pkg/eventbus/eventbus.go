package eventbus

import (
	"sync"
)

// Handler is a function that handles an event
type Handler func(event any)

type subscription struct {
	id      uint64
	handler Handler
}

// EventBus provides in-process pub/sub keyed by topic name. Each topic also
// has one optional slot handler that can be replaced in place; the slot runs
// before the regular subscribers.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
	slots    map[string]Handler
	nextID   uint64
}

// New creates a new EventBus
func New() *EventBus {
	return &EventBus{
		handlers: make(map[string][]subscription),
		slots:    make(map[string]Handler),
	}
}

// Subscribe registers a handler for topic and returns a function that removes it.
func (e *EventBus) Subscribe(topic string, handler Handler) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.handlers[topic] = append(e.handlers[topic], subscription{id: id, handler: handler})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(topic, id) })
	}
}

func (e *EventBus) remove(topic string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.handlers[topic]
	for i, s := range subs {
		if s.id == id {
			e.handlers[topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// SetSlot installs handler as the slot for topic, replacing any previous one.
// A nil handler clears the slot.
func (e *EventBus) SetSlot(topic string, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if handler == nil {
		delete(e.slots, topic)
		return
	}
	e.slots[topic] = handler
}

// HasSlot reports whether a slot handler is installed for topic.
func (e *EventBus) HasSlot(topic string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.slots[topic]
	return ok
}

// snapshot returns the handlers for topic in delivery order: slot first,
// then subscribers in registration order.
func (e *EventBus) snapshot(topic string) []Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()

	subs := e.handlers[topic]
	out := make([]Handler, 0, len(subs)+1)
	if slot, ok := e.slots[topic]; ok {
		out = append(out, slot)
	}
	for _, s := range subs {
		out = append(out, s.handler)
	}
	return out
}

// Publish delivers event to every handler of topic, each on its own goroutine.
func (e *EventBus) Publish(topic string, event any) {
	for _, h := range e.snapshot(topic) {
		go h(event)
	}
}

// PublishSync delivers event on the caller's goroutine in delivery order.
// Handlers may subscribe or replace slots while running; changes apply to the next publish.
func (e *EventBus) PublishSync(topic string, event any) {
	for _, h := range e.snapshot(topic) {
		h(event)
	}
}

// HasSubscribers returns true if there are subscribers for the topic
func (e *EventBus) HasSubscribers(topic string) bool {
	return e.SubscriberCount(topic) > 0
}

// SubscriberCount returns the number of subscribers for a topic, excluding the slot.
func (e *EventBus) SubscriberCount(topic string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[topic])
}
