// Package eventbus implements a typed publish/subscribe bus with
// snapshot-under-lock publishing and RAII subscription handles. See
// spec §4.13.
package eventbus

import (
	"reflect"
	"sync"
)

// Handle represents one subscription. Close unsubscribes; it is idempotent
// and safe to call from any goroutine, including from within the handler
// itself.
type Handle struct {
	bus   *Bus
	topic reflect.Type
	id    uint64
	once  sync.Once
}

// Close unsubscribes the handler this Handle was returned for.
func (h *Handle) Close() {
	h.once.Do(func() {
		h.bus.unsubscribe(h.topic, h.id)
	})
}

type subscription struct {
	id      uint64
	handler reflect.Value
}

// Bus is a typed event bus. The zero value is not usable; use New.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[reflect.Type][]subscription
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[reflect.Type][]subscription)}
}

// Subscribe registers handler, which must be a func(T) for some event type
// T, and returns a Handle. Dropping the Handle (calling Close) unsubscribes.
//
// Subscribe panics if handler is not a function of one argument and no
// return values; this is a programmer error, not a runtime condition.
func Subscribe[T any](b *Bus, handler func(T)) *Handle {
	var zero T
	topic := reflect.TypeOf(zero)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[topic] = append(b.subs[topic], subscription{
		id:      id,
		handler: reflect.ValueOf(handler),
	})
	b.mu.Unlock()

	return &Handle{bus: b, topic: topic, id: id}
}

func (b *Bus) unsubscribe(topic reflect.Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[topic]
	for i, s := range list {
		if s.id == id {
			n := len(list)
			copy(list[i:], list[i+1:])
			list[n-1] = subscription{}
			b.subs[topic] = list[:n-1]
			return
		}
	}
}

// Publish delivers event to every current subscriber of its type. The
// subscriber list is copied under lock and handlers are invoked outside
// the lock, so a handler that calls Subscribe/unsubscribe (including its
// own Handle.Close) on this Bus never deadlocks. Handlers run on the
// publisher's goroutine; long-running work must be dispatched elsewhere.
func Publish[T any](b *Bus, event T) {
	topic := reflect.TypeOf(event)

	b.mu.Lock()
	list := b.subs[topic]
	snapshot := make([]subscription, len(list))
	copy(snapshot, list)
	b.mu.Unlock()

	args := []reflect.Value{reflect.ValueOf(event)}
	for _, s := range snapshot {
		s.handler.Call(args)
	}
}

// Count reports the number of active subscribers for T. Intended for
// tests and diagnostics.
func Count[T any](b *Bus) int {
	var zero T
	topic := reflect.TypeOf(zero)
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}
