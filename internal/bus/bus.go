package bus

import (
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/entity"
)

// Listener receives events for a subscribed type.
type Listener func(entity.Event)

// listenerEntry pairs a callback with its identity key so the bucket behaves
// as a true set: re-registering the same function is a no-op.
type listenerEntry struct {
	key uintptr
	fn  Listener
}

// Bus is an in-process typed pub/sub for observability hooks. Emission is
// synchronous in registration order; a panicking listener is logged and
// suppressed so the remaining listeners still run. Events are not queued —
// late subscribers miss prior emissions.
type Bus struct {
	mu        sync.Mutex
	listeners map[entity.EventType][]listenerEntry
	logger    *zap.Logger
}

// New creates an empty bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		listeners: make(map[entity.EventType][]listenerEntry),
		logger:    logger,
	}
}

// On subscribes fn to events of the given type. Listener identity is the
// function pointer, so subscribing the same function twice keeps one entry.
func (b *Bus) On(t entity.EventType, fn Listener) {
	if fn == nil {
		return
	}
	key := reflect.ValueOf(fn).Pointer()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, entry := range b.listeners[t] {
		if entry.key == key {
			return
		}
	}
	b.listeners[t] = append(b.listeners[t], listenerEntry{key: key, fn: fn})
}

// Off removes fn from the given type's bucket.
func (b *Bus) Off(t entity.EventType, fn Listener) {
	if fn == nil {
		return
	}
	key := reflect.ValueOf(fn).Pointer()

	b.mu.Lock()
	defer b.mu.Unlock()
	bucket := b.listeners[t]
	for i, entry := range bucket {
		if entry.key == key {
			b.listeners[t] = append(bucket[:i:i], bucket[i+1:]...)
			break
		}
	}
	if len(b.listeners[t]) == 0 {
		delete(b.listeners, t)
	}
}

// Emit delivers ev to the listeners of ev.Type in registration order.
func (b *Bus) Emit(ev entity.Event) {
	b.mu.Lock()
	bucket := b.listeners[ev.Type]
	entries := make([]listenerEntry, len(bucket))
	copy(entries, bucket)
	b.mu.Unlock()

	for _, entry := range entries {
		b.safeInvoke(entry.fn, ev)
	}
}

func (b *Bus) safeInvoke(fn Listener, ev entity.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event listener panicked",
				zap.String("event_type", string(ev.Type)),
				zap.Any("panic", r),
			)
		}
	}()
	fn(ev)
}

// RemoveAllListeners clears one type's bucket, or every bucket when no type
// is given.
func (b *Bus) RemoveAllListeners(types ...entity.EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(types) == 0 {
		b.listeners = make(map[entity.EventType][]listenerEntry)
		return
	}
	for _, t := range types {
		delete(b.listeners, t)
	}
}

// Clear resets the bus to its initial state.
func (b *Bus) Clear() {
	b.RemoveAllListeners()
}

// ListenerCount returns the number of listeners for a type.
func (b *Bus) ListenerCount(t entity.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[t])
}
