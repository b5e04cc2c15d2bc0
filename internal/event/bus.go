package event

import (
	"fmt"
	"sync"

	"github.com/nidhogg/sprintloop/internal/ring"
	"go.uber.org/zap"
)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous publish/subscribe channel. Emit calls every
// handler registered for the event's type, then every global handler,
// each in registration order. A panicking handler is logged and skipped.
type Bus struct {
	mu      sync.RWMutex
	byType  map[Type][]subscription
	global  []subscription
	nextID  uint64
	history *ring.Buffer[Event]
	logger  *zap.Logger
}

// NewBus creates a bus remembering the last historySize events.
func NewBus(historySize int, logger *zap.Logger) *Bus {
	return &Bus{
		byType:  make(map[Type][]subscription),
		history: ring.New[Event](historySize),
		logger:  logger,
	}
}

// Subscribe registers h for events of type t. The returned func removes it.
func (b *Bus) Subscribe(t Type, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.byType[t] = append(b.byType[t], subscription{id: id, handler: h})
	return func() { b.unsubscribe(t, id, false) }
}

// SubscribeAll registers h for every event.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.global = append(b.global, subscription{id: id, handler: h})
	return func() { b.unsubscribe("", id, true) }
}

func (b *Bus) unsubscribe(t Type, id uint64, global bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remove := func(subs []subscription) []subscription {
		out := subs[:0:0]
		for _, s := range subs {
			if s.id != id {
				out = append(out, s)
			}
		}
		return out
	}
	if global {
		b.global = remove(b.global)
		return
	}
	b.byType[t] = remove(b.byType[t])
}

// Emit delivers e to all matching subscribers. Events with no subscriber
// are only kept in history.
func (b *Bus) Emit(e Event) {
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	b.history.Push(e)

	b.mu.RLock()
	targets := make([]subscription, 0, len(b.byType[e.Type])+len(b.global))
	targets = append(targets, b.byType[e.Type]...)
	targets = append(targets, b.global...)
	b.mu.RUnlock()

	for _, s := range targets {
		b.deliver(s.handler, e)
	}
}

func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("type", string(e.Type)),
				zap.String("agent", e.AgentID),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	h(e)
}

// History returns up to limit recent events, oldest first.
func (b *Bus) History(limit int) []Event {
	return b.history.Last(limit)
}

// SubscriberCount returns the number of handlers for t plus global handlers.
func (b *Bus) SubscriberCount(t Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byType[t]) + len(b.global)
}
