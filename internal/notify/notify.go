// Package notify posts terminal lifecycle events to chat platforms.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/sprintloop/internal/event"
	"github.com/nidhogg/sprintloop/internal/ring"
	"go.uber.org/zap"
)

// Adapter delivers messages to one platform.
type Adapter interface {
	Platform() string
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg *Message) error
	Close() error
}

// Message is one notification.
type Message struct {
	Kind    event.Type `json:"kind"`
	AgentID string     `json:"agent_id"`
	Title   string     `json:"title"`
	Content string     `json:"content"`
}

// Text renders the message as plain text with a bold title line.
func (m *Message) Text(bold string) string {
	return fmt.Sprintf("%s[%s] %s%s\n%s", bold, m.Kind, m.Title, bold, m.Content)
}

// Record tracks a delivered notification.
type Record struct {
	Message *Message  `json:"message"`
	SentAt  time.Time `json:"sent_at"`
	Targets []string  `json:"targets"`
	Errors  []string  `json:"errors,omitempty"`
}

// Notifier fans terminal events out to every registered adapter.
type Notifier struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	kinds    map[event.Type]bool
	queue    chan *Message
	history  *ring.Buffer[Record]
	logger   *zap.Logger
}

// DefaultKinds are the event types forwarded unless overridden.
var DefaultKinds = []event.Type{event.Completed, event.Error}

// NewNotifier creates a notifier that forwards events of the given kinds,
// or DefaultKinds when none are given.
func NewNotifier(logger *zap.Logger, kinds ...event.Type) *Notifier {
	if len(kinds) == 0 {
		kinds = DefaultKinds
	}
	n := &Notifier{
		adapters: make(map[string]Adapter),
		kinds:    make(map[event.Type]bool, len(kinds)),
		queue:    make(chan *Message, 64),
		history:  ring.New[Record](100),
		logger:   logger,
	}
	for _, k := range kinds {
		n.kinds[k] = true
	}
	return n
}

// Register adds an adapter, replacing one for the same platform.
func (n *Notifier) Register(a Adapter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.adapters[a.Platform()] = a
	n.logger.Info("registered notify adapter", zap.String("platform", a.Platform()))
}

// Adapters returns the registered platform names, sorted.
func (n *Notifier) Adapters() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, 0, len(n.adapters))
	for p := range n.adapters {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

// ConnectAll connects every adapter and stops at the first failure.
func (n *Notifier) ConnectAll(ctx context.Context) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for platform, a := range n.adapters {
		if err := a.Connect(ctx); err != nil {
			n.logger.Error("adapter connect failed", zap.String("platform", platform), zap.Error(err))
			return fmt.Errorf("connect %s: %w", platform, err)
		}
	}
	return nil
}

// Subscribe queues matching events from bus. Delivery happens in Run so
// the emitting goroutine never waits on the network. When the queue is
// full the event is dropped and logged.
func (n *Notifier) Subscribe(bus *event.Bus) func() {
	return bus.SubscribeAll(func(e event.Event) {
		if !n.kinds[e.Type] {
			return
		}
		select {
		case n.queue <- FromEvent(e):
		default:
			n.logger.Warn("notify queue full, dropping event",
				zap.String("type", string(e.Type)), zap.String("agent", e.AgentID))
		}
	})
}

// Run delivers queued messages until ctx ends.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.queue:
			if err := n.Send(ctx, msg); err != nil {
				n.logger.Warn("notify delivery failed", zap.Error(err))
			}
		}
	}
}

// Send delivers msg to every adapter and records the attempt.
func (n *Notifier) Send(ctx context.Context, msg *Message) error {
	n.mu.RLock()
	adapters := make(map[string]Adapter, len(n.adapters))
	for p, a := range n.adapters {
		adapters[p] = a
	}
	n.mu.RUnlock()

	rec := Record{Message: msg, SentAt: time.Now(), Targets: []string{}}
	var errs []error
	for platform, a := range adapters {
		if err := a.Send(ctx, msg); err != nil {
			n.logger.Error("notify send failed", zap.String("platform", platform), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", platform, err))
			rec.Errors = append(rec.Errors, err.Error())
			continue
		}
		rec.Targets = append(rec.Targets, platform)
	}
	sort.Strings(rec.Targets)
	n.history.Push(rec)
	return errors.Join(errs...)
}

// History returns up to limit recent deliveries, oldest first.
func (n *Notifier) History(limit int) []Record {
	return n.history.Last(limit)
}

// Close shuts down every adapter.
func (n *Notifier) Close() error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var errs []error
	for platform, a := range n.adapters {
		if err := a.Close(); err != nil {
			n.logger.Error("adapter close failed", zap.String("platform", platform), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromEvent summarises an event as a message.
func FromEvent(e event.Event) *Message {
	title := "Agent " + shortID(e.AgentID)
	switch e.Type {
	case event.Completed:
		title += " finished"
	case event.Error:
		title += " failed"
	}
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, e.Data[k])
	}
	return &Message{
		Kind:    e.Type,
		AgentID: e.AgentID,
		Title:   title,
		Content: strings.TrimSuffix(b.String(), "\n"),
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
