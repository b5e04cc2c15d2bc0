package event

import "time"

// Type enumerates lifecycle events broadcast to subscribers.
type Type string

const (
	Started         Type = "started"
	Thinking        Type = "thinking"
	Planning        Type = "planning"
	ActionProposed  Type = "action_proposed"
	ActionApproved  Type = "action_approved"
	ActionRejected  Type = "action_rejected"
	ActionExecuting Type = "action_executing"
	ActionCompleted Type = "action_completed"
	StepCompleted   Type = "step_completed"
	Paused          Type = "paused"
	Resumed         Type = "resumed"
	Completed       Type = "completed"
	Error           Type = "error"
	Message         Type = "message"
)

// Types lists every event type in declaration order.
var Types = []Type{
	Started, Thinking, Planning,
	ActionProposed, ActionApproved, ActionRejected, ActionExecuting, ActionCompleted,
	StepCompleted, Paused, Resumed, Completed, Error, Message,
}

// Valid reports whether t is one of the enumerated types.
func (t Type) Valid() bool {
	for _, v := range Types {
		if v == t {
			return true
		}
	}
	return false
}

// Event is one lifecycle notification. Timestamp is unix milliseconds.
type Event struct {
	Type      Type           `json:"type"`
	AgentID   string         `json:"agentId"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// New builds an event stamped with the current time.
func New(t Type, agentID string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		Type:      t,
		AgentID:   agentID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// Emitter is the publishing side of the bus. Services depend on this
// rather than on *Bus.
type Emitter interface {
	Emit(e Event)
}

// Handler receives events. Handlers run synchronously on the emitting
// goroutine and should return quickly.
type Handler func(e Event)

// Discard is an Emitter that drops everything.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) {}
