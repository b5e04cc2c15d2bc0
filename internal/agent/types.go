package agent

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/nidhogg/sprintloop/internal/tool"
)

// Mode decides when a proposed action waits for a human decision.
type Mode string

const (
	ModeAutonomous     Mode = "autonomous"
	ModeSemiAutonomous Mode = "semi_autonomous"
	ModeSuggest        Mode = "suggest"
)

// ErrInvalidMode is returned by ParseMode for unknown modes.
var ErrInvalidMode = errors.New("unknown agent mode")

// ParseMode maps a string to a Mode. Empty selects semi-autonomous.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAutonomous:
		return ModeAutonomous, nil
	case ModeSemiAutonomous, "", "semi":
		return ModeSemiAutonomous, nil
	case ModeSuggest:
		return ModeSuggest, nil
	}
	return "", fmt.Errorf("%w %q", ErrInvalidMode, s)
}

// Status is the lifecycle state of a loop.
type Status string

const (
	StatusIdle                 Status = "idle"
	StatusPlanning             Status = "planning"
	StatusExecuting            Status = "executing"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
	StatusPaused               Status = "paused"
	StatusCancelled            Status = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ActionType is the kind of work an action performs.
type ActionType string

const (
	ActionToolCall ActionType = "tool_call"
	ActionThink    ActionType = "think"
	ActionAskUser  ActionType = "ask_user"
	ActionComplete ActionType = "complete"
)

// ActionStatus moves pending → executing → completed|failed|skipped.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionExecuting ActionStatus = "executing"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
	ActionSkipped   ActionStatus = "skipped"
)

// Action is one step of work in a loop.
type Action struct {
	ID        string         `json:"id"`
	Type      ActionType     `json:"type"`
	Tool      string         `json:"tool,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Reasoning string         `json:"reasoning,omitempty"`
	Status    ActionStatus   `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Result    *tool.Result   `json:"result,omitempty"`
}

func (a Action) clone() Action {
	a.Args = maps.Clone(a.Args)
	if a.Result != nil {
		r := *a.Result
		r.Artifacts = append([]string(nil), r.Artifacts...)
		a.Result = &r
	}
	return a
}

// Plan is the next action plus the planner's metadata.
type Plan struct {
	Action               Action   `json:"action"`
	RemainingSteps       []string `json:"remaining_steps,omitempty"`
	Confidence           float64  `json:"confidence"`
	RequiresConfirmation bool     `json:"requires_confirmation"`
	EstimatedProgress    int      `json:"estimated_progress"`
}

// LoopContext is the aggregate state of one task.
type LoopContext struct {
	ID            string     `json:"id"`
	Task          string     `json:"task"`
	Mode          Mode       `json:"mode"`
	Status        Status     `json:"status"`
	History       []Action   `json:"history"`
	Plan          *Plan      `json:"plan,omitempty"`
	Progress      int        `json:"progress"`
	Iterations    int        `json:"iterations"`
	Error         string     `json:"error,omitempty"`
	PendingAction *Action    `json:"pending_action,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Snapshot returns a deep copy safe to hand to other goroutines.
func (lc *LoopContext) Snapshot() *LoopContext {
	cp := *lc
	cp.History = make([]Action, len(lc.History))
	for i, a := range lc.History {
		cp.History[i] = a.clone()
	}
	if lc.Plan != nil {
		p := *lc.Plan
		p.Action = p.Action.clone()
		p.RemainingSteps = append([]string(nil), p.RemainingSteps...)
		cp.Plan = &p
	}
	if lc.PendingAction != nil {
		a := lc.PendingAction.clone()
		cp.PendingAction = &a
	}
	if lc.FinishedAt != nil {
		t := *lc.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}
