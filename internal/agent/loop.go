package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/sprintloop/internal/event"
	"github.com/nidhogg/sprintloop/internal/tool"
	"go.uber.org/zap"
)

// progressCeiling holds progress below 100 until a complete action.
const progressCeiling = 95

// run is the mutable state behind one LoopContext.
type run struct {
	mu      sync.Mutex
	lc      *LoopContext
	ctx     context.Context
	cancel  context.CancelFunc
	confirm chan bool
	done    chan struct{}

	// active is true while a goroutine drives the loop.
	active     bool
	finishOnce sync.Once
}

func (r *run) snapshot() *LoopContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lc.Snapshot()
}

// touch must be called with r.mu held.
func (r *run) touch() {
	now := time.Now()
	r.lc.UpdatedAt = now
	if r.lc.Status.Terminal() && r.lc.FinishedAt == nil {
		r.lc.FinishedAt = &now
	}
}

// advance moves to s unless the loop was paused or ended meanwhile.
func (r *run) advance(s Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lc.Status.Terminal() || r.lc.Status == StatusPaused {
		return false
	}
	r.lc.Status = s
	r.touch()
	return true
}

// proceed reports whether another iteration may start. When it may not,
// the calling goroutine gives up the loop.
func (r *run) proceed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lc.Status.Terminal() || r.lc.Status == StatusPaused {
		r.active = false
		return false
	}
	return true
}

func (m *Manager) loop(r *run) {
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("agent loop panicked", zap.String("id", r.lc.ID), zap.Any("panic", p))
			m.fail(r, fmt.Sprint(p))
		}
		if r.snapshot().Status.Terminal() {
			m.finish(r)
		}
	}()

	for r.proceed() {
		if err := r.ctx.Err(); err != nil {
			m.cancelRun(r, "context ended: "+err.Error())
			return
		}
		r.mu.Lock()
		iterations := r.lc.Iterations
		r.mu.Unlock()
		if iterations >= m.maxIterations {
			m.fail(r, fmt.Sprintf("exceeded maximum iterations (%d)", m.maxIterations))
			return
		}
		m.step(r)
	}
}

// step runs one plan → confirm → execute → record iteration.
func (m *Manager) step(r *run) {
	id := r.lc.ID
	if !r.advance(StatusPlanning) {
		return
	}

	r.mu.Lock()
	r.lc.Iterations++
	iteration := r.lc.Iterations
	task, mode := r.lc.Task, r.lc.Mode
	history := r.lc.Snapshot().History
	r.mu.Unlock()

	m.emit(event.Planning, id, map[string]any{"iteration": iteration})
	plan := m.planner.Next(task, history)
	action := plan.Action
	if action.ID == "" {
		action.ID = uuid.New().String()
	}
	if action.Timestamp.IsZero() {
		action.Timestamp = time.Now()
	}
	action.Status = ActionPending
	plan.Action = action

	r.mu.Lock()
	p := plan
	r.lc.Plan = &p
	r.mu.Unlock()

	if action.Type == ActionToolCall {
		m.emit(event.ActionProposed, id, map[string]any{
			"action_id":             action.ID,
			"tool":                  action.Tool,
			"args":                  action.Args,
			"requires_confirmation": needsConfirmation(mode, plan),
		})
	}

	confirmed := false
	if needsConfirmation(mode, plan) {
		approved, ok := m.awaitConfirmation(r, action)
		if !ok {
			return
		}
		if !approved {
			action.Status = ActionSkipped
			m.record(r, action)
			m.emit(event.ActionRejected, id, map[string]any{"action_id": action.ID, "tool": action.Tool})
			return
		}
		m.emit(event.ActionApproved, id, map[string]any{"action_id": action.ID, "tool": action.Tool})
		confirmed = true
	}

	// Confirm already moved an approved action to executing, and a pause
	// that arrived since then applies after this action.
	if confirmed {
		if r.snapshot().Status.Terminal() {
			return
		}
	} else if !r.advance(StatusExecuting) {
		return
	}
	action.Status = ActionExecuting
	m.emit(event.ActionExecuting, id, map[string]any{"action_id": action.ID, "type": string(action.Type), "tool": action.Tool})

	result := m.execute(r.ctx, id, action)
	action.Result = result
	if result.Success {
		action.Status = ActionCompleted
	} else {
		action.Status = ActionFailed
	}
	m.record(r, action)
	m.emit(event.ActionCompleted, id, map[string]any{
		"action_id": action.ID,
		"tool":      action.Tool,
		"success":   result.Success,
		"error":     result.Error,
	})

	if action.Type == ActionComplete {
		m.complete(r)
		return
	}

	r.mu.Lock()
	if next := r.lc.Progress + plan.EstimatedProgress; next > r.lc.Progress {
		r.lc.Progress = min(next, progressCeiling)
	}
	progress := r.lc.Progress
	r.mu.Unlock()
	m.emit(event.StepCompleted, id, map[string]any{"iteration": iteration, "progress": progress})

	if !result.Success && !m.onError(action, result) {
		m.fail(r, result.Error)
	}
}

func needsConfirmation(mode Mode, plan Plan) bool {
	switch mode {
	case ModeAutonomous:
		return false
	case ModeSuggest:
		return plan.Action.Type == ActionToolCall
	default:
		return plan.RequiresConfirmation
	}
}

// awaitConfirmation parks the loop until Confirm answers or the loop is
// cancelled. ok is false when the loop should stop.
func (m *Manager) awaitConfirmation(r *run, action Action) (approved, ok bool) {
	r.mu.Lock()
	if r.lc.Status.Terminal() || r.lc.Status == StatusPaused {
		r.mu.Unlock()
		return false, false
	}
	pending := action.clone()
	r.lc.Status = StatusAwaitingConfirmation
	r.lc.PendingAction = &pending
	r.touch()
	r.mu.Unlock()

	m.logger.Debug("awaiting confirmation", zap.String("id", r.lc.ID), zap.String("tool", action.Tool))
	select {
	case approved = <-r.confirm:
		return approved, true
	case <-r.ctx.Done():
		return false, false
	}
}

// execute performs an action. Only tool calls reach the registry.
func (m *Manager) execute(ctx context.Context, id string, action Action) *tool.Result {
	switch action.Type {
	case ActionToolCall:
		return m.registry.Execute(ctx, action.Tool, action.Args)
	case ActionThink:
		m.emit(event.Thinking, id, map[string]any{"thought": action.Reasoning})
		return &tool.Result{Success: true, Output: action.Reasoning, Artifacts: []string{}}
	case ActionAskUser:
		m.emit(event.Message, id, map[string]any{"question": action.Reasoning, "tool": action.Tool})
		return &tool.Result{Success: true, Output: action.Reasoning, Artifacts: []string{}}
	case ActionComplete:
		return &tool.Result{Success: true, Output: "task complete", Artifacts: []string{}}
	}
	return tool.Failure(fmt.Sprintf("unknown action type %q", action.Type))
}

func (m *Manager) record(r *run, action Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lc.History = append(r.lc.History, action)
	r.touch()
}

func (m *Manager) complete(r *run) {
	r.mu.Lock()
	if r.lc.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	r.lc.Status = StatusCompleted
	r.lc.Progress = 100
	r.lc.PendingAction = nil
	r.touch()
	iterations := r.lc.Iterations
	r.mu.Unlock()

	m.logger.Info("agent loop completed", zap.String("id", r.lc.ID), zap.Int("iterations", iterations))
	m.emit(event.Completed, r.lc.ID, map[string]any{"iterations": iterations, "progress": 100})
}

func (m *Manager) fail(r *run, msg string) {
	r.mu.Lock()
	if r.lc.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	r.lc.Status = StatusFailed
	r.lc.Error = msg
	r.lc.PendingAction = nil
	r.touch()
	r.mu.Unlock()

	m.logger.Warn("agent loop failed", zap.String("id", r.lc.ID), zap.String("error", msg))
	m.emit(event.Error, r.lc.ID, map[string]any{"error": msg})
}
