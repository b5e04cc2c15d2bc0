package pool

import (
	"slices"
	"time"

	"github.com/nidhogg/sprintloop/internal/workspace"
)

// AgentStatus is the state of one pool slot.
type AgentStatus string

const (
	AgentIdle      AgentStatus = "idle"
	AgentWorking   AgentStatus = "working"
	AgentPaused    AgentStatus = "paused"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
)

// TaskStatus is the state of a queued task.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskAssigned   TaskStatus = "assigned"
	TaskRunning    TaskStatus = "running"
	TaskValidating TaskStatus = "validating"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether the task has finished.
func (s TaskStatus) Terminal() bool { return s == TaskCompleted || s == TaskFailed }

// PooledAgent is one slot of the pool. It works on at most one task at
// a time.
type PooledAgent struct {
	ID          string               `json:"id"`
	Status      AgentStatus          `json:"status"`
	Workspace   *workspace.Workspace `json:"workspace,omitempty"`
	CurrentTask string               `json:"current_task,omitempty"`
	Completed   int                  `json:"completed"`
	Failed      int                  `json:"failed"`
}

func (a *PooledAgent) clone() PooledAgent {
	out := *a
	if a.Workspace != nil {
		ws := *a.Workspace
		out.Workspace = &ws
	}
	return out
}

// Task is one unit of work submitted to the pool.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Priority    int        `json:"priority"`
	Status      TaskStatus `json:"status"`
	AgentID     string     `json:"agent_id,omitempty"`
	LoopID      string     `json:"loop_id,omitempty"`
	Branch      string     `json:"branch,omitempty"`
	Changes     []string   `json:"changes,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (t *Task) clone() *Task {
	out := *t
	out.Changes = slices.Clone(t.Changes)
	if t.StartedAt != nil {
		v := *t.StartedAt
		out.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		out.CompletedAt = &v
	}
	return &out
}

// Progress aggregates task outcomes across the pool.
type Progress struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Percent   int `json:"percent"`
}
