package workflow

import (
	"maps"
	"time"
)

// StepType selects how a step is interpreted.
type StepType string

const (
	StepTool      StepType = "tool"
	StepPrompt    StepType = "prompt"
	StepCondition StepType = "condition"
	StepParallel  StepType = "parallel"
	StepLoop      StepType = "loop"
	StepUserInput StepType = "user_input"
	StepWait      StepType = "wait"
)

// ErrorPolicy decides what a failed step does to its execution.
type ErrorPolicy string

const (
	OnErrorFail     ErrorPolicy = "fail"
	OnErrorSkip     ErrorPolicy = "skip"
	OnErrorRetry    ErrorPolicy = "retry"
	OnErrorContinue ErrorPolicy = "continue"
)

// StepStatus is the runtime state of a step inside an execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the execution has finished.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Variable declares one template input.
type Variable struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// Step is one instruction of a template. The runtime fields are only
// set on the copies held by an Execution.
type Step struct {
	ID             string         `json:"id"`
	Name           string         `json:"name,omitempty"`
	Type           StepType       `json:"type"`
	Tool           string         `json:"tool,omitempty"`
	Args           map[string]any `json:"args,omitempty"`
	Prompt         string         `json:"prompt,omitempty"`
	Condition      string         `json:"condition,omitempty"`
	Input          string         `json:"input,omitempty"`
	Delay          string         `json:"delay,omitempty"`
	OutputVariable string         `json:"output_variable,omitempty"`
	OnError        ErrorPolicy    `json:"on_error,omitempty"`
	IfSteps        []Step         `json:"if_steps,omitempty"`
	ElseSteps      []Step         `json:"else_steps,omitempty"`
	LoopSteps      []Step         `json:"loop_steps,omitempty"`
	ParallelSteps  []Step         `json:"parallel_steps,omitempty"`

	Status      StepStatus `json:"status,omitempty"`
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Template is an immutable, versioned workflow recipe.
type Template struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Version     string     `json:"version"`
	Variables   []Variable `json:"variables,omitempty"`
	Steps       []Step     `json:"steps"`
}

// Execution is one run of a template.
type Execution struct {
	ID               string         `json:"id"`
	TemplateID       string         `json:"template_id"`
	TemplateVersion  string         `json:"template_version"`
	Status           Status         `json:"status"`
	Variables        map[string]any `json:"variables"`
	Steps            []Step         `json:"steps"`
	CurrentStepIndex int            `json:"current_step_index"`
	Progress         int            `json:"progress"`
	Output           map[string]any `json:"output"`
	Error            string         `json:"error,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

func (e *Execution) clone() *Execution {
	cp := *e
	cp.Variables = copyMap(e.Variables)
	cp.Output = copyMap(e.Output)
	cp.Steps = cloneSteps(e.Steps)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneSteps(steps []Step) []Step {
	if steps == nil {
		return nil
	}
	out := make([]Step, len(steps))
	for i, s := range steps {
		s.Args = copyMap(s.Args)
		s.Output = copyValue(s.Output)
		s.IfSteps = cloneSteps(s.IfSteps)
		s.ElseSteps = cloneSteps(s.ElseSteps)
		s.LoopSteps = cloneSteps(s.LoopSteps)
		s.ParallelSteps = cloneSteps(s.ParallelSteps)
		if s.StartedAt != nil {
			t := *s.StartedAt
			s.StartedAt = &t
		}
		if s.CompletedAt != nil {
			t := *s.CompletedAt
			s.CompletedAt = &t
		}
		out[i] = s
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := maps.Clone(m)
	for k, v := range out {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	}
	return v
}
