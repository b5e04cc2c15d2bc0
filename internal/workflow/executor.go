package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/sprintloop/internal/event"
	"github.com/nidhogg/sprintloop/internal/tool"
	"go.uber.org/zap"
)

// DefaultWaitDelay is how long a wait step pauses unless it sets delay.
const DefaultWaitDelay = time.Second

var (
	// ErrTemplateNotFound is returned for unknown template ids.
	ErrTemplateNotFound = errors.New("workflow template not found")
	// ErrExecutionNotFound is returned for unknown execution ids.
	ErrExecutionNotFound = errors.New("workflow execution not found")
	// ErrFinished is returned when cancelling a finished execution.
	ErrFinished = errors.New("workflow execution already finished")
)

// Archiver receives every execution that reaches a terminal status.
type Archiver interface {
	ArchiveExecution(ctx context.Context, e *Execution) error
}

type execution struct {
	mu     sync.Mutex
	e      *Execution
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (x *execution) snapshot() *Execution {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.e.clone()
}

// Executor runs workflow templates step by step.
type Executor struct {
	mu       sync.RWMutex
	execs    map[string]*execution
	catalog  *Catalog
	emitter  event.Emitter
	archiver Archiver
	runners  map[StepType]stepRunner
	prompter Prompter
	wait     time.Duration
	logger   *zap.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithPrompter answers prompt steps with p instead of echoing them.
func WithPrompter(p Prompter) ExecutorOption { return func(e *Executor) { e.prompter = p } }

// WithWaitDelay sets the default wait step delay.
func WithWaitDelay(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d >= 0 {
			e.wait = d
		}
	}
}

// WithArchiver hands finished executions to a.
func WithArchiver(a Archiver) ExecutorOption { return func(e *Executor) { e.archiver = a } }

// NewExecutor creates an executor for the templates in catalog, running
// tool steps through reg.
func NewExecutor(catalog *Catalog, reg *tool.Registry, emitter event.Emitter, logger *zap.Logger, opts ...ExecutorOption) *Executor {
	if emitter == nil {
		emitter = event.Discard
	}
	e := &Executor{
		execs:    make(map[string]*execution),
		catalog:  catalog,
		emitter:  emitter,
		prompter: EchoPrompter{},
		wait:     DefaultWaitDelay,
		logger:   logger,
	}
	for _, o := range opts {
		o(e)
	}
	e.runners = map[StepType]stepRunner{
		StepTool:      toolStep{registry: reg},
		StepPrompt:    promptStep{prompter: e.prompter},
		StepCondition: conditionStep{},
		StepParallel:  nestedStep{kind: "parallel"},
		StepLoop:      nestedStep{kind: "loop"},
		StepUserInput: userInputStep{},
		StepWait:      waitStep{delay: e.wait},
	}
	return e
}

// Start validates vars against the template and runs the execution in
// the background.
func (e *Executor) Start(ctx context.Context, templateID string, vars map[string]any) (*Execution, error) {
	x, err := e.create(context.WithoutCancel(ctx), templateID, vars)
	if err != nil {
		return nil, err
	}
	go e.run(x)
	return x.snapshot(), nil
}

// Run executes the template and returns the finished execution. Ending
// ctx cancels it.
func (e *Executor) Run(ctx context.Context, templateID string, vars map[string]any) (*Execution, error) {
	x, err := e.create(ctx, templateID, vars)
	if err != nil {
		return nil, err
	}
	e.run(x)
	return x.snapshot(), nil
}

func (e *Executor) create(parent context.Context, templateID string, vars map[string]any) (*execution, error) {
	t, ok := e.catalog.Get(templateID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", templateID, ErrTemplateNotFound)
	}
	resolved, err := ResolveVariables(t, vars)
	if err != nil {
		return nil, err
	}

	steps := cloneSteps(t.Steps)
	for i := range steps {
		steps[i].Status = StepPending
	}
	ctx, cancel := context.WithCancel(parent)
	x := &execution{
		e: &Execution{
			ID:              uuid.New().String(),
			TemplateID:      t.ID,
			TemplateVersion: t.Version,
			Status:          StatusPending,
			Variables:       resolved,
			Steps:           steps,
			Output:          map[string]any{},
			StartedAt:       time.Now(),
		},
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	e.mu.Lock()
	e.execs[x.e.ID] = x
	e.mu.Unlock()
	return x, nil
}

func (e *Executor) run(x *execution) {
	defer close(x.done)
	defer x.cancel()

	x.mu.Lock()
	id := x.e.ID
	x.e.Status = StatusRunning
	total := len(x.e.Steps)
	templateID := x.e.TemplateID
	x.mu.Unlock()

	e.logger.Info("workflow started", zap.String("id", id), zap.String("template", templateID))
	e.emit(event.Started, id, map[string]any{"template_id": templateID, "steps": total})

	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("workflow panicked", zap.String("id", id), zap.Any("panic", p))
			e.finish(x, StatusFailed, fmt.Sprint(p))
		}
		e.archive(x)
	}()

	for i := 0; i < total; i++ {
		if x.ctx.Err() != nil {
			e.finish(x, StatusCancelled, "cancelled")
			return
		}

		x.mu.Lock()
		step := &x.e.Steps[i]
		now := time.Now()
		step.Status = StepRunning
		step.StartedAt = &now
		scope := copyMap(x.e.Variables)
		for k, v := range x.e.Output {
			scope[k] = v
		}
		s := *step
		x.mu.Unlock()

		out, err := e.runStep(x.ctx, &s, scope)
		if err != nil && x.ctx.Err() != nil {
			e.finish(x, StatusCancelled, "cancelled")
			return
		}

		x.mu.Lock()
		done := time.Now()
		step.CompletedAt = &done
		step.Output = out
		abort := false
		if err == nil {
			step.Status = StepCompleted
			if step.OutputVariable != "" {
				x.e.Output[step.OutputVariable] = out
			}
		} else {
			step.Error = err.Error()
			switch step.OnError {
			case OnErrorFail:
				step.Status = StepFailed
				abort = true
			case OnErrorSkip:
				step.Status = StepSkipped
			case OnErrorRetry:
				step.Status = StepFailed
				e.logger.Warn("retry not implemented, continuing",
					zap.String("id", id), zap.String("step", step.ID), zap.Error(err))
			default:
				step.Status = StepFailed
			}
		}
		x.e.CurrentStepIndex = i + 1
		x.e.Progress = x.e.CurrentStepIndex * 100 / total
		stepID, status, progress := step.ID, step.Status, x.e.Progress
		x.mu.Unlock()

		e.emit(event.StepCompleted, id, map[string]any{
			"step_id":  stepID,
			"status":   string(status),
			"progress": progress,
			"error":    errString(err),
		})
		if abort {
			e.finish(x, StatusFailed, fmt.Sprintf("step %s failed: %v", stepID, err))
			return
		}
	}
	e.finish(x, StatusCompleted, "")
}

func (e *Executor) runStep(ctx context.Context, step *Step, scope map[string]any) (any, error) {
	r, ok := e.runners[step.Type]
	if !ok {
		return nil, fmt.Errorf("unknown step type %q", step.Type)
	}
	return r.run(ctx, step, scope)
}

func (e *Executor) finish(x *execution, status Status, msg string) {
	x.mu.Lock()
	if x.e.Status.Terminal() {
		x.mu.Unlock()
		return
	}
	now := time.Now()
	x.e.Status = status
	x.e.CompletedAt = &now
	if status == StatusCompleted {
		x.e.Progress = 100
	} else {
		x.e.Error = msg
	}
	id := x.e.ID
	output := copyMap(x.e.Output)
	x.mu.Unlock()

	switch status {
	case StatusCompleted:
		e.logger.Info("workflow completed", zap.String("id", id))
		e.emit(event.Completed, id, map[string]any{"output": output})
	case StatusCancelled:
		e.logger.Info("workflow cancelled", zap.String("id", id))
		e.emit(event.Error, id, map[string]any{"error": msg, "status": string(status)})
	default:
		e.logger.Warn("workflow failed", zap.String("id", id), zap.String("error", msg))
		e.emit(event.Error, id, map[string]any{"error": msg, "status": string(status)})
	}
}

func (e *Executor) archive(x *execution) {
	if e.archiver == nil {
		return
	}
	snap := x.snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.archiver.ArchiveExecution(ctx, snap); err != nil {
		e.logger.Warn("archive workflow execution failed", zap.String("id", snap.ID), zap.Error(err))
	}
}

// Get returns a snapshot of an execution.
func (e *Executor) Get(id string) (*Execution, error) {
	x, err := e.get(id)
	if err != nil {
		return nil, err
	}
	return x.snapshot(), nil
}

// List returns snapshots of every execution, newest first.
func (e *Executor) List() []*Execution {
	e.mu.RLock()
	out := make([]*Execution, 0, len(e.execs))
	for _, x := range e.execs {
		out = append(out, x.snapshot())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Cancel stops an execution before its next step. A running wait step
// returns early.
func (e *Executor) Cancel(id string) error {
	x, err := e.get(id)
	if err != nil {
		return err
	}
	if x.snapshot().Status.Terminal() {
		return fmt.Errorf("cancel %s: %w", id, ErrFinished)
	}
	x.cancel()
	return nil
}

// Wait blocks until the execution finishes or ctx ends.
func (e *Executor) Wait(ctx context.Context, id string) (*Execution, error) {
	x, err := e.get(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-x.done:
		return x.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Executor) get(id string) (*execution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	x, ok := e.execs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrExecutionNotFound)
	}
	return x, nil
}

func (e *Executor) emit(t event.Type, id string, data map[string]any) {
	e.emitter.Emit(event.New(t, id, data))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
