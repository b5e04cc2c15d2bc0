package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/sprintloop/internal/event"
	"github.com/nidhogg/sprintloop/internal/tool"
	"go.uber.org/zap"
)

// DefaultMaxIterations caps the number of actions a loop may take.
const DefaultMaxIterations = 50

var (
	// ErrNotFound is returned for unknown loop ids.
	ErrNotFound = errors.New("agent loop not found")
	// ErrInvalidState is returned when an operation does not apply to the
	// loop's current status.
	ErrInvalidState = errors.New("invalid loop state")
	// ErrEmptyTask is returned when a loop is started without a task.
	ErrEmptyTask = errors.New("task is empty")
)

// ErrorHandler decides whether a loop continues after a failed tool
// result. Returning false fails the loop.
type ErrorHandler func(action Action, result *tool.Result) bool

// StopOnError is the default ErrorHandler: no failure is retried or
// tolerated.
func StopOnError(Action, *tool.Result) bool { return false }

// Archiver receives every loop that reaches a terminal status.
type Archiver interface {
	ArchiveLoop(ctx context.Context, lc *LoopContext) error
}

// StartOptions tunes a single loop.
type StartOptions struct {
	Mode Mode `json:"mode"`
}

// Manager owns agent loops and drives each one on its own goroutine.
type Manager struct {
	mu            sync.RWMutex
	runs          map[string]*run
	registry      *tool.Registry
	planner       Planner
	emitter       event.Emitter
	archiver      Archiver
	onError       ErrorHandler
	maxIterations int
	defaultMode   Mode
	logger        *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithPlanner replaces the heuristic planner.
func WithPlanner(p Planner) Option { return func(m *Manager) { m.planner = p } }

// WithArchiver hands finished loops to a.
func WithArchiver(a Archiver) Option { return func(m *Manager) { m.archiver = a } }

// WithErrorHandler replaces StopOnError.
func WithErrorHandler(h ErrorHandler) Option { return func(m *Manager) { m.onError = h } }

// WithMaxIterations overrides DefaultMaxIterations.
func WithMaxIterations(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxIterations = n
		}
	}
}

// WithDefaultMode sets the mode used when StartOptions leaves it empty.
func WithDefaultMode(mode Mode) Option {
	return func(m *Manager) {
		if mode != "" {
			m.defaultMode = mode
		}
	}
}

// NewManager creates a loop manager executing tools through reg and
// publishing lifecycle events to emitter.
func NewManager(reg *tool.Registry, emitter event.Emitter, logger *zap.Logger, opts ...Option) *Manager {
	if emitter == nil {
		emitter = event.Discard
	}
	m := &Manager{
		runs:          make(map[string]*run),
		registry:      reg,
		emitter:       emitter,
		onError:       StopOnError,
		maxIterations: DefaultMaxIterations,
		defaultMode:   ModeSemiAutonomous,
		logger:        logger,
	}
	for _, o := range opts {
		o(m)
	}
	if m.planner == nil {
		m.planner = NewHeuristicPlanner(reg)
	}
	return m
}

// Start creates a loop for task and runs it in the background. Values on
// ctx (such as the tool workdir) are kept, its cancellation is not.
func (m *Manager) Start(ctx context.Context, task string, opts StartOptions) (*LoopContext, error) {
	r, err := m.launch(context.WithoutCancel(ctx), task, opts)
	if err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

// ProcessMessage runs task to a terminal status and returns the final
// context. Ending ctx cancels the loop.
func (m *Manager) ProcessMessage(ctx context.Context, task string, opts StartOptions) (*LoopContext, error) {
	r, err := m.launch(ctx, task, opts)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		m.cancelRun(r, "context ended: "+ctx.Err().Error())
		<-r.done
	}
	return r.snapshot(), nil
}

func (m *Manager) launch(parent context.Context, task string, opts StartOptions) (*run, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, ErrEmptyTask
	}
	mode := opts.Mode
	if mode == "" {
		mode = m.defaultMode
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}

	now := time.Now()
	ctx, cancel := context.WithCancel(parent)
	r := &run{
		lc: &LoopContext{
			ID:        uuid.New().String(),
			Task:      task,
			Mode:      mode,
			Status:    StatusIdle,
			History:   []Action{},
			CreatedAt: now,
			UpdatedAt: now,
		},
		ctx:     ctx,
		cancel:  cancel,
		confirm: make(chan bool, 1),
		done:    make(chan struct{}),
		active:  true,
	}

	m.mu.Lock()
	m.runs[r.lc.ID] = r
	m.mu.Unlock()

	m.logger.Info("agent loop started",
		zap.String("id", r.lc.ID),
		zap.String("mode", string(mode)))
	m.emit(event.Started, r.lc.ID, map[string]any{"task": task, "mode": string(mode)})

	go m.loop(r)
	return r, nil
}

// Confirm resolves a pending confirmation.
func (m *Manager) Confirm(id string, approved bool) error {
	r, err := m.get(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lc.Status != StatusAwaitingConfirmation {
		return fmt.Errorf("confirm %s while %s: %w", id, r.lc.Status, ErrInvalidState)
	}
	select {
	case r.confirm <- approved:
	default:
		return fmt.Errorf("confirm %s: already answered: %w", id, ErrInvalidState)
	}
	if approved {
		r.lc.Status = StatusExecuting
	} else {
		r.lc.Status = StatusPlanning
	}
	r.lc.PendingAction = nil
	r.touch()
	return nil
}

// Cancel stops a loop immediately. An in-flight tool sees its context
// cancelled.
func (m *Manager) Cancel(id string) error {
	r, err := m.get(id)
	if err != nil {
		return err
	}
	if !m.cancelRun(r, "") {
		return fmt.Errorf("cancel %s: %w", id, ErrInvalidState)
	}
	return nil
}

func (m *Manager) cancelRun(r *run, reason string) bool {
	r.mu.Lock()
	if r.lc.Status.Terminal() {
		r.mu.Unlock()
		return false
	}
	r.lc.Status = StatusCancelled
	r.lc.Error = reason
	r.lc.PendingAction = nil
	r.touch()
	idle := !r.active
	r.mu.Unlock()

	r.cancel()
	m.emit(event.Message, r.lc.ID, map[string]any{"status": string(StatusCancelled)})
	m.logger.Info("agent loop cancelled", zap.String("id", r.lc.ID))
	if idle {
		// paused loops have no goroutine left to finish them
		m.finish(r)
	}
	return true
}

// Pause suspends a loop that is executing. The current action finishes
// and no further iteration starts until Resume.
func (m *Manager) Pause(id string) error {
	r, err := m.get(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.lc.Status != StatusExecuting {
		status := r.lc.Status
		r.mu.Unlock()
		return fmt.Errorf("pause %s while %s: %w", id, status, ErrInvalidState)
	}
	r.lc.Status = StatusPaused
	r.touch()
	r.mu.Unlock()

	m.emit(event.Paused, id, nil)
	return nil
}

// Resume continues a paused loop from its preserved context.
func (m *Manager) Resume(id string) error {
	r, err := m.get(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.lc.Status != StatusPaused {
		status := r.lc.Status
		r.mu.Unlock()
		return fmt.Errorf("resume %s while %s: %w", id, status, ErrInvalidState)
	}
	r.lc.Status = StatusPlanning
	r.touch()
	restart := !r.active
	r.active = true
	r.mu.Unlock()

	m.emit(event.Resumed, id, map[string]any{"iterations": r.snapshot().Iterations})
	if restart {
		go m.loop(r)
	}
	return nil
}

// Get returns a snapshot of a loop.
func (m *Manager) Get(id string) (*LoopContext, error) {
	r, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

// List returns snapshots of every loop, newest first.
func (m *Manager) List() []*LoopContext {
	m.mu.RLock()
	out := make([]*LoopContext, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r.snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Remove forgets a loop that reached a terminal status.
func (m *Manager) Remove(id string) error {
	r, err := m.get(id)
	if err != nil {
		return err
	}
	if s := r.snapshot().Status; !s.Terminal() {
		return fmt.Errorf("remove %s while %s: %w", id, s, ErrInvalidState)
	}
	m.mu.Lock()
	delete(m.runs, id)
	m.mu.Unlock()
	return nil
}

// Wait blocks until the loop reaches a terminal status or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (*LoopContext, error) {
	r, err := m.get(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) get(id string) (*run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return r, nil
}

func (m *Manager) emit(t event.Type, id string, data map[string]any) {
	m.emitter.Emit(event.New(t, id, data))
}

// finish runs once per loop after it reaches a terminal status.
func (m *Manager) finish(r *run) {
	r.finishOnce.Do(func() {
		r.cancel()
		snap := r.snapshot()
		if m.archiver != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := m.archiver.ArchiveLoop(ctx, snap); err != nil {
				m.logger.Warn("archive agent loop failed", zap.String("id", snap.ID), zap.Error(err))
			}
			cancel()
		}
		close(r.done)
	})
}
