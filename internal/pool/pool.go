// Package pool runs several agent loops side by side, each inside its
// own workspace copy, and merges successful results back.
package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/sprintloop/internal/agent"
	"github.com/nidhogg/sprintloop/internal/event"
	"github.com/nidhogg/sprintloop/internal/tool"
	"github.com/nidhogg/sprintloop/internal/workspace"
	"go.uber.org/zap"
)

const (
	DefaultSize         = 8
	DefaultPollInterval = time.Second
	DefaultCoolDown     = 2 * time.Second
)

var (
	ErrEmptyTask     = errors.New("task description is empty")
	ErrTaskNotFound  = errors.New("pool task not found")
	ErrAgentNotFound = errors.New("pooled agent not found")
	ErrRunning       = errors.New("pool scheduler already running")
	ErrAgentBusy     = errors.New("pooled agent is busy")
)

// Runner drives one agent loop to completion. *agent.Manager satisfies it.
type Runner interface {
	ProcessMessage(ctx context.Context, task string, opts agent.StartOptions) (*agent.LoopContext, error)
}

// Validator checks a workspace before its changes are committed.
type Validator interface {
	Validate(ctx context.Context, ws *workspace.Workspace, lc *agent.LoopContext) error
}

// ValidatorFunc adapts a function into a Validator.
type ValidatorFunc func(ctx context.Context, ws *workspace.Workspace, lc *agent.LoopContext) error

func (f ValidatorFunc) Validate(ctx context.Context, ws *workspace.Workspace, lc *agent.LoopContext) error {
	return f(ctx, ws, lc)
}

// AcceptAll is the default validator.
var AcceptAll Validator = ValidatorFunc(func(context.Context, *workspace.Workspace, *agent.LoopContext) error {
	return nil
})

// Archiver receives every task that finishes.
type Archiver interface {
	ArchiveTask(ctx context.Context, t *Task) error
}

// Config sizes the pool. Zero values take the defaults; a negative
// CoolDown disables it.
type Config struct {
	Size         int
	PollInterval time.Duration
	CoolDown     time.Duration
	Mode         agent.Mode
}

func (c *Config) applyDefaults() {
	if c.Size <= 0 {
		c.Size = DefaultSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	switch {
	case c.CoolDown == 0:
		c.CoolDown = DefaultCoolDown
	case c.CoolDown < 0:
		c.CoolDown = 0
	}
	if c.Mode == "" {
		c.Mode = agent.ModeAutonomous
	}
}

// Option configures a Pool.
type Option func(*Pool)

// WithValidator replaces AcceptAll.
func WithValidator(v Validator) Option { return func(p *Pool) { p.validator = v } }

// WithArchiver hands finished tasks to a.
func WithArchiver(a Archiver) Option { return func(p *Pool) { p.archiver = a } }

// Pool schedules queued tasks onto a fixed set of agents.
type Pool struct {
	mu      sync.RWMutex
	agents  []*PooledAgent
	busy    map[string]bool
	queue   []*Task
	tasks   map[string]*Task
	order   []string
	running bool
	wg      sync.WaitGroup

	cfg        Config
	runner     Runner
	workspaces *workspace.Manager
	validator  Validator
	archiver   Archiver
	emitter    event.Emitter
	logger     *zap.Logger
}

// New creates a pool of cfg.Size idle agents.
func New(cfg Config, runner Runner, workspaces *workspace.Manager, emitter event.Emitter, logger *zap.Logger, opts ...Option) *Pool {
	cfg.applyDefaults()
	if emitter == nil {
		emitter = event.Discard
	}
	p := &Pool{
		busy:       make(map[string]bool),
		tasks:      make(map[string]*Task),
		cfg:        cfg,
		runner:     runner,
		workspaces: workspaces,
		validator:  AcceptAll,
		emitter:    emitter,
		logger:     logger,
	}
	for _, o := range opts {
		o(p)
	}
	for i := range cfg.Size {
		p.agents = append(p.agents, &PooledAgent{ID: fmt.Sprintf("agent-%d", i+1), Status: AgentIdle})
	}
	return p
}

// Submit queues a task. Higher priorities run first; equal priorities
// keep submission order.
func (p *Pool) Submit(description string, priority int) (*Task, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, ErrEmptyTask
	}
	t := &Task{
		ID:          uuid.New().String(),
		Description: description,
		Priority:    priority,
		Status:      TaskQueued,
		CreatedAt:   time.Now(),
	}

	p.mu.Lock()
	i := len(p.queue)
	for j, q := range p.queue {
		if q.Priority < priority {
			i = j
			break
		}
	}
	p.queue = append(p.queue, nil)
	copy(p.queue[i+1:], p.queue[i:])
	p.queue[i] = t
	p.tasks[t.ID] = t
	p.order = append(p.order, t.ID)
	snap := t.clone()
	p.mu.Unlock()

	p.logger.Info("pool task queued", zap.String("task", t.ID), zap.Int("priority", priority))
	return snap, nil
}

// Run schedules queued tasks until the queue is empty and every agent is
// idle, or ctx ends. Ending ctx cancels in-flight loops.
func (p *Pool) Run(ctx context.Context) error {
	if !p.claim() {
		return ErrRunning
	}
	return p.schedule(ctx)
}

// Start runs the scheduler in the background unless it already runs. It
// reports whether a new scheduler was started.
func (p *Pool) Start(ctx context.Context) bool {
	if !p.claim() {
		return false
	}
	go func() {
		if err := p.schedule(ctx); err != nil {
			p.logger.Info("pool scheduler stopped", zap.Error(err))
		}
	}()
	return true
}

func (p *Pool) claim() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return false
	}
	p.running = true
	return true
}

func (p *Pool) schedule(ctx context.Context) error {
	p.logger.Info("pool scheduler started", zap.Int("agents", len(p.agents)))
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return p.stop(ctx)
		}
		if p.assign(ctx) {
			p.wg.Wait()
			// A task that failed because ctx ended also empties the queue.
			if err := ctx.Err(); err != nil {
				return err
			}
			p.logger.Info("pool drained")
			return nil
		}
		select {
		case <-ctx.Done():
			return p.stop(ctx)
		case <-ticker.C:
		}
	}
}

func (p *Pool) stop(ctx context.Context) error {
	p.wg.Wait()
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	return ctx.Err()
}

// assign hands one queued task to each idle agent. It reports true, and
// releases the scheduler, when there is nothing left to do.
func (p *Pool) assign(ctx context.Context) bool {
	type assignment struct {
		agent *PooledAgent
		task  *Task
		snap  *Task
	}
	var assigned []assignment

	p.mu.Lock()
	for _, a := range p.agents {
		if len(p.queue) == 0 {
			break
		}
		if a.Status != AgentIdle || p.busy[a.ID] {
			continue
		}
		t := p.queue[0]
		p.queue = p.queue[1:]

		now := time.Now()
		t.Status = TaskAssigned
		t.AgentID = a.ID
		t.StartedAt = &now
		a.Status = AgentWorking
		a.CurrentTask = t.ID
		p.busy[a.ID] = true
		p.wg.Add(1)
		assigned = append(assigned, assignment{agent: a, task: t, snap: t.clone()})
	}
	drained := len(p.queue) == 0 && len(p.busy) == 0
	if drained {
		p.running = false
	}
	p.mu.Unlock()

	for _, as := range assigned {
		p.logger.Info("pool task assigned", zap.String("task", as.snap.ID), zap.String("agent", as.agent.ID))
		p.emit(event.Started, as.agent.ID, map[string]any{
			"task_id":     as.snap.ID,
			"description": as.snap.Description,
			"priority":    as.snap.Priority,
		})
		go p.execute(ctx, as.agent, as.task)
	}
	return drained
}

func (p *Pool) execute(ctx context.Context, a *PooledAgent, t *Task) {
	defer p.wg.Done()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = p.process(ctx, a, t)
	}()

	p.mu.Lock()
	now := time.Now()
	t.CompletedAt = &now
	a.Workspace = nil
	if err != nil {
		t.Status = TaskFailed
		t.Error = err.Error()
		a.Status = AgentFailed
		a.Failed++
	} else {
		t.Status = TaskCompleted
		a.Status = AgentCompleted
		a.Completed++
	}
	snap := t.clone()
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("pool task failed", zap.String("task", t.ID), zap.String("agent", a.ID), zap.Error(err))
		p.emit(event.Error, a.ID, map[string]any{"task_id": t.ID, "error": err.Error()})
	} else {
		p.logger.Info("pool task completed", zap.String("task", t.ID), zap.String("agent", a.ID))
		p.emit(event.Completed, a.ID, map[string]any{"task_id": t.ID, "loop_id": snap.LoopID, "changes": snap.Changes})
	}
	p.archive(snap)

	if p.cfg.CoolDown > 0 {
		timer := time.NewTimer(p.cfg.CoolDown)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	p.mu.Lock()
	a.Status = AgentIdle
	a.CurrentTask = ""
	delete(p.busy, a.ID)
	p.mu.Unlock()
}

func (p *Pool) process(ctx context.Context, a *PooledAgent, t *Task) error {
	ws, err := p.workspaces.Acquire(a.ID, t.ID)
	if err != nil {
		return fmt.Errorf("acquire workspace: %w", err)
	}
	defer func() {
		if err := p.workspaces.Release(ws); err != nil {
			p.logger.Warn("release workspace failed", zap.String("branch", ws.Branch), zap.Error(err))
		}
	}()

	p.mu.Lock()
	a.Workspace = ws
	t.Branch = ws.Branch
	t.Status = TaskRunning
	p.mu.Unlock()

	lc, err := p.runner.ProcessMessage(tool.WithWorkdir(ctx, ws.Path), t.Description, agent.StartOptions{Mode: p.cfg.Mode})
	if err != nil {
		return fmt.Errorf("agent loop: %w", err)
	}
	p.mu.Lock()
	t.LoopID = lc.ID
	t.Status = TaskValidating
	p.mu.Unlock()
	if lc.Status != agent.StatusCompleted {
		return fmt.Errorf("agent loop %s: %s", lc.Status, lc.Error)
	}

	if err := p.validator.Validate(ctx, ws, lc); err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	changes, err := p.workspaces.Commit(ws)
	if err != nil {
		return err
	}
	p.mu.Lock()
	t.Changes = changes
	p.mu.Unlock()
	return nil
}

func (p *Pool) archive(t *Task) {
	if p.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.archiver.ArchiveTask(ctx, t); err != nil {
		p.logger.Warn("archive pool task failed", zap.String("task", t.ID), zap.Error(err))
	}
}

// Pause stops an idle agent from taking new tasks.
func (p *Pool) Pause(agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, err := p.agent(agentID)
	if err != nil {
		return err
	}
	if a.Status != AgentIdle {
		return fmt.Errorf("pause %s (%s): %w", agentID, a.Status, ErrAgentBusy)
	}
	a.Status = AgentPaused
	return nil
}

// Resume returns a paused agent to the idle set.
func (p *Pool) Resume(agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, err := p.agent(agentID)
	if err != nil {
		return err
	}
	if a.Status == AgentPaused {
		a.Status = AgentIdle
	}
	return nil
}

// agent must be called with p.mu held.
func (p *Pool) agent(id string) (*PooledAgent, error) {
	for _, a := range p.agents {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", id, ErrAgentNotFound)
}

// Agents returns a snapshot of every slot.
func (p *Pool) Agents() []PooledAgent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PooledAgent, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, a.clone())
	}
	return out
}

// Task returns a snapshot of one task.
func (p *Pool) Task(id string) (*Task, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrTaskNotFound)
	}
	return t.clone(), nil
}

// Tasks returns every task in submission order.
func (p *Pool) Tasks() []*Task {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Task, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.tasks[id].clone())
	}
	return out
}

// Running reports whether the scheduler is active.
func (p *Pool) Running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Progress summarises task outcomes.
func (p *Pool) Progress() Progress {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var pr Progress
	for _, t := range p.tasks {
		pr.Total++
		switch t.Status {
		case TaskQueued:
			pr.Queued++
		case TaskCompleted:
			pr.Completed++
		case TaskFailed:
			pr.Failed++
		default:
			pr.Active++
		}
	}
	if pr.Total > 0 {
		pr.Percent = (pr.Completed + pr.Failed) * 100 / pr.Total
	}
	return pr
}

func (p *Pool) emit(t event.Type, agentID string, data map[string]any) {
	p.emitter.Emit(event.New(t, agentID, data))
}
