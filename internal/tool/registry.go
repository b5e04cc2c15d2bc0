package tool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/sprintloop/internal/capability"
	"github.com/nidhogg/sprintloop/internal/ring"
	"go.uber.org/zap"
)

// ErrDuplicateTool is returned by Register when the name is taken.
var ErrDuplicateTool = errors.New("tool already registered")

// DefaultLogSize bounds the execution log when no option overrides it.
const DefaultLogSize = 500

// Observer is notified after every execution.
type Observer interface {
	ObserveTool(name string, success bool, d time.Duration)
}

// Registry holds available tools and executes them by name.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	detector *capability.Detector
	log      *ring.Buffer[LogEntry]
	observer Observer
	logger   *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogSize bounds the execution log.
func WithLogSize(n int) Option {
	return func(r *Registry) { r.log = ring.New[LogEntry](n) }
}

// WithObserver reports executions to o.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// NewRegistry creates an empty registry answering capability questions
// through detector.
func NewRegistry(detector *capability.Detector, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		tools:    make(map[string]Tool),
		detector: detector,
		log:      ring.New[LogEntry](DefaultLogSize),
		logger:   logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a tool. A second tool with the same name is rejected.
func (r *Registry) Register(t Tool) error {
	name := t.Definition().Name
	if name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("register %s: %w", name, ErrDuplicateTool)
	}
	r.tools[name] = t
	r.logger.Debug("registered tool", zap.String("tool", name))
	return nil
}

// Replace registers t, overwriting any tool with the same name.
func (r *Registry) Replace(t Tool) {
	name := t.Definition().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		r.logger.Info("replacing tool", zap.String("tool", name))
	}
	r.tools[name] = t
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns all tool definitions sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition())
	}
	r.mu.RUnlock()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Check reports whether the runtime satisfies the named tool's
// capability requirements. Unknown tools cannot execute.
func (r *Registry) Check(name string) capability.CheckResult {
	t, ok := r.Get(name)
	if !ok {
		return capability.CheckResult{CanExecute: false}
	}
	if r.detector == nil {
		return capability.CheckResult{CanExecute: true}
	}
	return r.detector.Check(t.Definition().RequiredCapabilities)
}

// IsAvailable is true iff the tool is registered and every required
// capability is satisfied.
func (r *Registry) IsAvailable(name string) bool {
	return r.Check(name).CanExecute
}

// Execute runs a tool by name. It never panics and never returns nil:
// unknown tools, invalid arguments, missing capabilities, executor
// errors and executor panics all come back as a failed Result.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) *Result {
	start := time.Now()
	res := r.execute(ctx, name, args)
	res.Duration = time.Since(start)
	if res.Artifacts == nil {
		res.Artifacts = []string{}
	}

	r.log.Push(LogEntry{Tool: name, Args: args, Result: res, Timestamp: start})
	if r.observer != nil {
		r.observer.ObserveTool(name, res.Success, res.Duration)
	}
	if !res.Success {
		r.logger.Debug("tool failed", zap.String("tool", name), zap.String("error", res.Error))
	}
	return res
}

func (r *Registry) execute(ctx context.Context, name string, args map[string]any) (res *Result) {
	t, ok := r.Get(name)
	if !ok {
		return Failure("tool not found: " + name)
	}
	def := t.Definition()

	resolved, problems := Validate(def, args)
	if len(problems) > 0 {
		return Failure(fmt.Sprintf("invalid arguments for %s: %s", name, strings.Join(problems, "; ")))
	}

	if r.detector != nil {
		if check := r.detector.Check(def.RequiredCapabilities); !check.CanExecute {
			f := Failure(fmt.Sprintf("tool %s unavailable: %s", name, check.Error()))
			f.Data = check
			return f
		}
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", zap.String("tool", name), zap.Any("panic", p))
			res = Failure(fmt.Sprintf("tool %s panicked: %v", name, p))
		}
	}()

	out, err := t.Execute(ctx, resolved)
	if err != nil {
		f := Failure(err.Error())
		if out != nil {
			f.Output = out.Output
		}
		return f
	}
	if out == nil {
		return &Result{Success: true}
	}
	return out
}

// Log returns up to limit recent executions, oldest first.
func (r *Registry) Log(limit int) []LogEntry {
	return r.log.Last(limit)
}
