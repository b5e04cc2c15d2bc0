package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/sprintloop/internal/capability"
	"github.com/nidhogg/sprintloop/internal/event"
	"github.com/nidhogg/sprintloop/internal/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type executorFixture struct {
	reg   *tool.Registry
	bus   *event.Bus
	cat   *Catalog
	exec  *Executor
	calls []map[string]any
	mu    sync.Mutex
}

func newExecutorFixture(t *testing.T, opts ...ExecutorOption) *executorFixture {
	t.Helper()
	f := &executorFixture{
		reg: tool.NewRegistry(capability.NewDetector(capability.EnvServer), zap.NewNop()),
		bus: event.NewBus(200, zap.NewNop()),
		cat: NewCatalog(zap.NewNop()),
	}
	require.NoError(t, f.reg.Register(&tool.Func{
		Def: tool.Definition{Name: "echo", Params: []tool.Param{{Name: "text", Type: tool.TypeString}}},
		Fn: func(_ context.Context, args map[string]any) (*tool.Result, error) {
			f.mu.Lock()
			f.calls = append(f.calls, args)
			f.mu.Unlock()
			text, _ := args["text"].(string)
			return &tool.Result{Success: true, Output: text}, nil
		},
	}))
	require.NoError(t, f.reg.Register(&tool.Func{
		Def: tool.Definition{Name: "boom"},
		Fn: func(context.Context, map[string]any) (*tool.Result, error) {
			return nil, errors.New("boom")
		},
	}))
	opts = append([]ExecutorOption{WithWaitDelay(10 * time.Millisecond)}, opts...)
	f.exec = NewExecutor(f.cat, f.reg, f.bus, zap.NewNop(), opts...)
	return f
}

func (f *executorFixture) echoCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func failingTemplate(policy ErrorPolicy) Template {
	return Template{
		ID:   "failing",
		Name: "Failing",
		Steps: []Step{
			{ID: "first", Type: StepTool, Tool: "echo", Args: map[string]any{"text": "one"}},
			{ID: "broken", Type: StepTool, Tool: "boom", OnError: policy},
			{ID: "last", Type: StepTool, Tool: "echo", Args: map[string]any{"text": "three"}, OutputVariable: "last"},
		},
	}
}

func TestExecutorSkipPolicyCompletes(t *testing.T) {
	f := newExecutorFixture(t)
	require.NoError(t, f.cat.Add(failingTemplate(OnErrorSkip)))

	e, err := f.exec.Run(context.Background(), "failing", nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, e.Status)
	assert.Equal(t, 100, e.Progress)
	assert.Equal(t, StepSkipped, e.Steps[1].Status)
	assert.Equal(t, "boom", e.Steps[1].Error)
	assert.Equal(t, StepCompleted, e.Steps[2].Status)
	assert.Equal(t, "three", e.Output["last"])
	assert.Equal(t, 2, f.echoCalls())
}

func TestExecutorFailPolicyHalts(t *testing.T) {
	f := newExecutorFixture(t)
	require.NoError(t, f.cat.Add(failingTemplate(OnErrorFail)))

	e, err := f.exec.Run(context.Background(), "failing", nil)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, e.Status)
	assert.Equal(t, "step broken failed: boom", e.Error)
	assert.Equal(t, StepFailed, e.Steps[1].Status)
	assert.Equal(t, StepPending, e.Steps[2].Status)
	assert.Equal(t, 1, f.echoCalls())
	assert.NotNil(t, e.CompletedAt)
}

func TestExecutorContinueAndRetryProceed(t *testing.T) {
	for _, policy := range []ErrorPolicy{OnErrorContinue, OnErrorRetry, ""} {
		t.Run(string(policy), func(t *testing.T) {
			f := newExecutorFixture(t)
			require.NoError(t, f.cat.Add(failingTemplate(policy)))

			e, err := f.exec.Run(context.Background(), "failing", nil)
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, e.Status)
			assert.Equal(t, StepFailed, e.Steps[1].Status)
			assert.Equal(t, 2, f.echoCalls(), "failed step runs once")
		})
	}
}

func TestExecutorSubstitutesVariables(t *testing.T) {
	f := newExecutorFixture(t)
	require.NoError(t, f.cat.Add(Template{
		ID:        "greet",
		Name:      "Greet",
		Variables: []Variable{{Name: "name", Type: "string", Required: true}},
		Steps: []Step{
			{ID: "hello", Type: StepTool, Tool: "echo", Args: map[string]any{"text": "Hello {{name}}!"}, OutputVariable: "greeting"},
			{ID: "again", Type: StepTool, Tool: "echo", Args: map[string]any{"text": "{{greeting}} {{unknown}}"}},
		},
	}))

	e, err := f.exec.Run(context.Background(), "greet", map[string]any{"name": "Foo"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, e.Status)

	assert.Equal(t, "Hello Foo!", f.calls[0]["text"])
	assert.Equal(t, "Hello Foo! {{unknown}}", f.calls[1]["text"])
}

func TestExecutorRejectsBadVariables(t *testing.T) {
	f := newExecutorFixture(t)

	_, err := f.exec.Run(context.Background(), "create-file", nil)
	assert.ErrorIs(t, err, ErrInvalidVariables)

	_, err = f.exec.Run(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrTemplateNotFound)
	assert.Empty(t, f.exec.List())
}

func TestExecutorStepKinds(t *testing.T) {
	f := newExecutorFixture(t, WithPrompter(upperPrompter{}))
	require.NoError(t, f.cat.Add(Template{
		ID:   "kinds",
		Name: "Kinds",
		Steps: []Step{
			{ID: "p", Type: StepPrompt, Prompt: "hi {{who}}", OutputVariable: "said"},
			{ID: "c", Type: StepCondition, Condition: "{{said}} == 'HI BOB'", OutputVariable: "matched"},
			{ID: "l", Type: StepLoop, LoopSteps: []Step{{ID: "inner", Type: StepWait}}},
			{ID: "par", Type: StepParallel},
			{ID: "in", Type: StepUserInput, Input: "who", OutputVariable: "answer"},
			{ID: "w", Type: StepWait, Delay: "1ms"},
		},
	}))

	e, err := f.exec.Run(context.Background(), "kinds", map[string]any{"who": "bob"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, e.Status)

	assert.Equal(t, "HI BOB", e.Output["said"])
	assert.Equal(t, "true", e.Output["matched"])
	assert.Equal(t, "loop step simulated (1 sub-steps not executed)", e.Steps[2].Output)
	assert.Equal(t, "parallel step simulated (0 sub-steps not executed)", e.Steps[3].Output)
	assert.Equal(t, "bob", e.Output["answer"])
	assert.Equal(t, "waited 1ms", e.Steps[5].Output)
}

func TestExecutorUserInputMissingAndUnknownType(t *testing.T) {
	f := newExecutorFixture(t)
	require.NoError(t, f.cat.Add(Template{
		ID:   "odd",
		Name: "Odd",
		Steps: []Step{
			{ID: "ask", Type: StepUserInput, Input: "reply"},
			{ID: "mystery", Type: StepType("teleport")},
		},
	}))

	e, err := f.exec.Run(context.Background(), "odd", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, e.Status)
	assert.Contains(t, e.Steps[0].Error, `no input provided for "reply"`)
	assert.Contains(t, e.Steps[1].Error, `unknown step type "teleport"`)
}

func TestExecutorCancelDuringWait(t *testing.T) {
	f := newExecutorFixture(t)
	require.NoError(t, f.cat.Add(Template{
		ID:   "slow",
		Name: "Slow",
		Steps: []Step{
			{ID: "w", Type: StepWait, Delay: "10s"},
			{ID: "after", Type: StepTool, Tool: "echo"},
		},
	}))

	started, err := f.exec.Start(context.Background(), "slow", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		e, _ := f.exec.Get(started.ID)
		return e.Steps[0].Status == StepRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.exec.Cancel(started.ID))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e, err := f.exec.Wait(ctx, started.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, e.Status)
	assert.Equal(t, 0, f.echoCalls())
	assert.ErrorIs(t, f.exec.Cancel(started.ID), ErrFinished)
	_, err = f.exec.Get("missing")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestExecutorEmitsProgress(t *testing.T) {
	f := newExecutorFixture(t)
	var mu sync.Mutex
	var progress []any
	var types []event.Type
	f.bus.SubscribeAll(func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, e.Type)
		if e.Type == event.StepCompleted {
			progress = append(progress, e.Data["progress"])
		}
	})
	require.NoError(t, f.cat.Add(failingTemplate(OnErrorContinue)))

	e, err := f.exec.Run(context.Background(), "failing", nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{33, 66, 100}, progress)
	assert.Equal(t, event.Started, types[0])
	assert.Equal(t, event.Completed, types[len(types)-1])
	for _, ev := range f.bus.History(0) {
		assert.Equal(t, e.ID, ev.AgentID)
	}
}

type recordingArchiver struct {
	mu    sync.Mutex
	execs []*Execution
}

func (a *recordingArchiver) ArchiveExecution(_ context.Context, e *Execution) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.execs = append(a.execs, e)
	return nil
}

func TestExecutorArchivesFinished(t *testing.T) {
	arch := &recordingArchiver{}
	f := newExecutorFixture(t, WithArchiver(arch))

	e, err := f.exec.Run(context.Background(), "run-tests", map[string]any{"command": "true"})
	require.NoError(t, err)

	arch.mu.Lock()
	defer arch.mu.Unlock()
	require.Len(t, arch.execs, 1)
	assert.Equal(t, e.ID, arch.execs[0].ID)
	assert.True(t, arch.execs[0].Status.Terminal())
}

type upperPrompter struct{}

func (upperPrompter) Prompt(_ context.Context, p string) (string, error) {
	return strings.ToUpper(p), nil
}
