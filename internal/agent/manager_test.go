package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nidhogg/sprintloop/internal/capability"
	"github.com/nidhogg/sprintloop/internal/event"
	"github.com/nidhogg/sprintloop/internal/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingTool struct {
	def   tool.Definition
	calls atomic.Int32
	fn    tool.ExecuteFunc
}

func (c *countingTool) Definition() tool.Definition { return c.def }

func (c *countingTool) Execute(ctx context.Context, args map[string]any) (*tool.Result, error) {
	c.calls.Add(1)
	if c.fn != nil {
		return c.fn(ctx, args)
	}
	return &tool.Result{Success: true, Output: "ok"}, nil
}

func newCounting(name string, approval bool) *countingTool {
	return &countingTool{def: tool.Definition{Name: name, RequiresApproval: approval}}
}

type fixture struct {
	reg *tool.Registry
	bus *event.Bus
	mgr *Manager
}

func newFixture(t *testing.T, tools []tool.Tool, opts ...Option) *fixture {
	t.Helper()
	reg := tool.NewRegistry(capability.NewDetector(capability.EnvServer), zap.NewNop())
	for _, tl := range tools {
		require.NoError(t, reg.Register(tl))
	}
	bus := event.NewBus(500, zap.NewNop())
	return &fixture{reg: reg, bus: bus, mgr: NewManager(reg, bus, zap.NewNop(), opts...)}
}

func waitStatus(t *testing.T, m *Manager, id string, want Status) *LoopContext {
	t.Helper()
	var last *LoopContext
	require.Eventually(t, func() bool {
		lc, err := m.Get(id)
		require.NoError(t, err)
		last = lc
		return lc.Status == want
	}, 2*time.Second, 5*time.Millisecond, "loop never reached %s", want)
	return last
}

func wait(t *testing.T, m *Manager, id string) *LoopContext {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	lc, err := m.Wait(ctx, id)
	require.NoError(t, err)
	return lc
}

func TestCreateFileRejectedConfirmationSkipsWrite(t *testing.T) {
	write := newCounting(tool.NameWrite, true)
	f := newFixture(t, []tool.Tool{write})

	lc, err := f.mgr.Start(context.Background(), "create a file", StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, ModeSemiAutonomous, lc.Mode)

	pending := waitStatus(t, f.mgr, lc.ID, StatusAwaitingConfirmation)
	require.NotNil(t, pending.PendingAction)
	assert.Equal(t, tool.NameWrite, pending.PendingAction.Tool)
	assert.Equal(t, ActionToolCall, pending.PendingAction.Type)
	assert.Equal(t, DefaultFile, pending.PendingAction.Args["path"])
	assert.Zero(t, write.calls.Load())

	require.NoError(t, f.mgr.Confirm(lc.ID, false))
	final := wait(t, f.mgr, lc.ID)

	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	require.Len(t, final.History, 2)
	assert.Equal(t, tool.NameWrite, final.History[0].Tool)
	assert.Equal(t, ActionSkipped, final.History[0].Status)
	assert.Equal(t, ActionComplete, final.History[1].Type)
	assert.Zero(t, write.calls.Load())

	var rejected int
	for _, e := range f.bus.History(0) {
		if e.Type == event.ActionRejected && e.AgentID == lc.ID {
			rejected++
		}
	}
	assert.Equal(t, 1, rejected)
}

func TestCreateFileApprovedRunsWrite(t *testing.T) {
	write := newCounting(tool.NameWrite, true)
	f := newFixture(t, []tool.Tool{write})

	lc, err := f.mgr.Start(context.Background(), "Create notes.md with content 'hi'", StartOptions{})
	require.NoError(t, err)
	pending := waitStatus(t, f.mgr, lc.ID, StatusAwaitingConfirmation)
	assert.Equal(t, "notes.md", pending.PendingAction.Args["path"])
	assert.Equal(t, "hi", pending.PendingAction.Args["content"])

	require.NoError(t, f.mgr.Confirm(lc.ID, true))
	final := wait(t, f.mgr, lc.ID)

	assert.Equal(t, StatusCompleted, final.Status)
	assert.EqualValues(t, 1, write.calls.Load())
	require.Len(t, final.History, 2)
	assert.Equal(t, ActionCompleted, final.History[0].Status)
	require.NotNil(t, final.History[0].Result)
	assert.True(t, final.History[0].Result.Success)

	assert.ErrorIs(t, f.mgr.Confirm(lc.ID, true), ErrInvalidState)
}

func completeAfter(n int) Planner {
	return PlannerFunc(func(task string, history []Action) Plan {
		if len(history)+1 >= n {
			return Plan{Action: Action{Type: ActionComplete}, EstimatedProgress: 100}
		}
		return Plan{Action: Action{Type: ActionThink, Reasoning: "still thinking"}, EstimatedProgress: 1}
	})
}

func TestIterationCapBoundary(t *testing.T) {
	cases := []struct {
		completeAt int
		want       Status
	}{
		{49, StatusCompleted},
		{50, StatusCompleted},
		{51, StatusFailed},
	}
	for _, tc := range cases {
		f := newFixture(t, nil, WithPlanner(completeAfter(tc.completeAt)))
		final, err := f.mgr.ProcessMessage(context.Background(), "ponder", StartOptions{})
		require.NoError(t, err)

		assert.Equal(t, tc.want, final.Status, "complete at %d", tc.completeAt)
		if tc.want == StatusFailed {
			assert.Equal(t, "exceeded maximum iterations (50)", final.Error)
			assert.Equal(t, DefaultMaxIterations, final.Iterations)
			assert.Len(t, final.History, DefaultMaxIterations)
			assert.LessOrEqual(t, final.Progress, 95)
		} else {
			assert.Equal(t, tc.completeAt, final.Iterations)
		}
	}
}

func TestPauseResumeDoesNotReplay(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	slow := &countingTool{
		def: tool.Definition{Name: "slow"},
		fn: func(context.Context, map[string]any) (*tool.Result, error) {
			close(entered)
			<-release
			return &tool.Result{Success: true, Output: "done"}, nil
		},
	}
	planner := PlannerFunc(func(task string, history []Action) Plan {
		if len(history) == 0 {
			return Plan{Action: Action{Type: ActionToolCall, Tool: "slow"}, EstimatedProgress: 50}
		}
		return Plan{Action: Action{Type: ActionComplete}}
	})
	f := newFixture(t, []tool.Tool{slow}, WithPlanner(planner))

	lc, err := f.mgr.Start(context.Background(), "slow task", StartOptions{Mode: ModeAutonomous})
	require.NoError(t, err)
	<-entered

	require.NoError(t, f.mgr.Pause(lc.ID))
	assert.ErrorIs(t, f.mgr.Pause(lc.ID), ErrInvalidState)
	close(release)

	require.Eventually(t, func() bool {
		got, _ := f.mgr.Get(lc.ID)
		return len(got.History) == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	paused, err := f.mgr.Get(lc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, paused.Status)
	assert.Equal(t, 1, paused.Iterations)
	assert.Equal(t, 50, paused.Progress)

	require.NoError(t, f.mgr.Resume(lc.ID))
	final := wait(t, f.mgr, lc.ID)

	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 2, final.Iterations)
	require.Len(t, final.History, 2)
	assert.EqualValues(t, 1, slow.calls.Load())
	assert.ErrorIs(t, f.mgr.Resume(lc.ID), ErrInvalidState)
}

func TestPauseOnlyWhileExecuting(t *testing.T) {
	f := newFixture(t, []tool.Tool{newCounting(tool.NameWrite, true)})
	lc, err := f.mgr.Start(context.Background(), "make a.txt", StartOptions{})
	require.NoError(t, err)
	waitStatus(t, f.mgr, lc.ID, StatusAwaitingConfirmation)

	assert.ErrorIs(t, f.mgr.Pause(lc.ID), ErrInvalidState)
	require.NoError(t, f.mgr.Cancel(lc.ID))
}

func TestCancelWhileAwaitingConfirmation(t *testing.T) {
	write := newCounting(tool.NameWrite, true)
	f := newFixture(t, []tool.Tool{write})

	lc, err := f.mgr.Start(context.Background(), "create report.txt", StartOptions{})
	require.NoError(t, err)
	waitStatus(t, f.mgr, lc.ID, StatusAwaitingConfirmation)

	require.NoError(t, f.mgr.Cancel(lc.ID))
	final := wait(t, f.mgr, lc.ID)

	assert.Equal(t, StatusCancelled, final.Status)
	assert.NotNil(t, final.FinishedAt)
	assert.Nil(t, final.PendingAction)
	assert.Zero(t, write.calls.Load())
	assert.ErrorIs(t, f.mgr.Confirm(lc.ID, true), ErrInvalidState)
	assert.ErrorIs(t, f.mgr.Cancel(lc.ID), ErrInvalidState)
}

func TestCancelAbortsInFlightTool(t *testing.T) {
	entered := make(chan struct{})
	var sawCancel atomic.Bool
	blocking := &countingTool{
		def: tool.Definition{Name: tool.NameBash},
		fn: func(ctx context.Context, _ map[string]any) (*tool.Result, error) {
			close(entered)
			<-ctx.Done()
			sawCancel.Store(true)
			return nil, ctx.Err()
		},
	}
	f := newFixture(t, []tool.Tool{blocking})

	lc, err := f.mgr.Start(context.Background(), "run `sleep 100`", StartOptions{Mode: ModeAutonomous})
	require.NoError(t, err)
	<-entered

	require.NoError(t, f.mgr.Cancel(lc.ID))
	final := wait(t, f.mgr, lc.ID)

	assert.True(t, sawCancel.Load())
	assert.Equal(t, StatusCancelled, final.Status)
}

func TestFailedToolFailsLoop(t *testing.T) {
	bash := &countingTool{
		def: tool.Definition{Name: tool.NameBash},
		fn: func(context.Context, map[string]any) (*tool.Result, error) {
			return nil, errors.New("exit status 2")
		},
	}
	f := newFixture(t, []tool.Tool{bash})

	final, err := f.mgr.ProcessMessage(context.Background(), "run `go vet ./...`", StartOptions{Mode: ModeAutonomous})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, "exit status 2", final.Error)
	require.Len(t, final.History, 1)
	assert.Equal(t, ActionFailed, final.History[0].Status)
}

func TestErrorHandlerCanContinue(t *testing.T) {
	bash := &countingTool{
		def: tool.Definition{Name: tool.NameBash},
		fn: func(context.Context, map[string]any) (*tool.Result, error) {
			return nil, errors.New("exit status 2")
		},
	}
	var seen []string
	f := newFixture(t, []tool.Tool{bash}, WithErrorHandler(func(a Action, r *tool.Result) bool {
		seen = append(seen, a.Tool+": "+r.Error)
		return true
	}))

	final, err := f.mgr.ProcessMessage(context.Background(), "run `go vet ./...`", StartOptions{Mode: ModeAutonomous})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, []string{"bash: exit status 2"}, seen)
	require.Len(t, final.History, 2)
	assert.Equal(t, ActionFailed, final.History[0].Status)
	assert.Equal(t, ActionComplete, final.History[1].Type)
}

func TestModes(t *testing.T) {
	t.Run("autonomous never asks", func(t *testing.T) {
		write := newCounting(tool.NameWrite, true)
		f := newFixture(t, []tool.Tool{write})
		final, err := f.mgr.ProcessMessage(context.Background(), "create a.txt", StartOptions{Mode: ModeAutonomous})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, final.Status)
		assert.EqualValues(t, 1, write.calls.Load())
	})

	t.Run("suggest asks for every tool call", func(t *testing.T) {
		read := newCounting(tool.NameRead, false)
		f := newFixture(t, []tool.Tool{read})
		lc, err := f.mgr.Start(context.Background(), "show go.mod", StartOptions{Mode: ModeSuggest})
		require.NoError(t, err)
		waitStatus(t, f.mgr, lc.ID, StatusAwaitingConfirmation)
		require.NoError(t, f.mgr.Confirm(lc.ID, true))
		assert.Equal(t, StatusCompleted, wait(t, f.mgr, lc.ID).Status)
		assert.EqualValues(t, 1, read.calls.Load())
	})

	t.Run("semi autonomous runs safe commands", func(t *testing.T) {
		bash := newCounting(tool.NameBash, true)
		f := newFixture(t, []tool.Tool{bash})
		final, err := f.mgr.ProcessMessage(context.Background(), "run `go test ./...`", StartOptions{})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, final.Status)
		assert.EqualValues(t, 1, bash.calls.Load())
	})

	t.Run("unknown mode", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.mgr.Start(context.Background(), "anything", StartOptions{Mode: "yolo"})
		assert.Error(t, err)
	})
}

func TestPlannerPanicFailsLoop(t *testing.T) {
	f := newFixture(t, nil, WithPlanner(PlannerFunc(func(string, []Action) Plan {
		panic("planner exploded")
	})))

	final, err := f.mgr.ProcessMessage(context.Background(), "anything", StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, "planner exploded", final.Error)

	var errs int
	for _, e := range f.bus.History(0) {
		if e.Type == event.Error {
			errs++
		}
	}
	assert.Equal(t, 1, errs)
}

type recordingArchiver struct {
	mu    sync.Mutex
	loops []*LoopContext
}

func (a *recordingArchiver) ArchiveLoop(_ context.Context, lc *LoopContext) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.loops = append(a.loops, lc)
	return nil
}

func TestArchiverReceivesFinishedLoop(t *testing.T) {
	arch := &recordingArchiver{}
	f := newFixture(t, nil, WithArchiver(arch))

	final, err := f.mgr.ProcessMessage(context.Background(), "think about it", StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)

	arch.mu.Lock()
	defer arch.mu.Unlock()
	require.Len(t, arch.loops, 1)
	assert.Equal(t, final.ID, arch.loops[0].ID)
}

func TestEventSequence(t *testing.T) {
	f := newFixture(t, nil)
	final, err := f.mgr.ProcessMessage(context.Background(), "think about it", StartOptions{})
	require.NoError(t, err)

	var types []event.Type
	for _, e := range f.bus.History(0) {
		require.Equal(t, final.ID, e.AgentID)
		types = append(types, e.Type)
	}
	assert.Equal(t, []event.Type{
		event.Started,
		event.Planning, event.ActionExecuting, event.Thinking, event.ActionCompleted, event.StepCompleted,
		event.Planning, event.ActionExecuting, event.ActionCompleted, event.Completed,
	}, types)
}

func TestRemoveAndLookup(t *testing.T) {
	f := newFixture(t, []tool.Tool{newCounting(tool.NameWrite, true)})

	_, err := f.mgr.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.mgr.Start(context.Background(), "   ", StartOptions{})
	assert.ErrorIs(t, err, ErrEmptyTask)

	lc, err := f.mgr.Start(context.Background(), "create x.txt", StartOptions{})
	require.NoError(t, err)
	waitStatus(t, f.mgr, lc.ID, StatusAwaitingConfirmation)
	assert.ErrorIs(t, f.mgr.Remove(lc.ID), ErrInvalidState)
	assert.Len(t, f.mgr.List(), 1)

	require.NoError(t, f.mgr.Cancel(lc.ID))
	wait(t, f.mgr, lc.ID)
	require.NoError(t, f.mgr.Remove(lc.ID))
	assert.Empty(t, f.mgr.List())
}

func TestSnapshotIsIndependent(t *testing.T) {
	f := newFixture(t, nil)
	final, err := f.mgr.ProcessMessage(context.Background(), "think", StartOptions{})
	require.NoError(t, err)

	final.History[0].Reasoning = "mutated"
	again, err := f.mgr.Get(final.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", again.History[0].Reasoning)
}

func TestProcessMessageContextCancel(t *testing.T) {
	f := newFixture(t, []tool.Tool{newCounting(tool.NameWrite, true)})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	final, err := f.mgr.ProcessMessage(ctx, "create x.txt", StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, final.Status)
	assert.Contains(t, final.Error, "context ended")
}
