package pool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/sprintloop/internal/agent"
	"github.com/nidhogg/sprintloop/internal/capability"
	"github.com/nidhogg/sprintloop/internal/event"
	"github.com/nidhogg/sprintloop/internal/tool"
	"github.com/nidhogg/sprintloop/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRunner records the tasks it receives and completes them.
type fakeRunner struct {
	mu       sync.Mutex
	seen     []string
	workdirs []string
	inFlight int
	maxSeen  int
	delay    time.Duration
	fail     map[string]bool
}

func (f *fakeRunner) ProcessMessage(ctx context.Context, task string, _ agent.StartOptions) (*agent.LoopContext, error) {
	f.mu.Lock()
	f.seen = append(f.seen, task)
	f.workdirs = append(f.workdirs, tool.Workdir(ctx))
	f.inFlight++
	f.maxSeen = max(f.maxSeen, f.inFlight)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return &agent.LoopContext{ID: uuid.New().String(), Status: agent.StatusCancelled, Error: ctx.Err().Error()}, nil
		}
	}
	if f.fail[task] {
		return &agent.LoopContext{ID: uuid.New().String(), Status: agent.StatusFailed, Error: "tool broke"}, nil
	}
	return &agent.LoopContext{ID: uuid.New().String(), Status: agent.StatusCompleted, Progress: 100}, nil
}

func (f *fakeRunner) tasks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

func newTestPool(t *testing.T, size int, runner Runner, bus event.Emitter, opts ...Option) (*Pool, string) {
	t.Helper()
	base := t.TempDir()
	ws := workspace.NewManager(base, t.TempDir(), zap.NewNop())
	cfg := Config{Size: size, PollInterval: 5 * time.Millisecond, CoolDown: -1}
	return New(cfg, runner, ws, bus, zap.NewNop(), opts...), base
}

func runPool(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Run(ctx))
}

func TestPriorityOrderWithSingleAgent(t *testing.T) {
	runner := &fakeRunner{}
	p, _ := newTestPool(t, 1, runner, nil)

	for _, prio := range []int{1, 9, 5} {
		_, err := p.Submit("task priority "+string(rune('0'+prio)), prio)
		require.NoError(t, err)
	}
	runPool(t, p)

	assert.Equal(t, []string{"task priority 9", "task priority 5", "task priority 1"}, runner.tasks())
}

func TestEqualPrioritiesKeepSubmissionOrder(t *testing.T) {
	runner := &fakeRunner{}
	p, _ := newTestPool(t, 1, runner, nil)

	for _, d := range []string{"a", "b", "c"} {
		_, err := p.Submit(d, 3)
		require.NoError(t, err)
	}
	_, err := p.Submit("urgent", 10)
	require.NoError(t, err)
	runPool(t, p)

	assert.Equal(t, []string{"urgent", "a", "b", "c"}, runner.tasks())
}

func TestAgentsRunConcurrentlyOneTaskEach(t *testing.T) {
	runner := &fakeRunner{delay: 30 * time.Millisecond}
	p, _ := newTestPool(t, 3, runner, nil)

	for i := 0; i < 6; i++ {
		_, err := p.Submit("job", 0)
		require.NoError(t, err)
	}
	runPool(t, p)

	assert.Equal(t, 3, runner.maxSeen)
	pr := p.Progress()
	assert.Equal(t, Progress{Total: 6, Completed: 6, Percent: 100}, pr)

	perAgent := map[string]int{}
	for _, tk := range p.Tasks() {
		perAgent[tk.AgentID]++
		assert.Equal(t, TaskCompleted, tk.Status)
		assert.Contains(t, tk.Branch, "sprintloop/"+tk.AgentID+"/")
	}
	assert.Len(t, perAgent, 3)
	for _, a := range p.Agents() {
		assert.Equal(t, AgentIdle, a.Status)
		assert.Equal(t, 2, a.Completed)
	}
}

func TestFailedTaskIsNotRetried(t *testing.T) {
	runner := &fakeRunner{fail: map[string]bool{"bad": true}}
	bus := event.NewBus(50, zap.NewNop())
	var errs []event.Event
	var mu sync.Mutex
	bus.Subscribe(event.Error, func(e event.Event) {
		mu.Lock()
		errs = append(errs, e)
		mu.Unlock()
	})
	p, _ := newTestPool(t, 1, runner, bus)

	bad, err := p.Submit("bad", 5)
	require.NoError(t, err)
	_, err = p.Submit("good", 1)
	require.NoError(t, err)
	runPool(t, p)

	assert.Equal(t, []string{"bad", "good"}, runner.tasks())
	got, err := p.Task(bad.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, got.Status)
	assert.Equal(t, "agent loop failed: tool broke", got.Error)
	assert.NotEmpty(t, got.LoopID)

	mu.Lock()
	require.Len(t, errs, 1)
	assert.Equal(t, bad.ID, errs[0].Data["task_id"])
	mu.Unlock()

	a := p.Agents()[0]
	assert.Equal(t, AgentIdle, a.Status)
	assert.Equal(t, 1, a.Failed)
	assert.Equal(t, 1, a.Completed)
	assert.Equal(t, Progress{Total: 2, Completed: 1, Failed: 1, Percent: 100}, p.Progress())
}

func TestValidatorRejectionSkipsCommit(t *testing.T) {
	runner := &fakeRunner{}
	reject := ValidatorFunc(func(context.Context, *workspace.Workspace, *agent.LoopContext) error {
		return errors.New("lint failed")
	})
	p, _ := newTestPool(t, 1, runner, nil, WithValidator(reject))

	task, err := p.Submit("anything", 0)
	require.NoError(t, err)
	runPool(t, p)

	got, _ := p.Task(task.ID)
	assert.Equal(t, TaskFailed, got.Status)
	assert.Equal(t, "validation: lint failed", got.Error)
}

func TestTaskRunsInsideWorkspace(t *testing.T) {
	runner := &fakeRunner{}
	p, base := newTestPool(t, 1, runner, nil)

	_, err := p.Submit("inspect", 0)
	require.NoError(t, err)
	runPool(t, p)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.Len(t, runner.workdirs, 1)
	assert.NotEmpty(t, runner.workdirs[0])
	assert.NotEqual(t, base, runner.workdirs[0])
	assert.NoDirExists(t, runner.workdirs[0], "workspace released")
}

func TestAgentLoopChangesAreCommitted(t *testing.T) {
	reg := tool.NewRegistry(capability.NewDetector(capability.EnvServer), zap.NewNop())
	require.NoError(t, tool.RegisterBuiltins(reg, tool.BuiltinOptions{}))
	mgr := agent.NewManager(reg, nil, zap.NewNop())
	p, base := newTestPool(t, 2, mgr, nil)

	task, err := p.Submit(`create notes.txt with content "hello pool"`, 0)
	require.NoError(t, err)
	runPool(t, p)

	got, _ := p.Task(task.ID)
	require.Equal(t, TaskCompleted, got.Status, got.Error)
	assert.Equal(t, []string{"notes.txt"}, got.Changes)

	data, err := os.ReadFile(filepath.Join(base, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello pool", string(data))
}

func TestRunRejectsSecondScheduler(t *testing.T) {
	runner := &fakeRunner{delay: 50 * time.Millisecond}
	p, _ := newTestPool(t, 1, runner, nil)
	_, err := p.Submit("slow", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.True(t, p.Start(ctx))
	assert.False(t, p.Start(ctx))
	assert.ErrorIs(t, p.Run(ctx), ErrRunning)

	require.Eventually(t, func() bool { return !p.Running() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Progress{Total: 1, Completed: 1, Percent: 100}, p.Progress())
}

func TestPauseAndResumeAgent(t *testing.T) {
	p, _ := newTestPool(t, 2, &fakeRunner{}, nil)

	require.NoError(t, p.Pause("agent-1"))
	assert.Equal(t, AgentPaused, p.Agents()[0].Status)

	_, err := p.Submit("only agent-2 may take this", 0)
	require.NoError(t, err)
	runPool(t, p)
	assert.Equal(t, "agent-2", p.Tasks()[0].AgentID)

	require.NoError(t, p.Resume("agent-1"))
	assert.Equal(t, AgentIdle, p.Agents()[0].Status)
	assert.ErrorIs(t, p.Pause("agent-9"), ErrAgentNotFound)
}

func TestSubmitValidation(t *testing.T) {
	p, _ := newTestPool(t, 1, &fakeRunner{}, nil)
	_, err := p.Submit("   ", 1)
	assert.ErrorIs(t, err, ErrEmptyTask)
	_, err = p.Task("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestCancelledRunStopsInFlightTasks(t *testing.T) {
	runner := &fakeRunner{delay: 5 * time.Second}
	p, _ := newTestPool(t, 1, runner, nil)
	task, err := p.Submit("long", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Run(ctx), context.DeadlineExceeded)

	got, _ := p.Task(task.ID)
	assert.Equal(t, TaskFailed, got.Status)
	assert.False(t, p.Running())
}

func TestRunWithEndedContextReportsCancellation(t *testing.T) {
	runner := &fakeRunner{}
	p, _ := newTestPool(t, 1, runner, nil)
	task, err := p.Submit("never started", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Run(ctx), context.Canceled)

	got, _ := p.Task(task.ID)
	assert.Equal(t, TaskQueued, got.Status)
	assert.Empty(t, runner.tasks())
	assert.False(t, p.Running())

	empty, _ := newTestPool(t, 1, runner, nil)
	assert.ErrorIs(t, empty.Run(ctx), context.Canceled)
}

func TestCancelledRunNeverReportsDrained(t *testing.T) {
	for i := 0; i < 20; i++ {
		p, _ := newTestPool(t, 1, &fakeRunner{delay: 5 * time.Second}, nil)
		_, err := p.Submit("long", 0)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		err = p.Run(ctx)
		cancel()
		require.ErrorIs(t, err, context.DeadlineExceeded, "run %d", i)
	}
}
