package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nidhogg/sprintloop/internal/agent"
	"github.com/nidhogg/sprintloop/internal/capability"
	"github.com/nidhogg/sprintloop/internal/config"
	"github.com/nidhogg/sprintloop/internal/event"
	"github.com/nidhogg/sprintloop/internal/mcp"
	"github.com/nidhogg/sprintloop/internal/metrics"
	"github.com/nidhogg/sprintloop/internal/notify"
	"github.com/nidhogg/sprintloop/internal/pool"
	"github.com/nidhogg/sprintloop/internal/store"
	"github.com/nidhogg/sprintloop/internal/tool"
	"github.com/nidhogg/sprintloop/internal/workflow"
	"github.com/nidhogg/sprintloop/internal/workspace"
	"go.uber.org/zap"
)

// app is the assembled service graph.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	detector  *capability.Detector
	metrics   *metrics.Metrics
	registry  *tool.Registry
	bus       *event.Bus
	agents    *agent.Manager
	catalog   *workflow.Catalog
	workflows *workflow.Executor
	pool      *pool.Pool
	store     *store.Store
	relay     *event.Relay
	notifier  *notify.Notifier
	mcp       *mcp.Bridge

	cleanup []func()
}

// buildOptions select the optional outer services.
type buildOptions struct {
	// fanout connects the Redis relay and the chat notifiers.
	fanout bool
	// watch reloads workflow templates when their directory changes.
	watch bool
}

// newApp wires every service from cfg. Unreachable optional backends
// (Postgres, Redis, MCP servers, chat platforms) are logged and skipped.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, bo buildOptions) (*app, error) {
	env, err := capability.ParseEnvironment(cfg.Environment)
	if err != nil {
		return nil, err
	}
	mode, err := agent.ParseMode(cfg.Agent.Mode)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	a.detector = capability.NewDetector(env)
	a.metrics = metrics.New()
	a.registry = tool.NewRegistry(a.detector, logger,
		tool.WithLogSize(cfg.Tools.LogSize),
		tool.WithObserver(a.metrics))
	if err := tool.RegisterBuiltins(a.registry, tool.BuiltinOptions{CommandTimeout: cfg.Tools.CommandTimeout.Std()}); err != nil {
		return nil, fmt.Errorf("register builtin tools: %w", err)
	}
	logger.Info("capabilities detected",
		zap.String("environment", string(env)),
		zap.Int("tools", len(a.registry.Definitions())))

	a.mcp = mcp.NewBridge(a.registry, logger)
	a.cleanup = append(a.cleanup, func() { a.mcp.Close() })
	for _, sc := range cfg.MCP.Servers {
		if err := a.mcp.Connect(ctx, sc); err != nil {
			logger.Warn("MCP server unavailable", zap.String("name", sc.Name), zap.Error(err))
		}
	}

	a.bus = event.NewBus(cfg.Events.HistorySize, logger)
	a.cleanup = append(a.cleanup, a.metrics.Subscribe(a.bus))

	if cfg.Database.Postgres.DSN != "" {
		st, err := store.New(ctx, cfg.Database.Postgres.DSN, logger)
		if err != nil {
			logger.Warn("PostgreSQL unavailable, running without archive", zap.Error(err))
		} else if err := st.Migrate(ctx, cfg.Database.Postgres.Migrations); err != nil {
			st.Close()
			a.close()
			return nil, fmt.Errorf("migrate: %w", err)
		} else {
			a.store = st
			a.cleanup = append(a.cleanup, st.Close)
		}
	}

	if bo.fanout {
		a.connectFanout(ctx)
	}

	agentOpts := []agent.Option{
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithDefaultMode(mode),
	}
	execOpts := []workflow.ExecutorOption{workflow.WithWaitDelay(cfg.Workflow.WaitStep.Std())}
	var poolOpts []pool.Option
	if a.store != nil {
		agentOpts = append(agentOpts, agent.WithArchiver(a.store))
		execOpts = append(execOpts, workflow.WithArchiver(a.store))
		poolOpts = append(poolOpts, pool.WithArchiver(a.store))
	}

	a.agents = agent.NewManager(a.registry, a.bus, logger, agentOpts...)

	a.catalog = workflow.NewCatalog(logger)
	a.cleanup = append(a.cleanup, func() { a.catalog.Close() })
	if dir := cfg.Workflow.TemplatesDir; dir != "" {
		if _, err := a.catalog.LoadDir(dir); err != nil {
			logger.Warn("workflow templates not loaded", zap.String("dir", dir), zap.Error(err))
		} else if bo.watch && cfg.Workflow.Watch {
			if err := a.catalog.Watch(ctx, dir, 0); err != nil {
				logger.Warn("workflow template watch failed", zap.Error(err))
			}
		}
	}
	a.workflows = workflow.NewExecutor(a.catalog, a.registry, a.bus, logger, execOpts...)

	base := cfg.Pool.WorkspaceBase
	if base == "" {
		base = a.workdir()
	}
	ws := workspace.NewManager(base, cfg.Pool.WorkspaceRoot, logger)
	a.pool = pool.New(pool.Config{
		Size:         cfg.Pool.Size,
		PollInterval: cfg.Pool.PollInterval.Std(),
		CoolDown:     cfg.Pool.CoolDown.Std(),
	}, a.agents, ws, a.bus, logger, poolOpts...)
	a.metrics.ObservePool(a.pool)

	return a, nil
}

func (a *app) connectFanout(ctx context.Context) {
	cfg := a.cfg
	if cfg.Database.Redis.URL != "" {
		relay, err := event.NewRelay(cfg.Database.Redis.URL, cfg.Database.Redis.Stream, a.logger)
		if err != nil {
			a.logger.Warn("Redis unavailable, running without event relay", zap.Error(err))
		} else {
			a.relay = relay
			a.cleanup = append(a.cleanup, relay.Attach(ctx, a.bus), func() { relay.Close() })
		}
	}

	n := notify.NewNotifier(a.logger)
	if sc := cfg.Notify.Slack; sc.Enabled && sc.BotToken != "" {
		n.Register(notify.NewSlackAdapter(sc.BotToken, sc.ChannelID, a.logger))
	}
	if dc := cfg.Notify.Discord; dc.Enabled && dc.BotToken != "" {
		n.Register(notify.NewDiscordAdapter(dc.BotToken, dc.ChannelID, a.logger))
	}
	if len(n.Adapters()) == 0 {
		return
	}
	if err := n.ConnectAll(ctx); err != nil {
		a.logger.Warn("some notify adapters failed to connect", zap.Error(err))
	}
	a.notifier = n
	a.cleanup = append(a.cleanup, n.Subscribe(a.bus), func() { n.Close() })
	go n.Run(ctx)
}

// workdir is the directory file and shell tools are confined to.
func (a *app) workdir() string {
	if a.cfg.Tools.Workdir != "" {
		return a.cfg.Tools.Workdir
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

// toolContext scopes ctx to the configured workdir.
func (a *app) toolContext(ctx context.Context) context.Context {
	return tool.WithWorkdir(ctx, a.workdir())
}

// close releases resources in reverse construction order.
func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second
