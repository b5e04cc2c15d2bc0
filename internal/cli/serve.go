package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/nidhogg/sprintloop/internal/api"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(opts *options) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and event stream",
		Long: `Start the HTTP API with the agent loop manager, workflow executor and
agent pool. Events are streamed on /api/events/ws and mirrored to Redis
and chat notifiers when configured. Shuts down on SIGINT/SIGTERM.`,
		Example: `  sprintloop serve
  sprintloop serve --config /etc/sprintloop.json --port 9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, port)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port (overrides server.port)")
	return cmd
}

func runServe(ctx context.Context, opts *options, port int) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	logger, err := opts.newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a, err := newApp(ctx, cfg, logger, buildOptions{fanout: true, watch: true})
	if err != nil {
		return err
	}
	defer a.close()
	// background publishers stop before their clients close
	defer cancel()

	handler := api.NewHandler(ctx, api.Deps{
		Detector:  a.detector,
		Registry:  a.registry,
		Agents:    a.agents,
		Catalog:   a.catalog,
		Workflows: a.workflows,
		Pool:      a.pool,
		Bus:       a.bus,
		Metrics:   a.metrics,
		Store:     a.store,
	}, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Router(),
		// request contexts carry the tool workdir into loops they start
		BaseContext: func(net.Listener) context.Context { return a.toolContext(context.Background()) },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("sprintloop listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down sprintloop")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
