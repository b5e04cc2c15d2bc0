package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nidhogg/sprintloop/internal/agent"
	"github.com/nidhogg/sprintloop/internal/event"
	"github.com/spf13/cobra"
)

func newRunCmd(opts *options) *cobra.Command {
	var (
		mode    string
		asJSON  bool
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Run one agent loop to completion",
		Long: `Run a single agent loop in the foreground. Actions that need a human
decision are approved automatically unless --mode suggest is used, in
which case every proposed tool call is rejected and only reported.`,
		Example: `  sprintloop run "create notes.md containing \"hello\""
  sprintloop run "run go vet ./..." --mode autonomous`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runTask(ctx, opts, cmd.OutOrStdout(), strings.Join(args, " "), mode, asJSON, verbose)
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "autonomous, semi_autonomous or suggest (default agent.mode)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the final loop context as JSON")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print every event")
	return cmd
}

func runTask(ctx context.Context, opts *options, out io.Writer, task, mode string, asJSON, verbose bool) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger, err := opts.newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	var m agent.Mode
	if mode != "" {
		if m, err = agent.ParseMode(mode); err != nil {
			return err
		}
	}

	a, err := newApp(ctx, cfg, logger, buildOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	effective := m
	if effective == "" {
		effective, _ = agent.ParseMode(cfg.Agent.Mode)
	}
	// answer confirmations on the terminal's behalf
	approve := effective != agent.ModeSuggest
	unsub := a.bus.Subscribe(event.ActionProposed, func(e event.Event) {
		if needs, _ := e.Data["requires_confirmation"].(bool); !needs {
			return
		}
		go confirmWhenAwaiting(ctx, a.agents, e.AgentID, approve)
	})
	defer unsub()
	if verbose {
		unsubAll := a.bus.SubscribeAll(func(e event.Event) {
			fmt.Fprintf(out, "%-18s %v\n", e.Type, e.Data)
		})
		defer unsubAll()
	}

	lc, err := a.agents.ProcessMessage(a.toolContext(ctx), task, agent.StartOptions{Mode: m})
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(lc)
	}
	printLoop(out, lc)
	if lc.Status != agent.StatusCompleted {
		return fmt.Errorf("agent loop %s: %s", lc.Status, lc.Error)
	}
	return nil
}

// confirmWhenAwaiting answers the pending confirmation once the loop has
// parked on it. ActionProposed is emitted before the loop parks.
func confirmWhenAwaiting(ctx context.Context, m *agent.Manager, id string, approve bool) {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		lc, err := m.Get(id)
		if err != nil || lc.Status.Terminal() {
			return
		}
		if lc.Status == agent.StatusAwaitingConfirmation && m.Confirm(id, approve) == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

func printLoop(out io.Writer, lc *agent.LoopContext) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "loop\t%s\n", lc.ID)
	fmt.Fprintf(w, "status\t%s\n", lc.Status)
	fmt.Fprintf(w, "iterations\t%d\n", lc.Iterations)
	fmt.Fprintf(w, "progress\t%d%%\n", lc.Progress)
	if lc.Error != "" {
		fmt.Fprintf(w, "error\t%s\n", lc.Error)
	}
	w.Flush()
	for i, act := range lc.History {
		line := fmt.Sprintf("%2d. %-9s %-10s", i+1, act.Type, act.Status)
		if act.Tool != "" {
			line += " " + act.Tool
		}
		if act.Result != nil && act.Result.Error != "" {
			line += " (" + act.Result.Error + ")"
		}
		fmt.Fprintln(out, line)
	}
}
