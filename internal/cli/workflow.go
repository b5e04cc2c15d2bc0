package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/nidhogg/sprintloop/internal/workflow"
	"github.com/spf13/cobra"
)

func newWorkflowCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "List and run workflow templates",
	}
	cmd.AddCommand(newWorkflowListCmd(opts), newWorkflowRunCmd(opts))
	return cmd
}

func newWorkflowListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available workflow templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.offlineApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tVERSION\tSTEPS\tVARIABLES\tDESCRIPTION")
			for _, t := range a.catalog.List() {
				names := make([]string, 0, len(t.Variables))
				for _, v := range t.Variables {
					n := v.Name
					if v.Required {
						n += "*"
					}
					names = append(names, n)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", t.ID, t.Version, len(t.Steps), strings.Join(names, ","), t.Description)
			}
			return w.Flush()
		},
	}
}

func newWorkflowRunCmd(opts *options) *cobra.Command {
	var (
		vars   []string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:     "run <template-id>",
		Short:   "Execute a workflow template in the foreground",
		Example: `  sprintloop workflow run create-file --var path=notes.md --var content=hello`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseVars(vars)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorkflow(ctx, opts, cmd.OutOrStdout(), args[0], values, asJSON)
		},
	}
	cmd.Flags().StringArrayVar(&vars, "var", nil, "Template variable as key=value (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the final execution as JSON")
	return cmd
}

func runWorkflow(ctx context.Context, opts *options, out io.Writer, id string, vars map[string]any, asJSON bool) error {
	a, err := opts.offlineApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	e, err := a.workflows.Run(a.toolContext(ctx), id, vars)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(e); err != nil {
			return err
		}
	} else {
		printExecution(out, e)
	}
	if e.Status != workflow.StatusCompleted {
		return fmt.Errorf("workflow %s %s: %s", e.TemplateID, e.Status, e.Error)
	}
	return nil
}

// parseVars turns key=value pairs into variables. Values that parse as
// JSON scalars (numbers, booleans) keep their type.
func parseVars(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --var %q, want key=value", p)
		}
		out[k] = scalar(v)
	}
	return out, nil
}

func scalar(v string) any {
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return float64(i)
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}

func printExecution(out io.Writer, e *workflow.Execution) {
	fmt.Fprintf(out, "execution %s (%s) %s %d%%\n", e.ID, e.TemplateID, e.Status, e.Progress)
	for _, s := range e.Steps {
		line := fmt.Sprintf("  %-10s %s", s.Status, s.ID)
		if s.Error != "" {
			line += ": " + s.Error
		}
		fmt.Fprintln(out, line)
	}
	if e.Error != "" {
		fmt.Fprintf(out, "error: %s\n", e.Error)
	}
	keys := make([]string, 0, len(e.Output))
	for k := range e.Output {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "  %s = %v\n", k, e.Output[k])
	}
}
