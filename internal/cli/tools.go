package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newToolsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List registered tools and whether they can run here",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.offlineApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "environment: %s\n\n", a.detector.Environment())
			fmt.Fprintln(w, "NAME\tAVAILABLE\tAPPROVAL\tMISSING")
			for _, d := range a.registry.Definitions() {
				check := a.registry.Check(d.Name)
				missing := make([]string, 0, len(check.Missing))
				for _, m := range check.Missing {
					missing = append(missing, string(m))
				}
				fmt.Fprintf(w, "%s\t%t\t%t\t%s\n", d.Name, check.CanExecute, d.RequiresApproval, strings.Join(missing, ","))
			}
			return w.Flush()
		},
	}
}

// offlineApp builds the services for a one-shot command: no Redis relay,
// no notifiers, no template watch.
func (o *options) offlineApp(ctx context.Context) (*app, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := o.newLogger(cfg)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, logger, buildOptions{})
}
