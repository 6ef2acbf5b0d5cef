package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ignite/mailflow/internal/app"
	"github.com/ignite/mailflow/internal/queue/redisq"
)

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the ingestion task queue",
	}
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth (Redis backend only)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				q, ok := a.Queue.(*redisq.Queue)
				if !ok {
					return fmt.Errorf("queue stats are only available for the redis backend; use the SQS console for %q", a.Config.Queue.Backend)
				}
				s, err := q.Stats(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "Ready\tDelayed\tIn Flight")
				fmt.Fprintf(w, "%d\t%d\t%d\n", s.Ready, s.Delayed, s.InFlight)
				return w.Flush()
			})
		},
	}
	cmd.AddCommand(stats)
	return cmd
}
