package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ignite/mailflow/internal/app"
)

func messageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Inspect and drive message completion",
	}

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a message with per-status mail counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				sum, err := a.Aggregator.Summarize(ctx, args[0])
				if err != nil {
					return err
				}
				data, err := json.MarshalIndent(sum, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal summary: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			})
		},
	}

	recheck := &cobra.Command{
		Use:   "recheck <id>...",
		Short: "Complete sending messages whose mails have all settled",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				for _, id := range args {
					done, err := a.Aggregator.Recheck(ctx, id)
					if err != nil {
						return err
					}
					state := "still pending"
					if done {
						state = "completed"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", id, state)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(show, recheck)
	return cmd
}
