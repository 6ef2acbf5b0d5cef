package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ignite/mailflow/internal/app"
	"github.com/ignite/mailflow/internal/service/ingestion"
	"github.com/ignite/mailflow/internal/storage"
)

func deadLetterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dl"},
		Short:   "Inspect and replay dead-lettered ingestion tasks",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				entries, err := a.DeadLetters.ListDeadLetters(ctx, limit)
				if err != nil {
					return err
				}
				return printDeadLetters(cmd.OutOrStdout(), entries)
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 50, "maximum entries to show")

	replay := &cobra.Command{
		Use:   "replay <id>...",
		Short: "Re-enqueue dead letters with a fresh retry budget",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid dead letter id %q", arg)
				}
				ids = append(ids, id)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				for _, id := range ids {
					t, err := a.Protocol.Replay(ctx, a.DeadLetters, id)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "replayed %d as task %s (%s)\n", id, t.ID, t.Kind)
				}
				return nil
			})
		},
	}

	var (
		kind  string
		since time.Duration
	)
	archived := &cobra.Command{
		Use:   "archived",
		Short: "List dead letters kept in the long-term archive",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if a.Archive == nil {
					return fmt.Errorf("no dead letter archive configured")
				}
				to := time.Now().UTC()
				entries, err := a.Archive.List(ctx, kind, to.Add(-since), to)
				if err != nil {
					return err
				}
				return printArchived(cmd.OutOrStdout(), entries)
			})
		},
	}
	archived.Flags().StringVar(&kind, "kind", ingestion.TaskDSN, "task kind")
	archived.Flags().DurationVar(&since, "since", 7*24*time.Hour, "how far back to look")

	payload := &cobra.Command{
		Use:   "payload <key>",
		Short: "Print the raw payload of an archived dead letter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if a.Archive == nil {
					return fmt.Errorf("no dead letter archive configured")
				}
				body, err := a.Archive.Payload(ctx, args[0])
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(body)
				return err
			})
		},
	}

	cmd.AddCommand(list, replay, archived, payload)
	return cmd
}

func printDeadLetters(out io.Writer, entries []ingestion.DeadLetterEntry) error {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No dead letters")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTask\tKind\tAttempts\tFailed At\tError")
	fmt.Fprintln(w, "--\t----\t----\t--------\t---------\t-----")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
			e.ID, e.TaskID, e.Kind, e.Attempts,
			e.FailedAt.Format("2006-01-02 15:04:05"), truncate(e.LastError, 60))
	}
	return w.Flush()
}

func printArchived(out io.Writer, entries []storage.Archived) error {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No archived dead letters")
		return nil
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
