package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/actionunit/aumanager/backend/internal/app"
	"github.com/actionunit/aumanager/backend/internal/models"
	"github.com/actionunit/aumanager/backend/internal/uuid"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and repair the offline mutation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every queued operation",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			entries, err := a.Queue.List(ctx)
			if err != nil {
				return err
			}
			return printEntries(cmd, entries)
		})
	},
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List operations that exhausted their retries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			entries, err := a.Queue.DeadLetters(ctx)
			if err != nil {
				return err
			}
			return printEntries(cmd, entries)
		})
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry [id...]",
	Short: "Re-arm dead operations, all of them when no id is given",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, id := range args {
			if err := uuid.Validate(id); err != nil {
				return fmt.Errorf("invalid queue id %q: %w", id, err)
			}
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			n, err := a.Queue.Requeue(ctx, args...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d operation(s)\n", n)
			return nil
		})
	},
}

var queueClearYes bool

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every queued operation without syncing it",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !queueClearYes {
			return fmt.Errorf("clearing discards unsynced changes; pass --yes to confirm")
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Queue.Clear(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Queue cleared")
			return nil
		})
	},
}

func init() {
	queueClearCmd.Flags().BoolVar(&queueClearYes, "yes", false, "confirm discarding unsynced changes")

	queueCmd.AddCommand(queueListCmd, queueDeadCmd, queueRetryCmd, queueClearCmd)
	rootCmd.AddCommand(queueCmd)
}

func printEntries(cmd *cobra.Command, entries []models.QueueEntry) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tOP\tTYPE\tENTITY\tRETRIES\tQUEUED\tLAST ERROR")
	for _, e := range entries {
		retries := fmt.Sprintf("%d", e.RetryCount)
		if e.Dead {
			retries += " (dead)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.Operation, e.EntityType, e.EntityID, retries,
			e.Timestamp.Local().Format("2006-01-02 15:04"), e.LastError)
	}
	return tw.Flush()
}
