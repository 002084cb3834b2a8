package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/actionunit/aumanager/backend/internal/app"
	"github.com/actionunit/aumanager/backend/internal/models"
)

var syncType string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push queued changes to the server now",
	Long: `Push queued changes to the server now.

The run needs a reachable API and a signed-in session. With --type only the
queued operations of that entity type are pushed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var only models.EntityType
		if syncType != "" {
			t, err := models.ParseEntityType(syncType)
			if err != nil {
				return err
			}
			only = t
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			var res models.SyncResult
			if only != "" {
				res = a.Engine.SyncEntityType(ctx, only)
			} else {
				res = a.Scheduler.SyncNow(ctx)
			}
			if jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), summarize(res))
				for _, e := range res.Errors {
					fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", e)
				}
			}
			if !res.Success {
				return fmt.Errorf("sync did not complete")
			}
			return nil
		})
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncType, "type", "", "only sync this entity type")
	rootCmd.AddCommand(syncCmd)
}

// summarize renders a run result on one line.
func summarize(r models.SyncResult) string {
	var b strings.Builder
	if r.Success {
		b.WriteString("ok")
	} else {
		b.WriteString("failed")
	}
	fmt.Fprintf(&b, ": %d synced, %d failed", r.SyncedItems, r.FailedItems)
	if r.DeferredItems > 0 {
		fmt.Fprintf(&b, ", %d deferred", r.DeferredItems)
	}
	if r.EntityType != "" {
		fmt.Fprintf(&b, " [%s]", r.EntityType)
	}
	if r.AuthFailed {
		b.WriteString(" (signed out)")
	}
	return b.String()
}
