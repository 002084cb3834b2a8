package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/actionunit/aumanager/backend/internal/app"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show network, session, queue and sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			s, err := a.Status(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), s)
			}
			printStatus(cmd, s)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func printStatus(cmd *cobra.Command, s app.Status) {
	w := cmd.OutOrStdout()

	network := "offline"
	if s.Network.Connected {
		network = "online (" + string(s.Network.Type) + ")"
	}
	fmt.Fprintf(w, "Network:   %s\n", network)

	if s.User != nil {
		fmt.Fprintf(w, "User:      %s <%s> %s, church %s\n", s.User.Name, s.User.Email, s.User.Role, s.User.Church)
	} else {
		fmt.Fprintf(w, "User:      signed out\n")
	}
	if s.TokenExpiry != nil {
		fmt.Fprintf(w, "Token:     expires %s\n", s.TokenExpiry.Local().Format(time.RFC1123))
	}
	if s.Access != "" {
		fmt.Fprintf(w, "Access:    %s\n", s.Access)
	}

	fmt.Fprintf(w, "Queue:     %d total, %d pending, %d retrying, %d dead\n",
		s.Queue.Total, s.Queue.Pending, s.Queue.Retrying, s.Queue.Dead)
	for t, n := range s.Queue.ByType {
		fmt.Fprintf(w, "           %-20s %d\n", t, n)
	}
	entities := 0
	for _, n := range s.Storage.EntitiesCount {
		entities += n
	}
	fmt.Fprintf(w, "Entities:  %d (%d bytes)\n", entities, s.Storage.StorageSize)

	if s.Storage.LastSuccessfulSync != nil {
		fmt.Fprintf(w, "Last sync: %s\n", s.Storage.LastSuccessfulSync.Local().Format(time.RFC1123))
	} else {
		fmt.Fprintf(w, "Last sync: never\n")
	}
	if len(s.History) > 0 {
		fmt.Fprintf(w, "\nRecent runs:\n")
		for _, r := range s.History {
			fmt.Fprintf(w, "  %s  %s\n", r.Timestamp.Local().Format("2006-01-02 15:04:05"), summarize(r))
		}
	}
}
