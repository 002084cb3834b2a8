package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/actionunit/aumanager/backend/internal/app"
	"github.com/actionunit/aumanager/backend/internal/export"
)

var (
	exportOut      string
	exportPassword string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the local data and queue to an archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			res, err := export.NewExportService(a.Store).Export(ctx, &export.ExportConfig{
				OutputPath: exportOut,
				Password:   exportPassword,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d record(s) to %s (%d bytes, sha256 %s)\n",
				res.ItemCount, res.FilePath, res.SizeBytes, res.Checksum)
			return nil
		})
	},
}

var inspectPassword string

var inspectCmd = &cobra.Command{
	Use:   "inspect <archive>",
	Short: "Verify an export archive and print its manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := export.ReadArchive(args[0], inspectPassword)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), c.Manifest)
		}
		m := c.Manifest
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %s, %d record(s), %d queued\n",
			m.ExportedAt.Local().Format("2006-01-02 15:04:05"), m.ItemCount, m.QueueCount)
		for t, n := range m.Counts {
			fmt.Fprintf(cmd.OutOrStdout(), "  %-20s %d\n", t, n)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "archive path (default exports/aumanager_<timestamp>.tar.gz)")
	exportCmd.Flags().StringVar(&exportPassword, "password", "", "encrypt the archive with this password")
	inspectCmd.Flags().StringVar(&inspectPassword, "password", "", "password of an encrypted archive")

	exportCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(exportCmd)
}
