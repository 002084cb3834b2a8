// Command aucore is the diagnostic CLI of the Action Unit sync core. It
// opens the same local database as the host app, so it can inspect the
// queue, force a sync or export a snapshot on a support machine.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/actionunit/aumanager/backend/internal/app"
	"github.com/actionunit/aumanager/backend/internal/config"
	"github.com/actionunit/aumanager/backend/internal/logging"
)

// Version is set at build time.
var Version = "0.1.0"

var (
	configPath string
	dataDir    string
	baseURL    string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:           "aucore",
	Short:         "Inspect and drive the Action Unit offline sync core",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: aumanager.yaml in . or the data dir)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override storage.data_dir")
	rootCmd.PersistentFlags().StringVar(&baseURL, "api", "", "override api.base_url")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print machine-readable JSON")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "aucore v%s\n", Version)
	},
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader(configPath).Load()
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg)
	return cfg, nil
}

func applyOverrides(cfg *config.Config) {
	if dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	if baseURL != "" {
		cfg.API.BaseURL = baseURL
	}
	if cfg.Network.ProbeURL == "" {
		// Without a host app to report connectivity, reachability of the
		// API decides whether the CLI is online.
		cfg.Network.ProbeURL = cfg.API.BaseURL
	}
}

// withApp opens the sync core for the duration of fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := app.Open(ctx, cfg, app.WithoutScheduler())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	logging.Init(os.Stderr, logging.LevelWarn)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
