package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/actionunit/aumanager/backend/internal/app"
	"github.com/actionunit/aumanager/backend/internal/config"
	"github.com/actionunit/aumanager/backend/internal/logging"
)

var runListen string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Keep the sync core running in the foreground",
	Long: `Keep the sync core running in the foreground.

The scheduler syncs on reconnect and on the configured interval while the
prober watches API reachability. Health, status and Prometheus metrics are
served on --listen. Edits to the log level in the config file apply without
a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		loader := config.NewLoader(configPath)
		cfg, err := loader.Load()
		if err != nil {
			return err
		}
		applyOverrides(cfg)

		ctx := cmd.Context()
		a, err := app.Open(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if loader.ConfigFile() != "" {
			loader.Watch(a.ApplyConfig, func(err error) {
				logging.Warn("[Config] Ignoring invalid edit", map[string]interface{}{"error": err.Error()})
			})
		}

		srv := &http.Server{Addr: runListen, Handler: a.Handler(), ReadHeaderTimeout: 5 * time.Second}
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.ListenAndServe()
		}()
		fmt.Fprintf(cmd.OutOrStdout(), "aucore running, diagnostics on %s\n", runListen)

		select {
		case <-ctx.Done():
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	runCmd.Flags().StringVar(&runListen, "listen", "127.0.0.1:9464", "address of the diagnostics endpoints")
	rootCmd.AddCommand(runCmd)
}
