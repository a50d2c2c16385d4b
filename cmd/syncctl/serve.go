package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/prabhask5/goal-planner/internal/remoteserver"
	"github.com/prabhask5/goal-planner/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var addr, dbPath, logLevel, logFormat string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference remote store for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			telemetry.Configure(telemetry.Options{Level: logLevel, Format: logFormat})
			log := telemetry.Component("syncctl-serve")

			if dbPath == "" {
				dbPath = "./data/remote.db"
			}
			srv, err := remoteserver.Open(dbPath)
			if err != nil {
				return fmt.Errorf("open remote store: %w", err)
			}
			defer srv.Close()

			httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go func() {
				<-ctx.Done()
				_ = httpSrv.Close()
			}()

			log.Info().Str("addr", addr).Str("db", dbPath).Msg("reference remote listening")
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8787", "listen address")
	cmd.Flags().StringVar(&dbPath, "db", "", "path to reference remote's SQLite file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "text|json")
	return cmd
}
