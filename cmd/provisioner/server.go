package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runOnStart bool

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Serve the health and bootstrap API",
	Long: `Start the HTTP server on the configured port (default :8082).

POST /api/v1/bootstrap triggers a run, GET /ready turns 200 after a run that
finished ok. With --bootstrap the first run starts immediately. The server
shuts down cleanly on SIGTERM or SIGINT.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().BoolVar(&runOnStart, "bootstrap", false, "run a bootstrap as soon as the server starts")
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      app.router.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("provisioner server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if runOnStart {
		go func() {
			runCtx, cancel := context.WithTimeout(ctx, cfg.Bootstrap.Timeout)
			defer cancel()
			if _, err := app.provisioner.RunBootstrap(runCtx); err != nil {
				slog.Warn("startup bootstrap not run", "err", err)
			}
		}()
	}

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("server stopped cleanly")
	return nil
}
