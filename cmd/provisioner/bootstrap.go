package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"webcrawler/provisioner/internal/provisioner"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Run one bootstrap and exit",
	Long: `Bootstrap ensures the application principal, then the collections and
indexes of the target database. It prints the JSON result to stdout.

Failures are logged and recorded in the result. The exit code is non-zero
only when the run could not start (another process holds the lock) or when
bootstrap.strict is set and a phase failed.`,
	RunE: runBootstrap,
}

func runBootstrap(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmdContext(cmd), cfg.Bootstrap.Timeout)
	defer cancel()

	result, err := app.provisioner.RunBootstrap(ctx)
	return reportBootstrap(os.Stdout, result, err)
}

// reportBootstrap prints what a run produced and returns the error that
// decides the exit code: non-nil when the run could not start or when a
// strict run finished with status error.
func reportBootstrap(w io.Writer, result *provisioner.BootstrapResult, err error) error {
	if err != nil {
		if errors.Is(err, provisioner.ErrLockHeld) {
			printJSON(w, map[string]string{"status": provisioner.StatusSkipped, "error": err.Error()})
		}
		return fmt.Errorf("bootstrap not run: %w", err)
	}

	result.Lock()
	printJSON(w, result)
	status := result.Status
	result.Unlock()

	switch status {
	case provisioner.StatusError:
		return errors.New("bootstrap completed with errors")
	case provisioner.StatusWarning:
		slog.Warn("bootstrap finished with non-fatal failures, see result")
	}
	return nil
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Error("encoding result failed", "err", err)
	}
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
