package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Report what exists on the target database without changing it",
	Long: `Inspect reads the principal's grants and the collections and indexes of
the target database, prints them as JSON and lists every difference from
the declared layout. It exits non-zero when drift is found.`,
	RunE: runInspect,
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmdContext(cmd), cfg.Bootstrap.Timeout)
	defer cancel()

	inv, err := app.provisioner.Inspect(ctx)
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", cfg.Bootstrap.TargetDB, err)
	}
	printJSON(os.Stdout, inv)

	if !inv.Clean() {
		for _, d := range inv.Drift {
			slog.Warn("drift", "detail", d)
		}
		return fmt.Errorf("%d differences from the declared layout", len(inv.Drift))
	}
	slog.Info("target database matches the declared layout", "target_db", inv.TargetDB)
	return nil
}
