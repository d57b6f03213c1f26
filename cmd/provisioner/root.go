package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"webcrawler/provisioner/internal/config"
	"webcrawler/provisioner/internal/telemetry"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile  string
	logLevel string

	// cfg is populated by PersistentPreRunE and shared with all subcommands.
	cfg *config.Config

	// app holds all wired dependencies; populated by PersistentPreRunE.
	app *AppContext

	// logFile is the optional JSON log copy, closed by PersistentPostRun.
	logFile io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "provisioner",
	Short: "Provision the crawler's MongoDB principal and schema",
	Long: `provisioner creates the crawler's application user with readWrite and
dbAdmin on the target database, then ensures the sources, crawled_data and
crawl_logs collections and their indexes exist.

Without a subcommand it runs one bootstrap and exits.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runBootstrap,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(telemetry.NewLogger(os.Stderr, "text", logLevel))

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		// --log-level wins over the config file.
		if cmd.Flags().Changed("log-level") {
			cfg.Telemetry.LogLevel = logLevel
		}
		if err := initLogger(cfg.Telemetry); err != nil {
			return err
		}

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		app, err = buildAppContext(cmdContext(cmd), cfg)
		if err != nil {
			return fmt.Errorf("building app context: %w", err)
		}
		return nil
	}

	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if app != nil {
			app.Close()
		}
		if logFile != nil {
			logFile.Close() //nolint:errcheck
		}
	}

	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(serverCmd)
}

// Execute is the entry point called by main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("provisioner failed", "err", err)
		os.Exit(1)
	}
}

// initLogger installs the configured logger. Logs go to stderr; stdout is
// reserved for the JSON result.
func initLogger(tc config.TelemetryConfig) error {
	var copies []io.Writer
	if tc.LogFile != "" {
		f, err := os.OpenFile(tc.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		logFile = f
		copies = append(copies, f)
	}
	slog.SetDefault(telemetry.NewLogger(os.Stderr, tc.LogFormat, tc.LogLevel, copies...))
	return nil
}
