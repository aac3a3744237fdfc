package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"qbcorrelate/internal/config"
	"qbcorrelate/internal/diff"
	"qbcorrelate/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Loaded configuration
	cfg *config.Config

	// Logger
	logger *zap.Logger

	// Set with -ldflags "-X main.version=..."
	version = "dev"
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "qbcorrelate",
	Short: "Correlate query-builder preview queries with subject queries",
	Long: `qbcorrelate reassembles multi-line timestamped records from two query logs,
extracts subject, instrument and study identifiers, and links every assessment
(preview) query to the subject queries issued in the same hour plus the most
recent earlier one inside the lookback window.

The result is a CSV report, optionally mirrored into a SQLite database.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		logger, err = logging.New(cfg.Logging, verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.For(logger, cfg.Logging, logging.CategoryBoot).Debug("Configuration loaded",
			zap.String("config", configPath),
			zap.String("assessment", cfg.Input.Assessment),
			zap.String("subject", cfg.Input.Subject))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "qbcorrelate %s\n", version)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "qbcorrelate.yaml", "Config file")

	// Run flags
	runCmd.Flags().StringVar(&runFlags.assessment, "assessment", "", "Assessment (preview) query log")
	runCmd.Flags().StringVar(&runFlags.subject, "subject", "", "Subject query log")
	runCmd.Flags().StringVar(&runFlags.filter, "filter", "", "Keep only records matching this regex")
	runCmd.Flags().StringVarP(&runFlags.out, "out", "o", "", "CSV report path")
	runCmd.Flags().StringVar(&runFlags.sqlite, "sqlite", "", "Also store the report in this SQLite database")
	runCmd.Flags().StringVar(&runFlags.snapshotDir, "snapshot-dir", "", "Write annotated records to this directory")
	runCmd.Flags().StringVar(&runFlags.lookback, "lookback", "", "Prior-record lookback window (e.g. 8h)")
	runCmd.Flags().IntVar(&runFlags.workers, "workers", 0, "Correlation workers (0 = NumCPU)")

	// Replay shares the output flags
	replayCmd.Flags().StringVarP(&runFlags.out, "out", "o", "", "CSV report path")
	replayCmd.Flags().StringVar(&runFlags.sqlite, "sqlite", "", "Also store the report in this SQLite database")
	replayCmd.Flags().StringVar(&runFlags.lookback, "lookback", "", "Prior-record lookback window (e.g. 8h)")
	replayCmd.Flags().IntVar(&runFlags.workers, "workers", 0, "Correlation workers (0 = NumCPU)")

	// Parse flags
	parseCmd.Flags().StringVar(&parseFlags.role, "role", "subject", "Which extraction profile to apply: assessment or subject")
	parseCmd.Flags().StringVar(&parseFlags.filter, "filter", "", "Keep only records matching this regex")
	parseCmd.Flags().StringVar(&parseFlags.snapshot, "snapshot", "", "Write annotated records to this file (.zst compresses)")

	// Config subcommands
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	// Diff flags
	diffCmd.Flags().IntVarP(&diffContext, "context", "U", diff.DefaultContext, "Unchanged rows shown around each change")

	// Runs flags
	runsCmd.Flags().StringVar(&runFlags.sqlite, "sqlite", "", "SQLite database (default: output.sqlite)")

	// Add commands to root
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(parseCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext derives a context from cmd that is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// log returns the current logger, or a no-op logger before initialization.
func log() *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
