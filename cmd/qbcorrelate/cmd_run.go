package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"qbcorrelate/internal/pipeline"
	"qbcorrelate/internal/record"
)

var runFlags struct {
	assessment  string
	subject     string
	filter      string
	out         string
	sqlite      string
	snapshotDir string
	lookback    string
	workers     int
}

// runCmd executes a full correlation run
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Parse both logs, correlate them and write the report",
	Long: `Runs the full pipeline:
  1. Reassemble and annotate the assessment and subject logs in parallel
  2. Correlate every assessment record against the subject records
  3. Write one row group per assessment record to the CSV report (and SQLite)`,
	Args: cobra.NoArgs,
	RunE: runCorrelation,
}

// replayCmd re-correlates previously written snapshots
var replayCmd = &cobra.Command{
	Use:   "replay [assessment-snapshot] [subject-snapshot]",
	Short: "Correlate two snapshot files without re-parsing the logs",
	Args:  cobra.ExactArgs(2),
	RunE:  runReplay,
}

// applyRunFlags copies explicitly set flags over the loaded configuration.
func applyRunFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("assessment") {
		cfg.Input.Assessment = runFlags.assessment
	}
	if flags.Changed("subject") {
		cfg.Input.Subject = runFlags.subject
	}
	if flags.Changed("filter") {
		cfg.QueryFilterRegex = runFlags.filter
	}
	if flags.Changed("out") {
		cfg.Output.CSV = runFlags.out
	}
	if flags.Changed("sqlite") {
		cfg.Output.SQLite = runFlags.sqlite
	}
	if flags.Changed("snapshot-dir") {
		cfg.Output.SnapshotDir = runFlags.snapshotDir
	}
	if flags.Changed("lookback") {
		cfg.Correlate.Lookback = runFlags.lookback
	}
	if flags.Changed("workers") {
		cfg.Correlate.Workers = runFlags.workers
	}
}

func runCorrelation(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	applyRunFlags(cmd)
	if err := cfg.Validate(); err != nil {
		return err
	}

	p, err := pipeline.New(cfg, log())
	if err != nil {
		return err
	}
	sum, err := p.Run(ctx)
	if err != nil {
		return err
	}

	printSummary(cmd.OutOrStdout(), sum, cfg.Output.CSV)
	if a, s := p.SnapshotPaths(); a != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Snapshots: %s, %s\n", a, s)
	}
	return nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	applyRunFlags(cmd)
	if err := cfg.ValidateSettings(); err != nil {
		return err
	}

	p, err := pipeline.New(cfg, log())
	if err != nil {
		return err
	}
	log().Info("Replaying snapshots", zap.Strings("files", args))
	sum, err := p.Replay(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), sum, cfg.Output.CSV)
	return nil
}

func printSummary(w io.Writer, sum *pipeline.Summary, csvPath string) {
	fmt.Fprintf(w, "Run %s\n", sum.RunID)
	fmt.Fprintf(w, "  Assessment: %d records (%d retained, %d discarded)\n",
		sum.Assessment.Records, sum.Assessment.Retained(), sum.Assessment.Discarded)
	fmt.Fprintf(w, "  Subject:    %d records (%d retained, %d discarded)\n",
		sum.Subject.Records, sum.Subject.Retained(), sum.Subject.Discarded)
	fmt.Fprintf(w, "  Groups: %d, rows: %d, unmatched: %d\n", sum.Groups, sum.Rows, sum.Unmatched)

	if len(sum.Misses) > 0 {
		kinds := make([]record.Kind, 0, len(sum.Misses))
		for k := range sum.Misses {
			kinds = append(kinds, k)
		}
		sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
		for _, k := range kinds {
			fmt.Fprintf(w, "  No %s found in %d records\n", k, sum.Misses[k])
		}
	}
	if csvPath != "" {
		fmt.Fprintf(w, "Report: %s\n", csvPath)
	}
	fmt.Fprintf(w, "Elapsed: %s\n", sum.Elapsed.Round(time.Millisecond))
}
