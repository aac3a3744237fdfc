package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"qbcorrelate/internal/pipeline"
	"qbcorrelate/internal/record"
	"qbcorrelate/internal/snapshot"
)

var parseFlags struct {
	role     string
	filter   string
	snapshot string
}

// parseCmd reassembles and annotates a single log
var parseCmd = &cobra.Command{
	Use:   "parse [file]",
	Short: "Reassemble and annotate one log and print its statistics",
	Long: `Reads one query log, reassembles its multi-line records, extracts identifiers
with the assessment or subject profile and prints record counts.

With --snapshot the annotated records are written out for a later replay.`,
	Args: cobra.ExactArgs(1),
	RunE: runParse,
}

func runParse(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	if cmd.Flags().Changed("filter") {
		cfg.QueryFilterRegex = parseFlags.filter
	}

	p, err := pipeline.New(cfg, log())
	if err != nil {
		return err
	}

	var kinds []record.Kind
	switch parseFlags.role {
	case "assessment":
		kinds = p.AssessmentKinds()
	case "subject", "":
		kinds = p.SubjectKinds()
	default:
		return fmt.Errorf("unknown role %q (valid: assessment, subject)", parseFlags.role)
	}

	recs, stats, err := p.ParseFile(ctx, args[0], kinds, 0)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s\n", args[0])
	fmt.Fprintf(w, "  Lines:     %d\n", stats.Lines)
	fmt.Fprintf(w, "  Records:   %d\n", stats.Records)
	fmt.Fprintf(w, "  Discarded: %d\n", stats.Discarded)
	fmt.Fprintf(w, "  Retained:  %d\n", stats.Retained())
	fmt.Fprintf(w, "  Orphans:   %d\n", stats.Orphans)
	if len(recs) > 0 {
		fmt.Fprintf(w, "  Span:      %s .. %s\n",
			recs[0].Timestamp.Format(time.RFC3339), recs[len(recs)-1].Timestamp.Format(time.RFC3339))
	}
	for _, k := range kinds {
		fmt.Fprintf(w, "  No %s:     %d\n", k, p.Misses()[k])
	}

	if parseFlags.snapshot != "" {
		if err := snapshot.WriteFile(parseFlags.snapshot, recs); err != nil {
			return err
		}
		fmt.Fprintf(w, "Snapshot: %s\n", parseFlags.snapshot)
	}
	return nil
}
