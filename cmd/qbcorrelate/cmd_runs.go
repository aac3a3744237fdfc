package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"qbcorrelate/internal/store"
)

// runsCmd lists runs stored in the SQLite database
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List correlation runs stored in the SQLite database",
	Args:  cobra.NoArgs,
	RunE:  listRuns,
}

func listRuns(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	path := cfg.Output.SQLite
	if cmd.Flags().Changed("sqlite") {
		path = runFlags.sqlite
	}
	if path == "" {
		return fmt.Errorf("no database configured (set --sqlite or output.sqlite)")
	}

	s, err := store.Open(path, store.WithLogger(log()))
	if err != nil {
		return err
	}
	defer s.Close()

	runs, err := s.Runs(ctx)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tASSESSMENT\tSUBJECT\tUNMATCHED\tLOOKBACK\tFILTER")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), r.AssessmentRecords, r.SubjectRecords, r.Unmatched,
			r.Lookback, r.Filter)
	}
	return tw.Flush()
}
