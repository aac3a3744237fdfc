package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"qbcorrelate/internal/diff"
)

var diffContext int

// diffCmd compares two CSV reports
var diffCmd = &cobra.Command{
	Use:   "diff [old.csv] [new.csv]",
	Short: "Compare two reports row by row",
	Long: `Shows which report rows were added or removed between two runs, for example
after changing the lookback window or the query filter.`,
	Args: cobra.ExactArgs(2),
	RunE: runDiff,
}

func runDiff(cmd *cobra.Command, args []string) error {
	e := diff.NewEngine()
	e.Context = diffContext

	d, err := e.Files(args[0], args[1])
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if d.Equal() {
		fmt.Fprintln(w, "Reports are identical.")
		return nil
	}
	if err := diff.Write(w, d); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d rows added, %d rows removed\n", d.Added, d.Removed)
	return nil
}
