// Package diff compares two correlation reports row by row, so a rerun with a
// different lookback or filter can be reviewed as a set of changed row groups.
package diff

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"qbcorrelate/internal/report"
)

// LineType represents the type of diff line
type LineType int

const (
	LineContext LineType = iota // Unchanged row
	LineAdded                   // Row only in the new report
	LineRemoved                 // Row only in the old report
)

// DefaultContext is the number of unchanged rows shown around a change.
const DefaultContext = 3

// Line is one report row in a hunk. LineNum is 1-based among data rows, in
// the old report for context and removed rows and the new report for added ones.
type Line struct {
	LineNum int
	Row     report.Row
	Type    LineType
}

// Hunk represents a group of changes
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []Line
}

// ReportDiff is the comparison of two reports.
type ReportDiff struct {
	OldPath string
	NewPath string
	Hunks   []Hunk
	Added   int
	Removed int
}

// Equal reports whether both reports hold the same rows.
func (d *ReportDiff) Equal() bool { return d.Added == 0 && d.Removed == 0 }

// Engine computes report diffs.
type Engine struct {
	dmp *diffmatchpatch.DiffMatchPatch
	// Context is the number of unchanged rows around each change.
	Context int
}

// NewEngine creates a diff engine with DefaultContext rows of context.
func NewEngine() *Engine {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0 // exact diffs, reports are compared offline
	return &Engine{dmp: dmp, Context: DefaultContext}
}

// maxDistinctRows is the number of distinct rows a single comparison can
// encode, one Unicode scalar value per row.
const maxDistinctRows = utf8.MaxRune + 1 - (surrogateMax - surrogateMin + 1)

const (
	surrogateMin = 0xD800
	surrogateMax = 0xDFFF
)

// Compare diffs two row sequences.
func (e *Engine) Compare(oldPath, newPath string, oldRows, newRows []report.Row) (*ReportDiff, error) {
	d := &ReportDiff{OldPath: oldPath, NewPath: newPath}

	// Each distinct row becomes one rune so the character-level engine works
	// on whole rows.
	enc := rowEncoder{index: make(map[string]rune)}
	a, err := enc.encode(oldRows)
	if err != nil {
		return nil, err
	}
	b, err := enc.encode(newRows)
	if err != nil {
		return nil, err
	}
	diffs := e.dmp.DiffMainRunes(a, b, false)

	ops := diffsToOperations(diffs)
	for _, op := range ops {
		switch op.typ {
		case LineAdded:
			d.Added++
		case LineRemoved:
			d.Removed++
		}
	}
	d.Hunks = groupIntoHunks(ops, oldRows, newRows, e.Context)
	return d, nil
}

// rowEncoder assigns each distinct row key a rune, skipping the surrogate
// range so every rune survives conversion to a string.
type rowEncoder struct {
	index map[string]rune
}

func (enc *rowEncoder) encode(rows []report.Row) ([]rune, error) {
	out := make([]rune, len(rows))
	for i, r := range rows {
		key := rowKey(r)
		c, ok := enc.index[key]
		if !ok {
			n := len(enc.index)
			if n >= maxDistinctRows {
				return nil, fmt.Errorf("too many distinct rows to compare (limit %d)", maxDistinctRows)
			}
			c = rune(n)
			if c >= surrogateMin {
				c += surrogateMax - surrogateMin + 1
			}
			enc.index[key] = c
		}
		out[i] = c
	}
	return out, nil
}

// Files reads two CSV reports and compares them.
func (e *Engine) Files(oldPath, newPath string) (*ReportDiff, error) {
	oldRows, err := readReport(oldPath)
	if err != nil {
		return nil, err
	}
	newRows, err := readReport(newPath)
	if err != nil {
		return nil, err
	}
	return e.Compare(oldPath, newPath, oldRows, newRows)
}

func readReport(path string) ([]report.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open report: %w", err)
	}
	defer f.Close()
	rows, err := report.ReadRows(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rows, nil
}

// rowKey renders a row on a single line.
func rowKey(r report.Row) string {
	fields := r.Fields()
	for i, f := range fields {
		fields[i] = strconv.Quote(f)
	}
	return strings.Join(fields, ",")
}

// operation represents a single row operation
type operation struct {
	typ     LineType
	oldLine int
	newLine int
}

// diffsToOperations converts diffmatchpatch diffs to row operations. Each rune
// of a diff's text is one row.
func diffsToOperations(diffs []diffmatchpatch.Diff) []operation {
	var ops []operation
	oldLine, newLine := 0, 0
	for _, diff := range diffs {
		n := utf8.RuneCountInString(diff.Text)
		for i := 0; i < n; i++ {
			switch diff.Type {
			case diffmatchpatch.DiffEqual:
				ops = append(ops, operation{typ: LineContext, oldLine: oldLine, newLine: newLine})
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				ops = append(ops, operation{typ: LineRemoved, oldLine: oldLine, newLine: -1})
				oldLine++
			case diffmatchpatch.DiffInsert:
				ops = append(ops, operation{typ: LineAdded, oldLine: -1, newLine: newLine})
				newLine++
			}
		}
	}
	return ops
}

// groupIntoHunks groups operations into hunks with context. Hunks never share
// context rows.
func groupIntoHunks(ops []operation, oldRows, newRows []report.Row, contextLines int) []Hunk {
	var hunks []Hunk
	var current *Hunk
	lastChange := -1
	nextFree := 0

	line := func(op operation) Line {
		if op.typ == LineAdded {
			return Line{LineNum: op.newLine + 1, Row: newRows[op.newLine], Type: op.typ}
		}
		return Line{LineNum: op.oldLine + 1, Row: oldRows[op.oldLine], Type: op.typ}
	}
	closeHunk := func() {
		computeHunkCounts(current)
		hunks = append(hunks, *current)
		current = nil
	}

	for i, op := range ops {
		if op.typ != LineContext {
			if current == nil {
				start := i - contextLines
				if start < nextFree {
					start = nextFree
				}
				current = &Hunk{OldStart: positionOld(ops, start), NewStart: positionNew(ops, start)}
				for j := start; j < i; j++ {
					current.Lines = append(current.Lines, line(ops[j]))
				}
			}
			lastChange = i
		}
		if current == nil {
			continue
		}
		if op.typ == LineContext && i-lastChange > contextLines {
			nextFree = i
			closeHunk()
			continue
		}
		current.Lines = append(current.Lines, line(op))
	}
	if current != nil {
		closeHunk()
	}
	return hunks
}

// positionOld is the 1-based old-report row where ops[i] sits.
func positionOld(ops []operation, i int) int {
	for ; i < len(ops); i++ {
		if ops[i].oldLine >= 0 {
			return ops[i].oldLine + 1
		}
	}
	return 0
}

// positionNew is the 1-based new-report row where ops[i] sits.
func positionNew(ops []operation, i int) int {
	for ; i < len(ops); i++ {
		if ops[i].newLine >= 0 {
			return ops[i].newLine + 1
		}
	}
	return 0
}

// computeHunkCounts calculates OldCount and NewCount for a hunk
func computeHunkCounts(hunk *Hunk) {
	for _, line := range hunk.Lines {
		if line.Type == LineRemoved || line.Type == LineContext {
			hunk.OldCount++
		}
		if line.Type == LineAdded || line.Type == LineContext {
			hunk.NewCount++
		}
	}
}

// Write renders d in unified-diff style.
func Write(w io.Writer, d *ReportDiff) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "--- %s\n+++ %s\n", d.OldPath, d.NewPath)
	for _, h := range d.Hunks {
		fmt.Fprintf(&sb, "@@ -%d,%d +%d,%d @@\n", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
		for _, l := range h.Lines {
			prefix := " "
			switch l.Type {
			case LineAdded:
				prefix = "+"
			case LineRemoved:
				prefix = "-"
			}
			sb.WriteString(prefix)
			sb.WriteString(rowKey(l.Row))
			sb.WriteByte('\n')
		}
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
