// Package report flattens correlation results into row groups and renders
// them as a quoted, delimited table for spreadsheet review.
package report

import (
	"strconv"
	"time"

	"qbcorrelate/internal/record"
)

// IDSeparator joins multiple identifiers inside one cell.
const IDSeparator = ";"

// Row is one line of the report. Header rows fill the preview columns,
// subject rows fill the subject columns; the rest stay blank.
type Row struct {
	PreviewLine string
	PreviewDate string
	Studies     string
	Instruments string
	SubjectLine string
	SubjectDate string
	Identifiers string
}

// Fields returns the row's cells in column order.
func (r Row) Fields() []string {
	return []string{r.PreviewLine, r.PreviewDate, r.Studies, r.Instruments, r.SubjectLine, r.SubjectDate, r.Identifiers}
}

func rowFromFields(f []string) Row {
	return Row{
		PreviewLine: f[0],
		PreviewDate: f[1],
		Studies:     f[2],
		Instruments: f[3],
		SubjectLine: f[4],
		SubjectDate: f[5],
		Identifiers: f[6],
	}
}

// RowGroup is the header row of one assessment record followed by one row per candidate.
type RowGroup struct {
	Header   Row
	Subjects []Row
}

// Rows returns the header followed by the subject rows.
func (g RowGroup) Rows() []Row {
	return append([]Row{g.Header}, g.Subjects...)
}

// Columns maps identifier kinds onto the report's identifier columns.
type Columns struct {
	Studies     record.Kind
	Instruments record.Kind
	Identifiers record.Kind
}

// DefaultColumns returns the column mapping of the query-builder report.
func DefaultColumns() Columns {
	return Columns{
		Studies:     record.KindStudy,
		Instruments: record.KindInstrument,
		Identifiers: record.KindSubject,
	}
}

// Assembler turns correlation results into row groups. It keeps no state
// between calls.
type Assembler struct {
	Columns    Columns
	TimeFormat string
}

// NewAssembler returns an Assembler rendering timestamps as RFC 3339.
func NewAssembler(cols Columns) *Assembler {
	return &Assembler{Columns: cols, TimeFormat: time.RFC3339}
}

// Assemble returns one row group per result, in input order.
func (a *Assembler) Assemble(results []record.CorrelationResult) []RowGroup {
	groups := make([]RowGroup, len(results))
	for i, res := range results {
		groups[i] = a.Group(res)
	}
	return groups
}

// Group renders a single correlation result.
func (a *Assembler) Group(res record.CorrelationResult) RowGroup {
	as := res.Assessment
	g := RowGroup{
		Header: Row{
			PreviewLine: strconv.Itoa(as.LineNumber),
			PreviewDate: as.Timestamp.Format(a.TimeFormat),
			Studies:     record.JoinIDs(as.IDs(a.Columns.Studies), IDSeparator),
			Instruments: record.JoinIDs(as.IDs(a.Columns.Instruments), IDSeparator),
		},
		Subjects: make([]Row, 0, len(res.Candidates)),
	}
	for _, c := range res.Candidates {
		switch c := c.(type) {
		case record.Match:
			g.Subjects = append(g.Subjects, Row{
				SubjectLine: strconv.Itoa(c.Record.LineNumber),
				SubjectDate: c.Record.Timestamp.Format(a.TimeFormat),
				Identifiers: record.JoinIDs(c.Record.IDs(a.Columns.Identifiers), IDSeparator),
			})
		case record.Unmatched:
			g.Subjects = append(g.Subjects, Row{Identifiers: c.Reason})
		}
	}
	return g
}
