package report

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// QuotePlaceholder replaces every double quote inside a cell.
const QuotePlaceholder = "&quote"

// Header is the fixed first row of the report.
var Header = []string{
	"preview log ID",
	"preview date",
	"studies",
	"instruments",
	"subject log ID",
	"subject date",
	"identifiers",
}

// ErrBadHeader is returned by ReadRows when the first row is not Header.
var ErrBadHeader = errors.New("report header mismatch")

// LineTerminator is the platform line terminator.
func LineTerminator() string {
	if runtime.GOOS == "windows" {
		return "\r\n"
	}
	return "\n"
}

// CSVWriter renders row groups. Every cell is quoted; embedded quotes become
// QuotePlaceholder so the output never needs quote doubling.
type CSVWriter struct {
	// EOL terminates every row. Defaults to LineTerminator().
	EOL string

	w           *bufio.Writer
	closer      io.Closer
	wroteHeader bool
	rows        int
}

// NewCSVWriter writes to w. Close flushes but does not close w.
func NewCSVWriter(w io.Writer) *CSVWriter {
	return &CSVWriter{EOL: LineTerminator(), w: bufio.NewWriterSize(w, 256*1024)}
}

// CreateCSV creates (or truncates) the report file at path, making parent directories.
func CreateCSV(path string) (*CSVWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create report directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create report: %w", err)
	}
	cw := NewCSVWriter(f)
	cw.closer = f
	return cw, nil
}

// Rows returns the number of data rows written, header excluded.
func (c *CSVWriter) Rows() int { return c.rows }

// WriteHeader writes the header row once.
func (c *CSVWriter) WriteHeader() error {
	if c.wroteHeader {
		return nil
	}
	c.wroteHeader = true
	return c.writeFields(Header)
}

// WriteGroup writes the group's header row and subject rows.
func (c *CSVWriter) WriteGroup(g RowGroup) error {
	if err := c.WriteHeader(); err != nil {
		return err
	}
	for _, r := range g.Rows() {
		if err := c.writeFields(r.Fields()); err != nil {
			return err
		}
		c.rows++
	}
	return nil
}

// Close writes the header if nothing was written, flushes, and closes the
// underlying file when the writer owns it.
func (c *CSVWriter) Close() error {
	err := c.WriteHeader()
	if ferr := c.w.Flush(); err == nil {
		err = ferr
	}
	if c.closer != nil {
		if cerr := c.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (c *CSVWriter) writeFields(fields []string) error {
	for i, f := range fields {
		if i > 0 {
			if err := c.w.WriteByte(','); err != nil {
				return err
			}
		}
		if _, err := c.w.WriteString(quote(f)); err != nil {
			return err
		}
	}
	_, err := c.w.WriteString(c.EOL)
	return err
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, QuotePlaceholder) + `"`
}

// ReadRows parses a rendered report back into rows, checking the header.
// Cells are returned as written; QuotePlaceholder is not reversed.
func ReadRows(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Header)
	cr.ReuseRecord = true

	head, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read report header: %w", err)
	}
	for i := range Header {
		if head[i] != Header[i] {
			return nil, fmt.Errorf("%w: column %d is %q", ErrBadHeader, i+1, head[i])
		}
	}

	var rows []Row
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read report row %d: %w", len(rows)+2, err)
		}
		rows = append(rows, rowFromFields(rec))
	}
}

// GroupRows rebuilds row groups from parsed rows: a row with a preview line
// number opens a new group, every other row belongs to the open group.
func GroupRows(rows []Row) []RowGroup {
	var groups []RowGroup
	for _, r := range rows {
		if r.PreviewLine != "" || len(groups) == 0 {
			groups = append(groups, RowGroup{Header: r})
			continue
		}
		last := &groups[len(groups)-1]
		last.Subjects = append(last.Subjects, r)
	}
	return groups
}
