// Package snapshot persists annotated records as JSON Lines so a run can be
// re-correlated without re-parsing the source logs. Paths ending in ".zst"
// are zstd-compressed.
package snapshot

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/valyala/fastjson"

	"qbcorrelate/internal/reassembler"
	"qbcorrelate/internal/record"
)

// maxLineBytes bounds one encoded record.
const maxLineBytes = 64 * 1024 * 1024

// Writer encodes records one per line.
type Writer struct {
	w       *bufio.Writer
	closers []io.Closer
	arena   fastjson.Arena
	buf     []byte
	count   int
}

// NewWriter writes uncompressed JSON Lines to w. Close flushes but does not close w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriterSize(w, 256*1024)}
}

// Create creates a snapshot file, compressing it when path ends in ".zst".
func Create(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot: %w", err)
	}
	if !strings.HasSuffix(path, ".zst") {
		w := NewWriter(f)
		w.closers = []io.Closer{f}
		return w, nil
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to start zstd encoder: %w", err)
	}
	w := NewWriter(enc)
	w.closers = []io.Closer{enc, f}
	return w, nil
}

// Count returns the number of records written.
func (w *Writer) Count() int { return w.count }

// Write appends one record.
func (w *Writer) Write(rec record.LogRecord) error {
	a := &w.arena
	a.Reset()

	o := a.NewObject()
	o.Set("line", a.NewNumberInt(rec.LineNumber))
	o.Set("ts", a.NewString(rec.Timestamp.Format(time.RFC3339Nano)))
	if rec.LastInHour {
		o.Set("last_in_hour", a.NewTrue())
	} else {
		o.Set("last_in_hour", a.NewFalse())
	}
	o.Set("text", a.NewString(rec.RawText))

	kinds := make([]string, 0, len(rec.Identifiers))
	for k := range rec.Identifiers {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	ids := a.NewObject()
	for _, k := range kinds {
		arr := a.NewArray()
		for i, id := range rec.Identifiers[record.Kind(k)] {
			arr.SetArrayItem(i, encodeID(a, id))
		}
		ids.Set(k, arr)
	}
	o.Set("ids", ids)

	w.buf = o.MarshalTo(w.buf[:0])
	w.buf = append(w.buf, '\n')
	if _, err := w.w.Write(w.buf); err != nil {
		return fmt.Errorf("failed to write snapshot record: %w", err)
	}
	w.count++
	return nil
}

func encodeID(a *fastjson.Arena, id record.Identifier) *fastjson.Value {
	if id.IsAny() {
		return a.NewNull()
	}
	if n, ok := id.Int(); ok {
		return a.NewNumberString(strconv.FormatInt(n, 10))
	}
	return a.NewString(id.String())
}

// Close flushes buffered records and closes what the writer owns.
func (w *Writer) Close() error {
	err := w.w.Flush()
	for _, c := range w.closers {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Reader decodes a snapshot written by Writer.
type Reader struct {
	src    *bufio.Scanner
	closer io.Closer
	parser fastjson.Parser
	line   int
}

// NewReader reads uncompressed JSON Lines from r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Reader{src: sc}
}

// Open opens a snapshot file, compressed or not.
func Open(path string) (*Reader, error) {
	rc, err := reassembler.Open(path)
	if err != nil {
		return nil, err
	}
	r := NewReader(rc)
	r.closer = rc
	return r, nil
}

// Next returns the next record or io.EOF.
func (r *Reader) Next() (record.LogRecord, error) {
	for r.src.Scan() {
		r.line++
		data := r.src.Bytes()
		if len(data) == 0 {
			continue
		}
		rec, err := r.decode(data)
		if err != nil {
			return record.LogRecord{}, fmt.Errorf("snapshot line %d: %w", r.line, err)
		}
		return rec, nil
	}
	if err := r.src.Err(); err != nil {
		return record.LogRecord{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return record.LogRecord{}, io.EOF
}

func (r *Reader) decode(data []byte) (record.LogRecord, error) {
	v, err := r.parser.ParseBytes(data)
	if err != nil {
		return record.LogRecord{}, err
	}
	tsRaw := v.GetStringBytes("ts")
	if tsRaw == nil {
		return record.LogRecord{}, errors.New("missing ts")
	}
	ts, err := time.Parse(time.RFC3339Nano, string(tsRaw))
	if err != nil {
		return record.LogRecord{}, fmt.Errorf("bad ts: %w", err)
	}
	rec := record.LogRecord{
		LineNumber: v.GetInt("line"),
		Timestamp:  ts,
		LastInHour: v.GetBool("last_in_hour"),
		RawText:    string(v.GetStringBytes("text")),
	}

	obj := v.GetObject("ids")
	if obj == nil || obj.Len() == 0 {
		return rec, nil
	}
	rec.Identifiers = make(map[record.Kind][]record.Identifier, obj.Len())
	var decodeErr error
	obj.Visit(func(key []byte, val *fastjson.Value) {
		items, err := val.Array()
		if err != nil {
			decodeErr = fmt.Errorf("ids.%s: %w", key, err)
			return
		}
		ids := make([]record.Identifier, 0, len(items))
		for _, item := range items {
			switch item.Type() {
			case fastjson.TypeNull:
				ids = append(ids, record.Any)
			case fastjson.TypeNumber:
				n, err := item.Int64()
				if err != nil {
					decodeErr = fmt.Errorf("ids.%s: %w", key, err)
					return
				}
				ids = append(ids, record.Number(n))
			case fastjson.TypeString:
				ids = append(ids, record.Text(string(item.GetStringBytes())))
			default:
				decodeErr = fmt.Errorf("ids.%s: unexpected %s", key, item.Type())
				return
			}
		}
		rec.Identifiers[record.Kind(key)] = ids
	})
	if decodeErr != nil {
		return record.LogRecord{}, decodeErr
	}
	return rec, nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// WriteFile writes recs to path in one go.
func WriteFile(path string, recs []record.LogRecord) error {
	w, err := Create(path)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := w.Write(rec); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

// ReadFile loads every record in the snapshot at path.
func ReadFile(path string) ([]record.LogRecord, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out []record.LogRecord
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
}
