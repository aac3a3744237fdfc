package reassembler

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// DefaultMaxLineBytes bounds a single physical line. Query logs carry whole SQL
// statements on one line, so this is far above bufio's 64KB default.
const DefaultMaxLineBytes = 16 * 1024 * 1024

// ErrLineSource is matched by every read failure reported by a LineSource.
var ErrLineSource = errors.New("line source read failed")

// LineSourceError reports a read failure at a known position. The reassembler
// cannot recover line numbering after a lost line, so it is always fatal.
type LineSourceError struct {
	Source string
	Line   int
	Err    error
}

func (e *LineSourceError) Error() string {
	return fmt.Sprintf("%s: reading line %d: %v", e.Source, e.Line, e.Err)
}

func (e *LineSourceError) Unwrap() error { return e.Err }

func (e *LineSourceError) Is(target error) bool { return target == ErrLineSource }

// LineSource is a lazy, finite, non-restartable sequence of lines. Next returns
// io.EOF once the sequence is exhausted.
type LineSource interface {
	Next() (string, error)
}

// ScannerSource reads lines from an io.Reader.
type ScannerSource struct {
	sc   *bufio.Scanner
	name string
	line int
}

// NewScannerSource returns a LineSource over r. name labels errors; a
// non-positive maxLineBytes means DefaultMaxLineBytes.
func NewScannerSource(r io.Reader, name string, maxLineBytes int) *ScannerSource {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	initial := 64 * 1024
	if maxLineBytes < initial {
		initial = maxLineBytes
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, initial), maxLineBytes)
	return &ScannerSource{sc: sc, name: name}
}

// utf8BOM is stripped from the first line so the first record start still matches.
const utf8BOM = "\ufeff"

// Next returns the next line without its terminator.
func (s *ScannerSource) Next() (string, error) {
	if s.sc.Scan() {
		s.line++
		if s.line == 1 {
			return strings.TrimPrefix(s.sc.Text(), utf8BOM), nil
		}
		return s.sc.Text(), nil
	}
	if err := s.sc.Err(); err != nil {
		return "", &LineSourceError{Source: s.name, Line: s.line + 1, Err: err}
	}
	return "", io.EOF
}

type sliceSource struct {
	lines []string
	pos   int
}

// FromLines returns a LineSource over an in-memory slice.
func FromLines(lines []string) LineSource {
	return &sliceSource{lines: lines}
}

func (s *sliceSource) Next() (string, error) {
	if s.pos >= len(s.lines) {
		return "", io.EOF
	}
	line := s.lines[s.pos]
	s.pos++
	return line, nil
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

type fileReader struct {
	io.Reader
	closers []func() error
}

func (f *fileReader) Close() error {
	var first error
	for _, c := range f.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Open opens a log file for reading. Gzip and zstd files are detected by their
// magic bytes and decompressed transparently.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	br := bufio.NewReaderSize(f, 1<<20)
	head, err := br.Peek(4)
	if err != nil && err != io.EOF {
		f.Close()
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	switch {
	case bytes.HasPrefix(head, zstdMagic):
		dec, err := zstd.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to open zstd stream %s: %w", path, err)
		}
		rc := dec.IOReadCloser()
		return &fileReader{Reader: rc, closers: []func() error{rc.Close, f.Close}}, nil
	case bytes.HasPrefix(head, gzipMagic):
		zr, err := gzip.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
		}
		return &fileReader{Reader: zr, closers: []func() error{zr.Close, f.Close}}, nil
	default:
		return &fileReader{Reader: br, closers: []func() error{f.Close}}, nil
	}
}
