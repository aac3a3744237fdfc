// Package reassembler turns a raw stream of log lines into discrete,
// timestamped, multi-line log records in a single forward pass.
package reassembler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"qbcorrelate/internal/record"
)

// DefaultProgressEvery is the number of records seen between progress events.
const DefaultProgressEvery = 5000

// Stats are the running totals of one reassembly pass.
type Stats struct {
	Lines     int // physical lines read
	Records   int // record-start lines finalized, kept or discarded
	Discarded int // records rejected by the inclusion filter
	Orphans   int // lines before the first record-start line
}

// Retained is the number of records emitted downstream.
func (s Stats) Retained() int { return s.Records - s.Discarded }

// Progress is delivered to Options.OnProgress while a pass runs.
type Progress struct {
	Stats
	// Timestamp of the record that triggered the event.
	Timestamp time.Time
	// Done is set on the final event of the pass.
	Done bool
}

// Options configure a Reassembler.
type Options struct {
	// Extractor recognizes record starts. Nil means local time, hourly granularity.
	Extractor *record.Extractor
	// Filter keeps only records whose full raw text matches. Nil keeps everything.
	Filter *regexp.Regexp
	// ProgressEvery is the record cadence of progress events; zero means DefaultProgressEvery.
	ProgressEvery int
	// ProgressInterval additionally fires a progress event when this much time
	// has passed since the last one. Zero disables the time trigger.
	ProgressInterval time.Duration
	// OnProgress receives progress events. Nil disables them.
	OnProgress func(Progress)
}

// Reassembler pulls lines from a LineSource and yields completed records.
//
// A retained record is held back by one step so its LastInHour flag can be
// settled by the next retained record before it is handed downstream.
type Reassembler struct {
	src  LineSource
	opts Options
	ex   *record.Extractor

	progress rate.Sometimes
	stats    Stats

	buf      strings.Builder
	bufOpen  bool
	bufStart int
	bufDate  time.Time

	pending *record.LogRecord
	lastTS  time.Time
	eof     bool
	err     error
}

// New returns a Reassembler reading from src.
func New(src LineSource, opts Options) *Reassembler {
	if opts.Extractor == nil {
		opts.Extractor = record.NewExtractor(nil, 0)
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = DefaultProgressEvery
	}
	r := &Reassembler{
		src:      src,
		opts:     opts,
		ex:       opts.Extractor,
		progress: rate.Sometimes{Every: opts.ProgressEvery, Interval: opts.ProgressInterval},
	}
	// Sometimes always runs its first call; spend it here so events land on
	// multiples of ProgressEvery.
	r.progress.Do(func() {})
	return r
}

// Stats returns the running totals so far.
func (r *Reassembler) Stats() Stats { return r.stats }

// Next returns the next retained record, io.EOF when the stream is exhausted,
// or the fatal error that stopped the pass. Errors are sticky.
// ctx is checked at every record boundary.
func (r *Reassembler) Next(ctx context.Context) (record.LogRecord, error) {
	if r.err != nil {
		return record.LogRecord{}, r.err
	}
	for {
		if r.eof {
			if r.pending != nil {
				out := *r.pending
				r.pending = nil
				return out, nil
			}
			return record.LogRecord{}, io.EOF
		}

		line, err := r.src.Next()
		if errors.Is(err, io.EOF) {
			if err := ctx.Err(); err != nil {
				return r.fail(err)
			}
			r.eof = true
			out, ready := r.finalize()
			r.report(true)
			if ready {
				return out, nil
			}
			continue
		}
		if err != nil {
			return r.fail(err)
		}
		r.stats.Lines++

		if !r.ex.IsRecordStart(line) {
			if r.bufOpen {
				r.buf.WriteByte('\n')
				r.buf.WriteString(line)
			} else {
				r.stats.Orphans++
			}
			continue
		}

		if err := ctx.Err(); err != nil {
			return r.fail(err)
		}
		out, ready := r.finalize()
		date, err := r.ex.ExtractDate(line)
		if err != nil {
			return r.fail(fmt.Errorf("line %d: %w", r.stats.Lines, err))
		}
		r.buf.WriteString(line)
		r.bufOpen = true
		r.bufStart = r.stats.Lines
		r.bufDate = date
		if ready {
			return out, nil
		}
	}
}

func (r *Reassembler) fail(err error) (record.LogRecord, error) {
	r.err = err
	return record.LogRecord{}, err
}

// finalize closes the current buffer. It returns the previously held record
// when the buffer produced a new retained one; the first call, made before any
// record-start line was seen, is a no-op.
func (r *Reassembler) finalize() (record.LogRecord, bool) {
	if !r.bufOpen {
		return record.LogRecord{}, false
	}
	text := r.buf.String()
	r.buf.Reset()
	r.bufOpen = false
	r.stats.Records++
	r.lastTS = r.bufDate

	if r.opts.Filter != nil && !r.opts.Filter.MatchString(text) {
		r.stats.Discarded++
		r.tick()
		return record.LogRecord{}, false
	}
	rec := record.LogRecord{
		LineNumber: r.bufStart,
		Timestamp:  r.bufDate,
		RawText:    text,
	}
	r.tick()
	return r.hold(rec)
}

func (r *Reassembler) hold(rec record.LogRecord) (record.LogRecord, bool) {
	prev := r.pending
	r.pending = &rec
	if prev == nil {
		return record.LogRecord{}, false
	}
	out := *prev
	out.LastInHour = out.Timestamp.Before(rec.Timestamp)
	return out, true
}

func (r *Reassembler) tick() {
	if r.opts.OnProgress == nil {
		return
	}
	r.progress.Do(func() { r.report(false) })
}

func (r *Reassembler) report(done bool) {
	if r.opts.OnProgress == nil {
		return
	}
	r.opts.OnProgress(Progress{Stats: r.stats, Timestamp: r.lastTS, Done: done})
}

// ReadAll drives r to completion, calling fn for every retained record.
func ReadAll(ctx context.Context, r *Reassembler, fn func(record.LogRecord) error) error {
	for {
		rec, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Collect drives r to completion and returns every retained record.
func Collect(ctx context.Context, r *Reassembler) ([]record.LogRecord, error) {
	var out []record.LogRecord
	err := ReadAll(ctx, r, func(rec record.LogRecord) error {
		out = append(out, rec)
		return nil
	})
	return out, err
}
