package record

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// DateLayout is the layout of the timestamp prefix on every record-start line.
const DateLayout = "20060102 15:04:05"

// DefaultGranularity is the precision kept from record timestamps. The source
// clock's minute and second fields are unreliable, so only the hour survives.
const DefaultGranularity = time.Hour

var (
	recordStartRe = regexp.MustCompile(`^\d{8} \d\d:\d\d:\d\d:[A-Za-z]+:`)
	datePrefixRe  = regexp.MustCompile(`^(\d{8} \d\d:\d\d:\d\d):[A-Za-z]+`)
)

// ErrMalformedTimestamp is matched by every error ExtractDate returns.
var ErrMalformedTimestamp = errors.New("malformed timestamp")

// MalformedTimestampError describes a record-start line whose prefix could not
// be turned into a point in time.
type MalformedTimestampError struct {
	Line string
	Err  error
}

func (e *MalformedTimestampError) Error() string {
	line := e.Line
	if len(line) > 120 {
		line = line[:120] + "..."
	}
	if e.Err != nil {
		return fmt.Sprintf("malformed timestamp in line `%s`: %v", line, e.Err)
	}
	return fmt.Sprintf("malformed timestamp in line `%s`", line)
}

func (e *MalformedTimestampError) Unwrap() error { return e.Err }

func (e *MalformedTimestampError) Is(target error) bool { return target == ErrMalformedTimestamp }

// Extractor recognizes record-start lines and extracts their truncated timestamps.
// It has no state beyond its configuration and is safe for concurrent use.
type Extractor struct {
	loc         *time.Location
	granularity time.Duration
}

// NewExtractor returns an extractor parsing timestamps in loc and truncating
// them to granularity. A nil loc means time.Local; a non-positive granularity
// means DefaultGranularity.
func NewExtractor(loc *time.Location, granularity time.Duration) *Extractor {
	if loc == nil {
		loc = time.Local
	}
	if granularity <= 0 {
		granularity = DefaultGranularity
	}
	return &Extractor{loc: loc, granularity: granularity}
}

// Location returns the time zone timestamps are parsed in.
func (e *Extractor) Location() *time.Location { return e.loc }

// IsRecordStart reports whether line begins a new log record.
func (e *Extractor) IsRecordStart(line string) bool {
	return recordStartRe.MatchString(line)
}

// ExtractDate parses the timestamp prefix of a record-start line and truncates it.
func (e *Extractor) ExtractDate(line string) (time.Time, error) {
	m := datePrefixRe.FindStringSubmatch(line)
	if len(m) != 2 {
		return time.Time{}, &MalformedTimestampError{Line: line}
	}
	t, err := time.ParseInLocation(DateLayout, m[1], e.loc)
	if err != nil {
		return time.Time{}, &MalformedTimestampError{Line: line, Err: err}
	}
	return e.Truncate(t), nil
}

// Truncate floors t to the extractor's granularity, measured from local
// midnight so zone offsets and DST shifts do not move the boundaries.
// Truncate is idempotent.
func (e *Extractor) Truncate(t time.Time) time.Time {
	t = t.In(e.loc)
	y, mo, d := t.Date()
	midnight := time.Date(y, mo, d, 0, 0, 0, 0, e.loc)
	since := t.Sub(midnight)
	return midnight.Add(since - since%e.granularity)
}
