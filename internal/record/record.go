// Package record holds the data model shared by every stage of the correlation
// pipeline: reassembled log records, their extracted identifiers, and the
// candidate sets produced by correlation.
package record

import (
	"strings"
	"time"
)

// Kind names a family of identifiers extracted from a record's raw text.
type Kind string

const (
	KindSubject    Kind = "subject-id"
	KindInstrument Kind = "instrument-id"
	KindStudy      Kind = "study-id"
)

// LogRecord is one reconstructed, possibly multi-line, log entry.
type LogRecord struct {
	// LineNumber is the 1-based line of the record's first line in its source file.
	LineNumber int
	// Timestamp is truncated to the extractor's granularity (whole hours by default).
	Timestamp time.Time
	// RawText is every line of the record joined with "\n".
	RawText string
	// LastInHour is set when the next retained record in the same file has a later timestamp.
	LastInHour bool
	// Identifiers maps a kind to its extracted values. A kind that was
	// annotated but matched nothing holds exactly [Any].
	Identifiers map[Kind][]Identifier
}

// IDs returns the identifiers extracted for kind, or nil if the record was
// never annotated for it.
func (r LogRecord) IDs(kind Kind) []Identifier {
	return r.Identifiers[kind]
}

// WithIdentifiers returns a copy of r whose identifier map has kind set to ids.
// The receiver's map is never mutated.
func (r LogRecord) WithIdentifiers(kind Kind, ids []Identifier) LogRecord {
	out := r
	out.Identifiers = make(map[Kind][]Identifier, len(r.Identifiers)+1)
	for k, v := range r.Identifiers {
		out.Identifiers[k] = v
	}
	out.Identifiers[kind] = ids
	return out
}

// Signature is the comparable key of the record's identifiers for kind, used to
// collapse candidates that point at the same identifiers.
func (r LogRecord) Signature(kind Kind) string {
	return Signature(r.Identifiers[kind])
}

// Signature joins identifier keys into a single comparable string.
func Signature(ids []Identifier) string {
	var sb strings.Builder
	for i, id := range ids {
		if i > 0 {
			sb.WriteByte(0x1f)
		}
		sb.WriteString(id.key())
	}
	return sb.String()
}

// JoinIDs renders identifiers for display, separated by sep.
func JoinIDs(ids []Identifier, sep string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, sep)
}
