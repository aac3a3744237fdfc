// Package annotate extracts domain identifiers (subject codes, instrument and
// study ids) from the raw text of reassembled log records.
package annotate

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"qbcorrelate/internal/record"
)

// DefaultSampleLen is how much raw text a missed-extraction notice carries.
const DefaultSampleLen = 120

var digitsRe = regexp.MustCompile(`\d+`)

// Rule extracts one identifier kind. Numeric rules parse the first capture
// group (or the first run of digits when the pattern has no group) as an integer.
type Rule struct {
	Kind    record.Kind
	Pattern *regexp.Regexp
	Numeric bool
}

// CompileRule builds a Rule from a pattern string.
func CompileRule(kind record.Kind, pattern string, numeric bool) (Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("invalid pattern for %s: %w", kind, err)
	}
	return Rule{Kind: kind, Pattern: re, Numeric: numeric}, nil
}

// DefaultRules returns the extraction rules for the query-builder logs.
func DefaultRules() []Rule {
	return []Rule{
		{Kind: record.KindSubject, Pattern: regexp.MustCompile(`M\d{8}`)},
		{Kind: record.KindInstrument, Pattern: regexp.MustCompile(`instrument_id ?= ?(\d+)`), Numeric: true},
		{Kind: record.KindStudy, Pattern: regexp.MustCompile(`study_id ?= ?(\d+)`), Numeric: true},
	}
}

// Annotator attaches extracted identifiers to records. It is safe for
// concurrent use.
type Annotator struct {
	rules     map[record.Kind]Rule
	log       *zap.Logger
	sampleLen int

	mu     sync.Mutex
	misses map[record.Kind]int
}

// New returns an Annotator for rules. Later rules replace earlier ones of the
// same kind. A nil logger discards notices.
func New(rules []Rule, log *zap.Logger) *Annotator {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Annotator{
		rules:     make(map[record.Kind]Rule, len(rules)),
		log:       log,
		sampleLen: DefaultSampleLen,
		misses:    make(map[record.Kind]int),
	}
	for _, r := range rules {
		a.rules[r.Kind] = r
	}
	return a
}

// Annotate returns a copy of rec with Identifiers[kind] populated. When
// nothing matches, the list is [record.Any] and a notice is logged.
func (a *Annotator) Annotate(rec record.LogRecord, kind record.Kind) record.LogRecord {
	ids := a.Extract(rec.RawText, kind)
	if len(ids) == 0 {
		a.miss(rec, kind)
		ids = []record.Identifier{record.Any}
	}
	return rec.WithIdentifiers(kind, ids)
}

// AnnotateAll applies Annotate for every kind in order.
func (a *Annotator) AnnotateAll(rec record.LogRecord, kinds ...record.Kind) record.LogRecord {
	for _, k := range kinds {
		rec = a.Annotate(rec, k)
	}
	return rec
}

// Extract returns every identifier of kind found in text, in match order.
// Unknown kinds and texts without matches yield nil.
func (a *Annotator) Extract(text string, kind record.Kind) []record.Identifier {
	rule, ok := a.rules[kind]
	if !ok {
		return nil
	}
	matches := rule.Pattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	ids := make([]record.Identifier, 0, len(matches))
	for _, m := range matches {
		if !rule.Numeric {
			ids = append(ids, record.Text(m[0]))
			continue
		}
		digits := ""
		if len(m) > 1 && m[1] != "" {
			digits = m[1]
		} else {
			digits = digitsRe.FindString(m[0])
		}
		n, err := strconv.ParseInt(digits, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, record.Number(n))
	}
	return ids
}

// Misses returns how many records matched nothing, per kind.
func (a *Annotator) Misses() map[record.Kind]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[record.Kind]int, len(a.misses))
	for k, v := range a.misses {
		out[k] = v
	}
	return out
}

func (a *Annotator) miss(rec record.LogRecord, kind record.Kind) {
	a.mu.Lock()
	a.misses[kind]++
	a.mu.Unlock()

	a.log.Info(fmt.Sprintf("Could not parse any %s from query", kind),
		zap.String("kind", string(kind)),
		zap.Int("line", rec.LineNumber),
		zap.String("sample", truncate(rec.RawText, a.sampleLen)))
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
