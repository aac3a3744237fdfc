// Package correlate matches each assessment record to the subject records that
// plausibly produced the identifiers it references.
//
// The policy, in order:
//
//  1. every subject record whose truncated timestamp equals the assessment's
//     (same-hour matches), in input order;
//  2. the single subject record with the greatest timestamp strictly before the
//     assessment's and inside the lookback window, prepended ahead of them;
//  3. an Unmatched placeholder when both are empty;
//  4. candidates collapsed by identifier signature, first occurrence kept.
package correlate

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"qbcorrelate/internal/record"
)

// DefaultLookback bounds how far back the most recent prior subject record may be.
const DefaultLookback = 8 * time.Hour

// Config tunes the correlation policy.
type Config struct {
	// Lookback is the backward window for the prior record; zero means DefaultLookback.
	Lookback time.Duration
	// Key is the identifier kind whose signature deduplicates candidates.
	Key record.Kind
}

// Correlator applies the correlation policy. It holds no per-call state and
// is safe for concurrent use.
type Correlator struct {
	cfg       Config
	log       *zap.Logger
	unmatched atomic.Int64
}

// New returns a Correlator. A nil logger discards unmatched notices.
func New(cfg Config, log *zap.Logger) *Correlator {
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.Key == "" {
		cfg.Key = record.KindSubject
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Correlator{cfg: cfg, log: log}
}

// Config returns the effective configuration.
func (c *Correlator) Config() Config { return c.cfg }

// Unmatched returns how many assessment records received the placeholder.
func (c *Correlator) Unmatched() int64 { return c.unmatched.Load() }

// Correlate scans subjects linearly. subjects may be in any order; ties for
// the prior record go to the later one in input order.
func (c *Correlator) Correlate(subjects []record.LogRecord, a record.LogRecord) record.CorrelationResult {
	var same []record.LogRecord
	prior := -1
	for i := range subjects {
		ts := subjects[i].Timestamp
		switch {
		case ts.Equal(a.Timestamp):
			same = append(same, subjects[i])
		case c.inWindow(ts, a.Timestamp):
			if prior < 0 || !ts.Before(subjects[prior].Timestamp) {
				prior = i
			}
		}
	}
	var p *record.LogRecord
	if prior >= 0 {
		p = &subjects[prior]
	}
	return c.build(a, p, same)
}

// inWindow reports whether ts is strictly before at and ts+lookback is after it.
func (c *Correlator) inWindow(ts, at time.Time) bool {
	return ts.Before(at) && ts.Add(c.cfg.Lookback).After(at)
}

func (c *Correlator) build(a record.LogRecord, prior *record.LogRecord, same []record.LogRecord) record.CorrelationResult {
	cands := make([]record.Candidate, 0, len(same)+1)
	if prior != nil {
		cands = append(cands, record.Match{Record: *prior})
	}
	for _, s := range same {
		cands = append(cands, record.Match{Record: s})
	}
	if len(cands) == 0 {
		reason := fmt.Sprintf("No subject queries found for query at `%s`", a.Timestamp.Format(time.RFC3339))
		c.unmatched.Add(1)
		c.log.Info(reason, zap.Int("line", a.LineNumber))
		cands = append(cands, record.Unmatched{Reason: reason})
	}
	return record.CorrelationResult{Assessment: a, Candidates: Dedup(cands, c.cfg.Key)}
}

// Dedup keeps the first candidate of every identifier signature under key,
// preserving order. It is idempotent.
func Dedup(cands []record.Candidate, key record.Kind) []record.Candidate {
	seen := make(map[string]struct{}, len(cands))
	out := make([]record.Candidate, 0, len(cands))
	for _, c := range cands {
		sig := c.Signature(key)
		if _, dup := seen[sig]; dup {
			continue
		}
		seen[sig] = struct{}{}
		out = append(out, c)
	}
	return out
}

// Index is an immutable view of the subject sequence. When the sequence is
// sorted by timestamp (the reassembler's normal output) lookups use binary
// search; otherwise they fall back to the linear scan. Results are identical.
type Index struct {
	c        *Correlator
	subjects []record.LogRecord
	sorted   bool
}

// NewIndex wraps subjects. The slice must not be modified afterwards.
func (c *Correlator) NewIndex(subjects []record.LogRecord) *Index {
	sorted := sort.SliceIsSorted(subjects, func(i, j int) bool {
		return subjects[i].Timestamp.Before(subjects[j].Timestamp)
	})
	return &Index{c: c, subjects: subjects, sorted: sorted}
}

// Len is the number of subject records.
func (ix *Index) Len() int { return len(ix.subjects) }

// Sorted reports whether binary search is in use.
func (ix *Index) Sorted() bool { return ix.sorted }

// Correlate computes the candidate set for one assessment record.
func (ix *Index) Correlate(a record.LogRecord) record.CorrelationResult {
	if !ix.sorted {
		return ix.c.Correlate(ix.subjects, a)
	}
	n := len(ix.subjects)
	lo := sort.Search(n, func(i int) bool { return !ix.subjects[i].Timestamp.Before(a.Timestamp) })
	hi := sort.Search(n, func(i int) bool { return ix.subjects[i].Timestamp.After(a.Timestamp) })

	var prior *record.LogRecord
	if lo > 0 && ix.c.inWindow(ix.subjects[lo-1].Timestamp, a.Timestamp) {
		prior = &ix.subjects[lo-1]
	}
	return ix.c.build(a, prior, ix.subjects[lo:hi])
}
