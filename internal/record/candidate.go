package record

// Candidate is one entry in a correlation result: either a real subject
// record (Match) or the placeholder explaining that none was found (Unmatched).
// Consumers switch on the concrete type.
type Candidate interface {
	// Signature is the dedup key under the given identifier kind.
	Signature(key Kind) string
	isCandidate()
}

// Match wraps a subject record judged relevant to an assessment record.
type Match struct {
	Record LogRecord
}

func (m Match) Signature(key Kind) string { return m.Record.Signature(key) }
func (Match) isCandidate()                {}

// Unmatched stands in for the empty candidate set.
type Unmatched struct {
	Reason string
}

func (u Unmatched) Signature(Kind) string { return "unmatched\x1f" + u.Reason }
func (Unmatched) isCandidate()            {}

// CorrelationResult binds an assessment record to its candidate subject records.
// Candidates is never empty.
type CorrelationResult struct {
	Assessment LogRecord
	Candidates []Candidate
}

// Matches returns only the real subject records among the candidates.
func (r CorrelationResult) Matches() []LogRecord {
	var out []LogRecord
	for _, c := range r.Candidates {
		if m, ok := c.(Match); ok {
			out = append(out, m.Record)
		}
	}
	return out
}
