package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentifierRendering(t *testing.T) {
	assert.Equal(t, "*", Any.String())
	assert.Equal(t, "42", Number(42).String())
	assert.Equal(t, "M12345678", Text("M12345678").String())

	n, ok := Number(7).Int()
	assert.True(t, ok)
	assert.Equal(t, int64(7), n)
	_, ok = Text("7").Int()
	assert.False(t, ok)
}

func TestSignatureDistinguishesForms(t *testing.T) {
	assert.NotEqual(t, Signature([]Identifier{Any}), Signature([]Identifier{Text("*")}))
	assert.NotEqual(t, Signature([]Identifier{Number(1)}), Signature([]Identifier{Text("1")}))
	assert.NotEqual(t,
		Signature([]Identifier{Text("ab"), Text("c")}),
		Signature([]Identifier{Text("a"), Text("bc")}))
	assert.Equal(t,
		Signature([]Identifier{Text("M1"), Text("M2")}),
		Signature([]Identifier{Text("M1"), Text("M2")}))
}

func TestWithIdentifiersCopies(t *testing.T) {
	orig := LogRecord{LineNumber: 1, Identifiers: map[Kind][]Identifier{KindStudy: {Number(1)}}}
	next := orig.WithIdentifiers(KindSubject, []Identifier{Text("M00000001")})

	assert.Nil(t, orig.IDs(KindSubject))
	assert.Equal(t, []Identifier{Text("M00000001")}, next.IDs(KindSubject))
	assert.Equal(t, []Identifier{Number(1)}, next.IDs(KindStudy))
}

func TestJoinIDs(t *testing.T) {
	assert.Equal(t, "1;2;*", JoinIDs([]Identifier{Number(1), Number(2), Any}, ";"))
	assert.Equal(t, "", JoinIDs(nil, ";"))
}

func TestCandidateSignatures(t *testing.T) {
	rec := LogRecord{Identifiers: map[Kind][]Identifier{KindSubject: {Text("M1")}}}
	var c Candidate = Match{Record: rec}
	assert.Equal(t, rec.Signature(KindSubject), c.Signature(KindSubject))

	u := Unmatched{Reason: "none"}
	assert.NotEqual(t, u.Signature(KindSubject), c.Signature(KindSubject))

	res := CorrelationResult{Candidates: []Candidate{c, u}}
	assert.Len(t, res.Matches(), 1)
}
