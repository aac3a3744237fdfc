package annotate

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"qbcorrelate/internal/record"
)

func TestExtractSubjects(t *testing.T) {
	a := New(DefaultRules(), nil)
	text := "SELECT * FROM s WHERE ursi IN ('M12345678', 'M87654321')\n AND x = 'M1234'"

	got := a.Extract(text, record.KindSubject)
	want := []record.Identifier{record.Text("M12345678"), record.Text("M87654321")}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(record.Identifier{})); diff != "" {
		t.Errorf("Extract() mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractNumeric(t *testing.T) {
	a := New(DefaultRules(), nil)
	text := "WHERE instrument_id = 12 OR instrument_id=7 OR study_id =3"

	assert.Equal(t, []record.Identifier{record.Number(12), record.Number(7)}, a.Extract(text, record.KindInstrument))
	assert.Equal(t, []record.Identifier{record.Number(3)}, a.Extract(text, record.KindStudy))
}

func TestExtractNumericWithoutGroup(t *testing.T) {
	rule, err := CompileRule("site-id", `site_id ?= ?\d+`, true)
	require.NoError(t, err)
	a := New([]Rule{rule}, nil)
	assert.Equal(t, []record.Identifier{record.Number(42)}, a.Extract("site_id = 42", "site-id"))
}

func TestCompileRuleRejectsBadPattern(t *testing.T) {
	_, err := CompileRule(record.KindStudy, `study_id(`, true)
	assert.Error(t, err)
}

func TestAnnotateWildcardAndNotice(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	a := New(DefaultRules(), zap.New(core))

	rec := record.LogRecord{LineNumber: 9, RawText: "SELECT 1 " + strings.Repeat("y", 300)}
	out := a.AnnotateAll(rec, record.KindStudy, record.KindInstrument)

	assert.Equal(t, []record.Identifier{record.Any}, out.IDs(record.KindStudy))
	assert.Equal(t, []record.Identifier{record.Any}, out.IDs(record.KindInstrument))
	assert.Nil(t, rec.Identifiers, "input record must not be mutated")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "Could not parse any study-id from query", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(9), fields["line"])
	sample := fields["sample"].(string)
	assert.True(t, strings.HasSuffix(sample, "..."))
	assert.Len(t, []rune(sample), DefaultSampleLen+3)

	assert.Equal(t, map[record.Kind]int{record.KindStudy: 1, record.KindInstrument: 1}, a.Misses())
}

func TestAnnotateUnknownKindIsTotal(t *testing.T) {
	a := New(nil, nil)
	out := a.Annotate(record.LogRecord{RawText: "M12345678"}, record.KindSubject)
	assert.Equal(t, []record.Identifier{record.Any}, out.IDs(record.KindSubject))
}

func TestAnnotateKeepsOtherKinds(t *testing.T) {
	a := New(DefaultRules(), nil)
	rec := a.Annotate(record.LogRecord{RawText: "study_id = 5 AND M00000001"}, record.KindStudy)
	rec = a.Annotate(rec, record.KindSubject)

	assert.Equal(t, []record.Identifier{record.Number(5)}, rec.IDs(record.KindStudy))
	assert.Equal(t, []record.Identifier{record.Text("M00000001")}, rec.IDs(record.KindSubject))
}
