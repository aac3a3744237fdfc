package correlate

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"qbcorrelate/internal/record"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var base = time.Date(2023, 6, 15, 14, 0, 0, 0, time.UTC)

var cmpOpts = cmp.AllowUnexported(record.Identifier{})

func subject(line int, ts time.Time, ids ...string) record.LogRecord {
	vals := make([]record.Identifier, len(ids))
	for i, id := range ids {
		vals[i] = record.Text(id)
	}
	return record.LogRecord{
		LineNumber:  line,
		Timestamp:   ts,
		Identifiers: map[record.Kind][]record.Identifier{record.KindSubject: vals},
	}
}

func lines(res record.CorrelationResult) []int {
	var out []int
	for _, m := range res.Matches() {
		out = append(out, m.LineNumber)
	}
	return out
}

func TestPriorThenSameHour(t *testing.T) {
	c := New(Config{}, nil)
	subjects := []record.LogRecord{
		subject(1, base.Add(-2*time.Hour), "M00000001"),
		subject(2, base, "M00000002"),
		subject(3, base, "M00000003"),
		subject(4, base.Add(time.Hour), "M00000004"),
	}
	a := record.LogRecord{LineNumber: 10, Timestamp: base}

	res := c.Correlate(subjects, a)
	assert.Equal(t, []int{1, 2, 3}, lines(res))
	assert.Equal(t, a, res.Assessment)
}

func TestLookbackWindow(t *testing.T) {
	c := New(Config{}, nil)
	subjects := []record.LogRecord{
		subject(1, base.Add(-9*time.Hour), "M00000001"),
		subject(2, base.Add(-7*time.Hour), "M00000002"),
	}
	res := c.Correlate(subjects, record.LogRecord{Timestamp: base})
	assert.Equal(t, []int{2}, lines(res))
}

func TestLookbackBoundaryIsExclusive(t *testing.T) {
	c := New(Config{}, nil)
	subjects := []record.LogRecord{subject(1, base.Add(-8*time.Hour), "M00000001")}
	res := c.Correlate(subjects, record.LogRecord{Timestamp: base})
	require.Len(t, res.Candidates, 1)
	_, ok := res.Candidates[0].(record.Unmatched)
	assert.True(t, ok, "a record exactly one window back is out of range")
}

func TestCustomLookback(t *testing.T) {
	c := New(Config{Lookback: 2 * time.Hour}, nil)
	subjects := []record.LogRecord{subject(1, base.Add(-3*time.Hour), "M00000001")}
	res := c.Correlate(subjects, record.LogRecord{Timestamp: base})
	assert.Empty(t, res.Matches())
}

func TestPriorPicksLatestTimestampThenLatestLine(t *testing.T) {
	c := New(Config{}, nil)
	subjects := []record.LogRecord{
		subject(1, base.Add(-3*time.Hour), "M00000001"),
		subject(2, base.Add(-1*time.Hour), "M00000002"),
		subject(3, base.Add(-1*time.Hour), "M00000003"),
		subject(4, base.Add(-5*time.Hour), "M00000004"),
	}
	res := c.Correlate(subjects, record.LogRecord{Timestamp: base})
	assert.Equal(t, []int{3}, lines(res))
}

func TestPlaceholderWhenNothingMatches(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	c := New(Config{}, zap.New(core))

	res := c.Correlate(nil, record.LogRecord{LineNumber: 5, Timestamp: base})
	require.Len(t, res.Candidates, 1)
	u, ok := res.Candidates[0].(record.Unmatched)
	require.True(t, ok)
	assert.Equal(t, "No subject queries found for query at `2023-06-15T14:00:00Z`", u.Reason)
	assert.Equal(t, int64(1), c.Unmatched())
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, u.Reason, logs.All()[0].Message)
}

func TestEmptySubjectsAlwaysPlaceholder(t *testing.T) {
	c := New(Config{}, nil)
	ix := c.NewIndex(nil)
	for i := 0; i < 5; i++ {
		res := ix.Correlate(record.LogRecord{Timestamp: base.Add(time.Duration(i) * time.Hour)})
		require.Len(t, res.Candidates, 1)
		assert.IsType(t, record.Unmatched{}, res.Candidates[0])
	}
}

func TestDedupBySignature(t *testing.T) {
	c := New(Config{}, nil)
	subjects := []record.LogRecord{
		subject(1, base.Add(-1*time.Hour), "M00000001", "M00000002"),
		subject(2, base, "M00000001", "M00000002"),
		subject(3, base, "M00000003"),
		subject(4, base, "M00000003"),
		subject(5, base, "M00000002", "M00000001"),
	}
	res := c.Correlate(subjects, record.LogRecord{Timestamp: base})
	assert.Equal(t, []int{1, 3, 5}, lines(res))

	again := Dedup(res.Candidates, record.KindSubject)
	if diff := cmp.Diff(res.Candidates, again, cmpOpts); diff != "" {
		t.Errorf("Dedup is not idempotent (-first +second):\n%s", diff)
	}
}

func TestIndexMatchesLinearScan(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	c := New(Config{}, nil)

	var subjects []record.LogRecord
	ts := base.Add(-48 * time.Hour)
	for i := 0; i < 400; i++ {
		ts = ts.Add(time.Duration(rng.Intn(2)) * time.Hour)
		if rng.Intn(10) == 0 {
			ts = ts.Add(10 * time.Hour)
		}
		subjects = append(subjects, subject(i+1, ts, fmt.Sprintf("M%08d", rng.Intn(30))))
	}
	ix := c.NewIndex(subjects)
	require.True(t, ix.Sorted())
	assert.Equal(t, len(subjects), ix.Len())

	for i := 0; i < 300; i++ {
		a := record.LogRecord{LineNumber: i, Timestamp: base.Add(time.Duration(rng.Intn(400)-200) * time.Hour)}
		want := c.Correlate(subjects, a)
		got := ix.Correlate(a)
		if diff := cmp.Diff(want, got, cmpOpts); diff != "" {
			t.Fatalf("index diverges from linear scan at %s (-linear +index):\n%s", a.Timestamp, diff)
		}
	}
}

func TestIndexFallsBackWhenUnsorted(t *testing.T) {
	c := New(Config{}, nil)
	subjects := []record.LogRecord{
		subject(1, base, "M00000001"),
		subject(2, base.Add(-2*time.Hour), "M00000002"),
	}
	ix := c.NewIndex(subjects)
	assert.False(t, ix.Sorted())
	assert.Equal(t, []int{2, 1}, lines(ix.Correlate(record.LogRecord{Timestamp: base})))
}

func TestCorrelateAllKeepsOrder(t *testing.T) {
	c := New(Config{}, nil)
	var subjects []record.LogRecord
	for h := 0; h < 24; h++ {
		subjects = append(subjects, subject(h+1, base.Add(time.Duration(h)*time.Hour), fmt.Sprintf("M%08d", h)))
	}
	ix := c.NewIndex(subjects)

	var assessments []record.LogRecord
	for i := 0; i < 100; i++ {
		assessments = append(assessments, record.LogRecord{LineNumber: i + 1, Timestamp: base.Add(time.Duration(i%30) * time.Hour)})
	}

	results, err := CorrelateAll(context.Background(), ix, assessments, 3)
	require.NoError(t, err)
	require.Len(t, results, len(assessments))
	for i, res := range results {
		assert.Equal(t, assessments[i].LineNumber, res.Assessment.LineNumber)
		want := ix.Correlate(assessments[i])
		if diff := cmp.Diff(want, res, cmpOpts); diff != "" {
			t.Fatalf("result %d mismatch:\n%s", i, diff)
		}
	}
}

func TestCorrelateAllCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ix := New(Config{}, nil).NewIndex(nil)
	_, err := CorrelateAll(ctx, ix, []record.LogRecord{{Timestamp: base}}, 2)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPlaceholderReasonNamesAssessmentTime(t *testing.T) {
	loc := time.FixedZone("MST", -7*3600)
	c := New(Config{}, nil)
	res := c.Correlate(nil, record.LogRecord{Timestamp: time.Date(2023, 1, 2, 3, 0, 0, 0, loc)})
	u := res.Candidates[0].(record.Unmatched)
	assert.True(t, strings.HasSuffix(u.Reason, "`2023-01-02T03:00:00-07:00`"))
}
