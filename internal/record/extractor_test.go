package record

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRecordStart(t *testing.T) {
	ex := NewExtractor(time.UTC, 0)

	tests := []struct {
		name string
		line string
		want bool
	}{
		{"info line", "20230615 14:23:07:INFO: SELECT * FROM subjects", true},
		{"debug line", "20230615 01:00:00:Debug: x", true},
		{"continuation", "  WHERE ursi = 'M12345678'", false},
		{"missing level colon", "20230615 14:23:07:INFO SELECT", false},
		{"date not at start", "select '20230615 14:23:07:INFO:'", false},
		{"short date", "2023061 14:23:07:INFO:", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ex.IsRecordStart(tt.line))
		})
	}
}

func TestExtractDate(t *testing.T) {
	ex := NewExtractor(time.UTC, 0)

	t.Run("truncates to the hour", func(t *testing.T) {
		got, err := ex.ExtractDate("20230615 14:23:07:INFO: SELECT ... M12345678 ...")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2023, 6, 15, 14, 0, 0, 0, time.UTC), got)
	})

	t.Run("missing prefix", func(t *testing.T) {
		_, err := ex.ExtractDate("no timestamp here")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrMalformedTimestamp))
		var mte *MalformedTimestampError
		require.True(t, errors.As(err, &mte))
		assert.Equal(t, "no timestamp here", mte.Line)
	})

	t.Run("not a calendar date", func(t *testing.T) {
		_, err := ex.ExtractDate("20231345 14:23:07:INFO: x")
		assert.ErrorIs(t, err, ErrMalformedTimestamp)
	})

	t.Run("hour out of range", func(t *testing.T) {
		_, err := ex.ExtractDate("20230615 25:00:00:INFO: x")
		assert.ErrorIs(t, err, ErrMalformedTimestamp)
	})

	t.Run("parses in configured location", func(t *testing.T) {
		loc := time.FixedZone("MST", -7*3600)
		got, err := NewExtractor(loc, 0).ExtractDate("20230615 14:59:59:INFO: x")
		require.NoError(t, err)
		assert.True(t, got.Equal(time.Date(2023, 6, 15, 21, 0, 0, 0, time.UTC)))
		assert.Equal(t, loc, got.Location())
	})
}

func TestTruncate(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		ex := NewExtractor(time.UTC, 0)
		once := ex.Truncate(time.Date(2023, 6, 15, 14, 23, 7, 999, time.UTC))
		assert.Equal(t, once, ex.Truncate(once))
		assert.Equal(t, 0, once.Minute())
		assert.Equal(t, 0, once.Second())
		assert.Equal(t, 0, once.Nanosecond())
	})

	t.Run("half hour zone keeps local hour boundary", func(t *testing.T) {
		loc := time.FixedZone("IST", 5*3600+1800)
		ex := NewExtractor(loc, 0)
		got := ex.Truncate(time.Date(2023, 6, 15, 10, 45, 0, 0, loc))
		assert.Equal(t, time.Date(2023, 6, 15, 10, 0, 0, 0, loc), got)
	})

	t.Run("custom granularity", func(t *testing.T) {
		ex := NewExtractor(time.UTC, 15*time.Minute)
		got := ex.Truncate(time.Date(2023, 6, 15, 10, 44, 59, 0, time.UTC))
		assert.Equal(t, time.Date(2023, 6, 15, 10, 30, 0, 0, time.UTC), got)
	})
}
