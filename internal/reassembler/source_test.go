package reassembler

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qbcorrelate/internal/record"
)

const sampleLog = "20230615 09:10:00:INFO: a\ncont\n20230615 10:00:00:INFO: b\n"

func readRecords(t *testing.T, path string) []record.LogRecord {
	t.Helper()
	rc, err := Open(path)
	require.NoError(t, err)
	defer rc.Close()

	r := New(NewScannerSource(rc, path, 0), Options{Extractor: record.NewExtractor(time.UTC, 0)})
	recs, err := Collect(context.Background(), r)
	require.NoError(t, err)
	return recs
}

func TestOpenDetectsCompression(t *testing.T) {
	dir := t.TempDir()

	plain := filepath.Join(dir, "plain.log")
	require.NoError(t, os.WriteFile(plain, []byte(sampleLog), 0644))

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, err := io.WriteString(gw, sampleLog)
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	gzPath := filepath.Join(dir, "log.gz")
	require.NoError(t, os.WriteFile(gzPath, gz.Bytes(), 0644))

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	zstPath := filepath.Join(dir, "log.zst")
	require.NoError(t, os.WriteFile(zstPath, enc.EncodeAll([]byte(sampleLog), nil), 0644))
	require.NoError(t, enc.Close())

	want := readRecords(t, plain)
	require.Len(t, want, 2)
	assert.Equal(t, "20230615 09:10:00:INFO: a\ncont", want[0].RawText)

	for _, p := range []string{gzPath, zstPath} {
		t.Run(filepath.Base(p), func(t *testing.T) {
			assert.Equal(t, want, readRecords(t, p))
		})
	}
}

func TestLeadingByteOrderMarkStripped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bom.log")
	require.NoError(t, os.WriteFile(path, []byte("\ufeff"+sampleLog), 0644))

	recs := readRecords(t, path)
	require.Len(t, recs, 2)
	assert.Equal(t, 1, recs[0].LineNumber)
	assert.Equal(t, "20230615 09:10:00:INFO: a\ncont", recs[0].RawText)
}

func TestByteOrderMarkOnlyStrippedFromFirstLine(t *testing.T) {
	src := NewScannerSource(strings.NewReader("\ufeffone\n\ufefftwo\n"), "t", 0)
	line, err := src.Next()
	require.NoError(t, err)
	assert.Equal(t, "one", line)
	line, err = src.Next()
	require.NoError(t, err)
	assert.Equal(t, "\ufefftwo", line)
}

func TestOpenTinyAndMissingFiles(t *testing.T) {
	dir := t.TempDir()
	tiny := filepath.Join(dir, "tiny.log")
	require.NoError(t, os.WriteFile(tiny, []byte("x"), 0644))
	assert.Empty(t, readRecords(t, tiny))

	_, err := Open(filepath.Join(dir, "missing.log"))
	assert.Error(t, err)
}
