package telemetry

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/ymdecode/stats"
)

func TestObserve(t *testing.T) {
	m := New()
	m.Observe(stats.Event{Stage: stats.StageDecode, Type: stats.EventTypeDecoded, Records: 3, Lines: 2})
	m.Observe(stats.Event{Stage: stats.StageDecode, Type: stats.EventTypeDecoded, Records: 1, Lines: 1})
	m.Observe(stats.Event{Stage: stats.StageDecode, Type: stats.EventTypeFailed, Err: errors.New("cut")})
	m.Observe(stats.Event{Stage: stats.StageExport, Type: stats.EventTypeError})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.files.WithLabelValues("decoded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.files.WithLabelValues("failed")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.records))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.lines))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("decode")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("export")))
}

func TestWriteFile(t *testing.T) {
	m := New()
	m.Observe(stats.Event{Type: stats.EventTypeDecoded, Lines: 7})

	path := filepath.Join(t.TempDir(), "ymdecode.prom")
	require.NoError(t, m.WriteFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.Contains(text, `ymdecode_files_total{outcome="decoded"} 1`), text)
	assert.True(t, strings.Contains(text, "ymdecode_lines_total 7"), text)
}
