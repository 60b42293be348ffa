package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/ymdecode/archive"
)

var newYear = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

func buildArchive(t *testing.T, key archive.Key) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := archive.NewWriter(&buf, key)
	require.NoError(t, w.WriteRecord(newYear, 0, []byte("\x1b[1mhi\x1b[x1m")))
	require.NoError(t, w.WriteRecord(newYear.Add(time.Hour), 1, []byte("<font face=\"Arial\">a</font>")))
	require.NoError(t, w.WriteRecord(newYear.Add(48*time.Hour), 1, nil))
	require.NoError(t, w.WriteRecord(newYear.Add(48*time.Hour), 1, []byte("a\x1b")))
	return buf.Bytes()
}

func TestInspect(t *testing.T) {
	key := archive.Key("me")
	report, err := Inspect(key, bytes.NewReader(buildArchive(t, key)), 0)
	require.NoError(t, err)

	assert.Equal(t, 4, report.Records)
	assert.Equal(t, 1, report.Empty)
	assert.Equal(t, 1, report.Outgoing)
	assert.Equal(t, 2, report.Incoming)
	assert.True(t, report.First.Equal(newYear))
	assert.True(t, report.Last.Equal(newYear.Add(48*time.Hour)))

	assert.Equal(t, map[string]int{
		"style":       1,
		"color":       1,
		"font-open":   1,
		"font-close":  1,
		unknownEscape: 1,
	}, report.Counters[CategoryTokens])
	assert.Equal(t, map[string]int{"2020-01-01": 2, "2020-01-03": 2}, report.Counters[CategoryDays])
}

func TestInspectReportsDamage(t *testing.T) {
	key := archive.Key("me")
	data := buildArchive(t, key)

	report, err := Inspect(key, bytes.NewReader(data[:len(data)-1]), 0)
	require.ErrorIs(t, err, archive.ErrFraming)
	assert.Equal(t, 3, report.Records)
}

func TestInspectCommand(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "me", "Archive", "Messages", "buddy", "20200101-me.dat")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, buildArchive(t, archive.Key("me")), 0o644))
	reportDir := filepath.Join(root, "reports")

	var out bytes.Buffer
	cmd := NewInspectCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{path, "--report", reportDir, "--timezone", "UTC", "--top", "3"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "Records: 4 (empty 1, incoming 2, outgoing 1)")
	assert.Contains(t, out.String(), "Time range: 2020-01-01 00:00:00 to 2020-01-03 00:00:00")
	assert.Contains(t, out.String(), "Top 3 tokens:")

	csvData, err := os.ReadFile(filepath.Join(reportDir, "report_tokens.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(csvData)), "\n")
	assert.Equal(t, "Value,Count", lines[0])
	assert.Len(t, lines, 6)

	_, err = os.Stat(filepath.Join(reportDir, "report_days.csv"))
	assert.NoError(t, err)
}

func TestInspectCommandRejectsMissingFile(t *testing.T) {
	cmd := NewInspectCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{filepath.Join(t.TempDir(), "missing.dat"), "--id", "me", "--timezone", "UTC"})
	assert.Error(t, cmd.Execute())
}
