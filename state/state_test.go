package state

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"
)

func countLines(t *testing.T, path string) int {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer file.Close()

	n := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		n++
	}
	return n
}

func TestFileTrackerPersists(t *testing.T) {
	dir := t.TempDir()

	tracker, err := NewFileTracker(dir, "me", true)
	if err != nil {
		t.Fatalf("NewFileTracker() error = %v", err)
	}
	if err := tracker.MarkDecoded("alice/20080115-me.dat", "h1"); err != nil {
		t.Fatalf("MarkDecoded() error = %v", err)
	}
	if err := tracker.MarkDecoded("alice/20080115-me.dat", "h1"); err != nil {
		t.Fatalf("MarkDecoded() repeat error = %v", err)
	}
	if err := tracker.MarkDecoded("ignored", ""); err != nil {
		t.Fatalf("MarkDecoded() empty hash error = %v", err)
	}
	if err := tracker.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := tracker.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	path := filepath.Join(dir, "me.jsonl")
	if got := countLines(t, path); got != 1 {
		t.Fatalf("state file has %d lines, want 1", got)
	}

	reloaded, err := NewFileTracker(dir, "me", false)
	if err != nil {
		t.Fatalf("reload error = %v", err)
	}
	if !reloaded.Unchanged("alice/20080115-me.dat", "h1") {
		t.Error("Expected alice/20080115-me.dat to be unchanged after reload")
	}
	if reloaded.Unchanged("alice/20080115-me.dat", "h2") {
		t.Error("Expected a new hash to count as changed")
	}
	entry, ok := reloaded.Entry("alice/20080115-me.dat")
	if !ok || entry.DecodedAt.IsZero() {
		t.Errorf("Entry() = %+v, %v; want a decode time", entry, ok)
	}
	if got := reloaded.Snapshot().Files; got != 1 {
		t.Errorf("Snapshot().Files = %d, want 1", got)
	}
}

func TestTrackerKeysBySource(t *testing.T) {
	tracker := NewMemoryTracker()
	if err := tracker.MarkDecoded("alice/20080115-me.dat", "same"); err != nil {
		t.Fatal(err)
	}

	if tracker.Unchanged("bob/20080115-me.dat", "same") {
		t.Error("identical content under another path must not count as decoded")
	}
	if !tracker.Unchanged("alice/20080115-me.dat", "same") {
		t.Error("Expected the marked path to be unchanged")
	}
}

func TestFileTrackerCompactsChangedEntries(t *testing.T) {
	dir := t.TempDir()

	tracker, err := NewFileTracker(dir, "", true)
	if err != nil {
		t.Fatalf("NewFileTracker() error = %v", err)
	}
	for _, hash := range []string{"v1", "v2", "v3"} {
		if err := tracker.MarkDecoded("alice/a.dat", hash); err != nil {
			t.Fatalf("MarkDecoded(%s) error = %v", hash, err)
		}
	}
	if err := tracker.MarkDecoded("bob/b.dat", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Close(); err != nil {
		t.Fatal(err)
	}
	if got := countLines(t, tracker.Path()); got != 4 {
		t.Fatalf("journal has %d lines before compaction, want 4", got)
	}

	reopened, err := NewFileTracker(dir, "", true)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	if err := reopened.Close(); err != nil {
		t.Fatal(err)
	}
	if got := countLines(t, tracker.Path()); got != 2 {
		t.Fatalf("journal has %d lines after compaction, want 2", got)
	}
	if !reopened.Unchanged("alice/a.dat", "v3") || reopened.Unchanged("alice/a.dat", "v1") {
		t.Error("Expected the last hash of alice/a.dat to win")
	}
}

func TestFileTrackerNoPersist(t *testing.T) {
	dir := t.TempDir()

	tracker, err := NewFileTracker(dir, "", false)
	if err != nil {
		t.Fatalf("NewFileTracker() error = %v", err)
	}
	if err := tracker.MarkDecoded("file", "h1"); err != nil {
		t.Fatalf("MarkDecoded() error = %v", err)
	}
	if !tracker.Unchanged("file", "h1") {
		t.Error("Expected in-memory mark")
	}
	if _, err := os.Stat(tracker.Path()); !os.IsNotExist(err) {
		t.Errorf("Expected no state file, stat err = %v", err)
	}
}

func TestFileTrackerCorruptState(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "processed.jsonl"), []byte("{not json\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileTracker(dir, "", false); err == nil {
		t.Error("Expected parse error for corrupt state file")
	}
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	if err := os.WriteFile(a, []byte("same"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("same"), 0o644); err != nil {
		t.Fatal(err)
	}

	ha, err := HashFile(a)
	if err != nil {
		t.Fatalf("HashFile() error = %v", err)
	}
	hb, err := HashFile(b)
	if err != nil {
		t.Fatalf("HashFile() error = %v", err)
	}
	if ha != hb || ha == "" {
		t.Errorf("HashFile() = %q and %q, want equal non-empty", ha, hb)
	}

	if _, err := HashFile(filepath.Join(dir, "missing")); err == nil {
		t.Error("Expected error for missing file")
	}
}
