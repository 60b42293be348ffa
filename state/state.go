// Package state remembers which archive files were decoded and what their
// content was at the time, so that a rerun over the same profile only decodes
// files that are new or changed.
//
// Entries are keyed by the archive path. Two files with identical bytes are
// still tracked separately, because they render under different speakers.
package state

import (
	"bufio"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type Tracker interface {
	// Unchanged reports whether source was decoded before with the same
	// content hash.
	Unchanged(source, hash string) bool
	MarkDecoded(source, hash string) error
	Snapshot() Snapshot
	Close() error
}

type Snapshot struct {
	Files int
}

// Entry is the remembered state of one archive file.
type Entry struct {
	Source    string    `json:"source"`
	Hash      string    `json:"hash"`
	DecodedAt time.Time `json:"decodedAt"`
}

// HashFile returns the base64 sha256 of the file content at path.
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	sum := sha256.New()
	if _, err := io.Copy(sum, file); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return base64.StdEncoding.EncodeToString(sum.Sum(nil)), nil
}

type MemoryTracker struct {
	mu    sync.RWMutex
	files map[string]Entry
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{files: make(map[string]Entry)}
}

func (m *MemoryTracker) Unchanged(source, hash string) bool {
	if source == "" || hash == "" {
		return false
	}

	m.mu.RLock()
	entry, ok := m.files[source]
	m.mu.RUnlock()
	return ok && entry.Hash == hash
}

func (m *MemoryTracker) MarkDecoded(source, hash string) error {
	m.record(source, hash)
	return nil
}

// Entry returns the remembered state of source.
func (m *MemoryTracker) Entry(source string) (Entry, bool) {
	m.mu.RLock()
	entry, ok := m.files[source]
	m.mu.RUnlock()
	return entry, ok
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.files)
	m.mu.RUnlock()
	return Snapshot{Files: count}
}

func (m *MemoryTracker) Close() error {
	return nil
}

// record stores the entry and returns it, or reports false when nothing
// changed.
func (m *MemoryTracker) record(source, hash string) (Entry, bool) {
	if source == "" || hash == "" {
		return Entry{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.files[source]; ok && prev.Hash == hash {
		return Entry{}, false
	}
	entry := Entry{Source: source, Hash: hash, DecodedAt: time.Now().UTC()}
	m.files[source] = entry
	return entry, true
}

// FileTracker keeps the entries in a JSONL journal. Every change appends a
// line; on load the last line of each source wins and superseded lines are
// compacted away.
type FileTracker struct {
	*MemoryTracker
	path    string
	persist bool

	writeMu sync.Mutex
	writer  *bufio.Writer
	file    *os.File
}

// NewFileTracker loads <stateDir>/<name>.jsonl. Without persist, marks are
// kept in memory only and the journal is left untouched.
func NewFileTracker(stateDir, name string, persist bool) (*FileTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}
	if name == "" {
		name = "processed"
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	tracker := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          filepath.Join(stateDir, name+".jsonl"),
		persist:       persist,
	}

	lines, err := tracker.load()
	if err != nil {
		return nil, err
	}

	if persist {
		if lines > len(tracker.files) {
			if err := tracker.compact(); err != nil {
				return nil, err
			}
		}
		file, err := os.OpenFile(tracker.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open state file for append: %w", err)
		}
		tracker.file = file
		tracker.writer = bufio.NewWriterSize(file, 64*1024)
	}

	return tracker, nil
}

// Path returns the state file location.
func (f *FileTracker) Path() string {
	return f.path
}

// load reads the journal and returns the number of entry lines in it.
func (f *FileTracker) load() (int, error) {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	entries := 0
	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(text, &entry); err != nil {
			return 0, fmt.Errorf("parse state line %d: %w", line, err)
		}
		if entry.Source == "" || entry.Hash == "" {
			continue
		}
		entries++
		f.files[entry.Source] = entry
	}

	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read state file: %w", err)
	}
	return entries, nil
}

// compact rewrites the journal with one line per source.
func (f *FileTracker) compact() error {
	sources := make([]string, 0, len(f.files))
	for source := range f.files {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("compact state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, source := range sources {
		if err := enc.Encode(f.files[source]); err != nil {
			tmp.Close()
			return fmt.Errorf("compact state file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("compact state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("compact state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("compact state file: %w", err)
	}
	return nil
}

func (f *FileTracker) MarkDecoded(source, hash string) error {
	entry, changed := f.record(source, hash)
	if !changed || !f.persist {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode state entry: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if f.file == nil {
		return fmt.Errorf("state file %s is closed", f.path)
	}
	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write state entry: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	return nil
}

// Close flushes and closes the state file. Calling it again is a no-op.
func (f *FileTracker) Close() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if !f.persist || f.file == nil {
		return nil
	}

	var firstErr error
	if err := f.writer.Flush(); err != nil {
		firstErr = fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync state file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}
	f.file = nil

	return firstErr
}
