// Package layout maps a messenger profile directory to decoding jobs.
//
// A profile keeps one sub-directory per counterpart under Archive/Messages,
// each holding per-day archive files named after their date, for example
// Archive/Messages/buddy/20080115-myid.dat. Decoded files go to
// <output>/<counterpart>/2008-01-15.txt.
package layout

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhcgn/ymdecode/model"
)

const (
	archiveSubdir = "Archive"
	messageSubdir = "Messages"
	decodedSubdir = "Decoded_Archive"

	archiveExt = ".dat"
	outputExt  = ".txt"
	dayLayout  = "20060102"

	// minNameLen is the shortest archive file name accepted, extension included.
	minNameLen = 11
)

// ErrNoAccountID is returned when no account id can be derived from a profile.
var ErrNoAccountID = errors.New("cannot derive account id from profile directory")

// Profile is a local messenger profile.
type Profile struct {
	Dir string
	ID  string
}

// ProfileFromDir returns the profile rooted at dir. The account id is the
// base name of the directory.
func ProfileFromDir(dir string) (Profile, error) {
	dir = filepath.Clean(strings.TrimSpace(dir))
	info, err := os.Stat(dir)
	if err != nil {
		return Profile{}, fmt.Errorf("profile directory: %w", err)
	}
	if !info.IsDir() {
		return Profile{}, fmt.Errorf("profile directory %s is not a directory", dir)
	}

	id := filepath.Base(dir)
	if id == "." || id == string(filepath.Separator) {
		return Profile{}, fmt.Errorf("%w: %s", ErrNoAccountID, dir)
	}
	return Profile{Dir: dir, ID: id}, nil
}

// ArchiveDir returns the directory holding the per-counterpart archives.
func (p Profile) ArchiveDir() string {
	return filepath.Join(p.Dir, archiveSubdir, messageSubdir)
}

// DefaultOutputDir returns the directory decoded files go to by default.
func (p Profile) DefaultOutputDir() string {
	return filepath.Join(p.Dir, decodedSubdir)
}

// Scan lists every archive file of the profile as a job writing below
// outDir. Counterpart directories that cannot be read are logged and skipped.
func Scan(p Profile, outDir string, logger *slog.Logger) ([]model.Job, error) {
	entries, err := os.ReadDir(p.ArchiveDir())
	if err != nil {
		return nil, fmt.Errorf("read archive directory: %w", err)
	}

	var jobs []model.Job
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		counterpart := entry.Name()
		dir := filepath.Join(p.ArchiveDir(), counterpart)

		files, err := os.ReadDir(dir)
		if err != nil {
			if logger != nil {
				logger.Warn("skipping counterpart directory", "counterpart", counterpart, "err", err)
			}
			continue
		}

		used := make(map[string]int)
		for _, file := range files {
			name := file.Name()
			if file.IsDir() || !IsArchiveName(name) {
				continue
			}

			day, base := OutputName(name)
			used[base]++
			if n := used[base]; n > 1 {
				base = fmt.Sprintf("%s_%d", base, n)
			}

			jobs = append(jobs, model.Job{
				Counterpart: counterpart,
				Input:       filepath.Join(dir, name),
				Output:      filepath.Join(outDir, counterpart, base+outputExt),
				Day:         day,
			})
		}
	}

	return jobs, nil
}

// IsArchiveName reports whether name looks like a per-day archive file.
func IsArchiveName(name string) bool {
	return len(name) >= minNameLen && strings.HasSuffix(name, archiveExt)
}

// OutputName derives the day and the output base name (without extension)
// from an archive file name. Names that do not start with a valid YYYYMMDD
// keep their own base name and report a zero day.
func OutputName(name string) (time.Time, string) {
	if len(name) >= len(dayLayout) {
		if day, err := time.Parse(dayLayout, name[:len(dayLayout)]); err == nil {
			return day, day.Format(time.DateOnly)
		}
	}
	return time.Time{}, strings.TrimSuffix(name, archiveExt)
}
