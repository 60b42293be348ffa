package progress

import (
	"context"
	"errors"
	"testing"

	"github.com/dhcgn/ymdecode/stats"
)

func TestDisabledBarCountsFinishedFiles(t *testing.T) {
	bar := New(3, false)

	events := make(chan stats.Event, 8)
	events <- stats.Event{Type: stats.EventTypeDiscovered, File: "a.dat"}
	events <- stats.Event{Type: stats.EventTypeDecoded, File: "a.dat"}
	events <- stats.Event{Type: stats.EventTypeSkipped, File: "b.dat"}
	events <- stats.Event{Type: stats.EventTypeFailed, File: "c.dat", Err: errors.New("truncated")}
	events <- stats.Event{Type: stats.EventTypeExported, File: "a.dat"}
	events <- stats.Event{Type: stats.EventTypeError, Err: errors.New("boom")}
	close(events)

	if err := bar.Subscriber(context.Background(), events); err != nil {
		t.Fatalf("Subscriber: %v", err)
	}
	bar.Stop()

	if got := bar.Done(); got != 3 {
		t.Fatalf("expected 3 finished files, got %d", got)
	}
}

func TestNewWithoutFilesIsDisabled(t *testing.T) {
	bar := New(0, true)
	if bar.enabled {
		t.Fatal("empty run must not start a progress bar")
	}
	bar.Update(stats.Event{Type: stats.EventTypeDecoded})
	bar.Stop()
}

func TestShortName(t *testing.T) {
	if got := shortName("/p/Messages/alice/20080314-me.dat"); got != "alice/20080314-me.dat" {
		t.Fatalf("unexpected short name %q", got)
	}
	long := "/p/Messages/a_really_long_counterpart_name_here/20080314-me.dat"
	if got := shortName(long); len(got) != 40 {
		t.Fatalf("expected 40 chars, got %d (%q)", len(got), got)
	}
}
