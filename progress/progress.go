package progress

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/ymdecode/stats"
)

// Bar tracks decoded archive files. A disabled Bar ignores every call.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	done    int
	mu      sync.Mutex
	enabled bool
}

// New starts a progress bar over total archive files when enabled.
func New(total int, enabled bool) *Bar {
	bar := &Bar{
		total:   total,
		enabled: enabled && total > 0,
	}

	if bar.enabled {
		pb, err := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle("Decoding archives").
			Start()
		if err != nil {
			bar.enabled = false
			return bar
		}
		bar.pb = pb
	}

	return bar
}

// Update advances the bar once per finished file and prints failures above it.
func (b *Bar) Update(evt stats.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeDecoded, stats.EventTypeDryRunDecoded, stats.EventTypeSkipped:
		b.advance(evt.File)
	case stats.EventTypeFailed:
		b.printError(evt.Err)
		b.advance(evt.File)
	case stats.EventTypeError:
		b.printError(evt.Err)
	}
}

func (b *Bar) advance(file string) {
	b.done++
	if !b.enabled || b.pb == nil {
		return
	}
	if file != "" {
		b.pb.UpdateTitle("Decoding " + shortName(file))
	}
	b.pb.Increment()
}

func (b *Bar) printError(err error) {
	if b.enabled && err != nil {
		pterm.Error.Printf("%v\n", err)
	}
}

// Done returns the number of files that finished so far.
func (b *Bar) Done() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.enabled || b.pb == nil {
		return
	}
	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
}

// Subscriber feeds the bar from the runner's event stream.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// PrintSummary prints the final statistics as a pterm section.
func PrintSummary(summary stats.Summary, duration time.Duration) {
	pterm.Println()
	pterm.DefaultSection.Println("Summary")
	pterm.Info.Printf("Duration: %v\n", duration.Round(time.Millisecond))
	pterm.Info.Printf("Archive files: %d\n", summary.Discovered)
	pterm.Info.Printf("Decoded: %d\n", summary.Decoded)
	pterm.Info.Printf("Dry-run decoded: %d\n", summary.DryRunDecoded)
	pterm.Info.Printf("Unchanged (skipped): %d\n", summary.Skipped)
	pterm.Info.Printf("Records: %d\n", summary.Records)
	pterm.Info.Printf("Lines: %d\n", summary.Lines)
	pterm.Info.Printf("Exported: %d\n", summary.Exported)
	if summary.Failed > 0 || summary.Errors > 0 {
		pterm.Error.Printf("Failed: %d, errors: %d\n", summary.Failed, summary.Errors)
	}
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
}

func shortName(path string) string {
	name := filepath.Join(filepath.Base(filepath.Dir(path)), filepath.Base(path))
	if len(name) > 40 {
		name = "..." + name[len(name)-37:]
	}
	return name
}
