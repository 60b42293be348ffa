package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageScan   Stage = "scan"
	StageDecode Stage = "decode"
	StageExport Stage = "export"
)

type EventType string

const (
	EventTypeDiscovered    EventType = "discovered"
	EventTypeDecoded       EventType = "decoded"
	EventTypeDryRunDecoded EventType = "dry_run_decoded"
	EventTypeSkipped       EventType = "skipped"
	EventTypeFailed        EventType = "failed"
	EventTypeExported      EventType = "exported"
	EventTypeError         EventType = "error"
)

type Event struct {
	Stage   Stage
	Type    EventType
	File    string
	Err     error
	Detail  string
	Records int
	Lines   int
}

type Summary struct {
	Discovered    int
	Decoded       int
	DryRunDecoded int
	Skipped       int
	Failed        int
	Exported      int
	Records       int
	Lines         int
	Errors        int
	LastError     error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"discovered", s.Discovered,
		"decoded", s.Decoded,
		"dryRunDecoded", s.DryRunDecoded,
		"skipped", s.Skipped,
		"failed", s.Failed,
		"exported", s.Exported,
		"records", s.Records,
		"lines", s.Lines,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Apply folds a single event into the summary.
func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeDiscovered:
		c.summary.Discovered++
	case EventTypeDecoded:
		c.summary.Decoded++
	case EventTypeDryRunDecoded:
		c.summary.DryRunDecoded++
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeExported:
		c.summary.Exported++
	case EventTypeFailed:
		c.summary.Failed++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
	c.summary.Records += evt.Records
	c.summary.Lines += evt.Lines
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	for i, p := range SortedCounts(m) {
		if i >= limit {
			break
		}
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}

// Count is one entry of a frequency table.
type Count struct {
	Key   string
	Value int
}

// SortedCounts orders m by descending count, ties broken by key.
func SortedCounts(m map[string]int) []Count {
	pairs := make([]Count, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Count{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})
	return pairs
}
