// Package telemetry exposes batch statistics as Prometheus metrics. A batch
// run is short-lived, so metrics are written once in the textfile collector
// format instead of being served over HTTP.
package telemetry

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dhcgn/ymdecode/stats"
)

// Metrics holds the counters of one run on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	files   *prometheus.CounterVec
	records prometheus.Counter
	lines   prometheus.Counter
	errors  *prometheus.CounterVec
}

// New registers the run counters.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ymdecode_files_total",
			Help: "Archive files by outcome",
		}, []string{"outcome"}),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ymdecode_records_total",
			Help: "Archive records framed",
		}),
		lines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ymdecode_lines_total",
			Help: "Decoded lines written",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ymdecode_errors_total",
			Help: "Errors by pipeline stage",
		}, []string{"stage"}),
	}
	m.registry.MustRegister(m.files, m.records, m.lines, m.errors)
	return m
}

// Registry returns the registry holding the run counters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe records one pipeline event.
func (m *Metrics) Observe(evt stats.Event) {
	switch evt.Type {
	case stats.EventTypeDecoded, stats.EventTypeDryRunDecoded, stats.EventTypeSkipped,
		stats.EventTypeFailed, stats.EventTypeExported, stats.EventTypeDiscovered:
		m.files.WithLabelValues(string(evt.Type)).Inc()
	case stats.EventTypeError:
		m.errors.WithLabelValues(string(evt.Stage)).Inc()
	}
	if evt.Type == stats.EventTypeFailed {
		m.errors.WithLabelValues(string(evt.Stage)).Inc()
	}
	m.records.Add(float64(evt.Records))
	m.lines.Add(float64(evt.Lines))
}

// Subscriber consumes pipeline events until the stream closes.
func (m *Metrics) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			m.Observe(evt)
		}
	}
}

// WriteFile writes all counters to path, atomically replacing the file.
func (m *Metrics) WriteFile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics file: %w", err)
	}
	return nil
}
