// Package mbox appends decoded conversations to a single mbox file so the
// archive can be opened by any mail client.
package mbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/ymdecode/message"
	"github.com/dhcgn/ymdecode/model"
	"github.com/dhcgn/ymdecode/runner"
)

type Options struct {
	Path   string
	Domain string
	DryRun bool
}

// Exporter writes one message per conversation. The file is opened on the
// first export and appended to, so earlier runs are kept.
type Exporter struct {
	opts   Options
	logger *slog.Logger

	file   *os.File
	writer *mboxlib.Writer
	count  int
}

func NewExporter(opts Options, logger *slog.Logger) (*Exporter, error) {
	opts.Path = strings.TrimSpace(opts.Path)
	if opts.Path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	return &Exporter{opts: opts, logger: logger}, nil
}

// Register creates an Exporter and adds it to the runner's sinks.
func Register(opts Options, r *runner.Runner, logger *slog.Logger) (*Exporter, error) {
	exporter, err := NewExporter(opts, logger)
	if err != nil {
		return nil, err
	}
	r.AddSink(exporter)
	return exporter, nil
}

func (e *Exporter) Name() string {
	return "mbox"
}

func (e *Exporter) Export(ctx context.Context, conv model.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := message.Compose(conv, message.Options{Domain: e.opts.Domain})
	if err != nil {
		return err
	}

	if e.opts.DryRun {
		if e.logger != nil {
			e.logger.Debug("dry-run mbox export", "messageID", msg.ID, "path", e.opts.Path)
		}
		return nil
	}

	if e.writer == nil {
		if err := e.open(); err != nil {
			return err
		}
	}

	w, err := e.writer.CreateMessage(msg.From, msg.Date)
	if err != nil {
		return fmt.Errorf("create mbox message: %w", err)
	}
	if _, err := w.Write(msg.Raw); err != nil {
		return fmt.Errorf("write mbox message: %w", err)
	}
	e.count++

	if e.logger != nil {
		e.logger.Debug("mbox message written", "messageID", msg.ID, "path", e.opts.Path)
	}
	return nil
}

// Close finishes the last message and closes the file.
func (e *Exporter) Close() error {
	if e.file == nil {
		return nil
	}
	err := e.writer.Close()
	if cerr := e.file.Close(); err == nil {
		err = cerr
	}
	e.file, e.writer = nil, nil
	if err != nil {
		return fmt.Errorf("close mbox: %w", err)
	}
	if e.logger != nil {
		e.logger.Info("mbox written", "path", e.opts.Path, "messages", e.count)
	}
	return nil
}

func (e *Exporter) open() error {
	if dir := filepath.Dir(e.opts.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create mbox directory: %w", err)
		}
	}
	file, err := os.OpenFile(e.opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	e.file = file
	e.writer = mboxlib.NewWriter(file)
	return nil
}
