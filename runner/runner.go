package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dhcgn/ymdecode/archive"
	"github.com/dhcgn/ymdecode/config"
	"github.com/dhcgn/ymdecode/filter"
	"github.com/dhcgn/ymdecode/layout"
	"github.com/dhcgn/ymdecode/model"
	"github.com/dhcgn/ymdecode/state"
	"github.com/dhcgn/ymdecode/stats"
)

// ErrFilesFailed is returned by Start when at least one archive file could
// not be decoded completely. All other files were still processed.
var ErrFilesFailed = errors.New("some archive files failed to decode")

type StageFunc func(context.Context) error

// Sink receives every successfully decoded conversation, in the order the
// decode workers finish them. Export is only called from the export stage,
// so sinks need no locking.
type Sink interface {
	Name() string
	Export(ctx context.Context, conv model.Conversation) error
	Close() error
}

type stage struct {
	name string
	fn   StageFunc
}

type subscriber struct {
	name   string
	fn     func(context.Context, <-chan stats.Event) error
	events chan stats.Event
}

type Runner struct {
	cfg     config.Config
	logger  *slog.Logger
	profile layout.Profile
	key     archive.Key
	opts    archive.Options
	outDir  string

	ctx    context.Context
	cancel context.CancelFunc

	// Subscribers outlive a failed pipeline so they still see every event
	// sent before the failure.
	statsCtx    context.Context
	statsCancel context.CancelFunc

	jobList       []model.Job
	scanned       bool
	jobs          chan model.Job
	conversations chan model.Conversation

	stages      []stage
	subscribers []*subscriber
	sinks       []Sink

	tracker state.Tracker

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	failed atomic.Int64

	closeJobsOnce          sync.Once
	closeConversationsOnce sync.Once
	closeEventsOnce        sync.Once
	since                  time.Time
}

// New validates the account key and prepares a run over cfg.ProfileDir.
// An empty account id is rejected here, before any file is opened.
func New(parent context.Context, cfg config.Config, logger *slog.Logger) (*Runner, error) {
	profile, err := layout.ProfileFromDir(cfg.ProfileDir)
	if err != nil {
		return nil, err
	}
	if cfg.AccountID != "" {
		profile.ID = cfg.AccountID
	}

	key, err := archive.NewKey(profile.ID)
	if err != nil {
		return nil, fmt.Errorf("account id: %w", err)
	}

	opts := archive.Options{
		LocalLabel: cfg.LocalLabel,
		Location:   cfg.Location,
		MaxBody:    cfg.MaxBody,
		Charset:    cfg.Encoding,
	}
	filterOpts := filter.Options{
		IncludeSpeaker: cfg.IncludeSpeaker,
		IncludeText:    cfg.IncludeText,
		ExcludeSpeaker: cfg.ExcludeSpeaker,
		ExcludeText:    cfg.ExcludeText,
	}
	if filterOpts.Active() {
		f, err := filter.New(filterOpts)
		if err != nil {
			return nil, fmt.Errorf("line filter: %w", err)
		}
		opts.Filter = f
	}

	tracker, err := state.NewFileTracker(cfg.StateDir, stateName(profile.ID), !cfg.DryRun)
	if err != nil {
		return nil, fmt.Errorf("state tracker: %w", err)
	}

	outDir := cfg.OutputDir
	if outDir == "" {
		outDir = profile.DefaultOutputDir()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	statsCtx, statsCancel := context.WithCancel(parent)

	r := &Runner{
		cfg:           cfg,
		logger:        logger,
		profile:       profile,
		key:           key,
		opts:          opts,
		outDir:        outDir,
		ctx:           ctx,
		cancel:        cancel,
		statsCtx:      statsCtx,
		statsCancel:   statsCancel,
		jobs:          make(chan model.Job, 32),
		conversations: make(chan model.Conversation, 8),
		tracker:       tracker,
	}

	r.AddStage("scan", r.scan)
	r.AddStage("decode", r.decode)
	r.AddStage("export", r.export)
	return r, nil
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) Tracker() state.Tracker {
	return r.tracker
}

// Profile returns the decoded profile with the effective account id.
func (r *Runner) Profile() layout.Profile {
	return r.profile
}

// OutputDir returns the directory decoded files are written to.
func (r *Runner) OutputDir() string {
	return r.outDir
}

// Jobs lists the archive files of the profile. The scan runs once and is
// reused by the scan stage.
func (r *Runner) Jobs() ([]model.Job, error) {
	if r.scanned {
		return r.jobList, nil
	}
	jobs, err := layout.Scan(r.profile, r.outDir, r.logger)
	if err != nil {
		return nil, err
	}
	r.jobList = jobs
	r.scanned = true
	return jobs, nil
}

// AddSink registers an export target. Must be called before Start.
func (r *Runner) AddSink(s Sink) {
	r.sinks = append(r.sinks, s)
}

// EmitEvent delivers evt to every stats subscriber.
func (r *Runner) EmitEvent(evt stats.Event) {
	for _, sub := range r.subscribers {
		select {
		case <-r.ctx.Done():
			return
		case sub.events <- evt:
		}
	}
}

// SubscribeStats registers fn to receive its own copy of the event stream.
// Must be called before Start.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.subscribers = append(r.subscribers, &subscriber{name: name, fn: fn, events: make(chan stats.Event, 128)})
}

// AddStage registers a pipeline stage. Must be called before Start.
func (r *Runner) AddStage(name string, fn StageFunc) {
	r.stages = append(r.stages, stage{name: name, fn: fn})
}

// Start runs all stages to completion.
func (r *Runner) Start() error {
	r.since = time.Now()

	for _, sub := range r.subscribers {
		r.statsWG.Add(1)
		go func(sub *subscriber) {
			defer r.statsWG.Done()
			if err := sub.fn(r.statsCtx, sub.events); err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stats: %w", sub.name, err))
			}
		}(sub)
	}

	for _, st := range r.stages {
		r.workWG.Add(1)
		go func(st stage) {
			defer r.workWG.Done()
			if err := st.fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stage: %w", st.name, err))
			}
		}(st)
	}

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()
	r.statsCancel()

	if err := r.tracker.Close(); err != nil {
		r.fail(fmt.Errorf("state tracker: %w", err))
	}

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return err
	}

	if failed := r.failed.Load(); failed > 0 {
		err := fmt.Errorf("%w: %d of %d", ErrFilesFailed, failed, len(r.jobList))
		r.logger.Warn("pipeline completed with failures", "duration", duration, "failed", failed)
		return err
	}

	r.logger.Info("pipeline completed", "duration", duration, "output", r.outDir, "trackedFiles", r.tracker.Snapshot().Files)
	return nil
}

func (r *Runner) scan(ctx context.Context) error {
	defer r.closeJobs()

	jobs, err := r.Jobs()
	if err != nil {
		r.EmitEvent(stats.Event{Stage: stats.StageScan, Type: stats.EventTypeError, Err: err})
		return err
	}
	r.logger.Info("archive scanned", "account", r.profile.ID, "files", len(jobs), "archive", r.profile.ArchiveDir())

	for _, job := range jobs {
		r.EmitEvent(stats.Event{Stage: stats.StageScan, Type: stats.EventTypeDiscovered, File: job.Input})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r.jobs <- job:
		}
	}
	return nil
}

// decode runs the worker pool. Every worker owns its own Decoder so no
// buffer is shared between concurrent decodes.
func (r *Runner) decode(ctx context.Context) error {
	defer r.closeConversations()

	var wg sync.WaitGroup
	errs := make(chan error, r.cfg.Workers)
	for i := 0; i < r.cfg.Workers; i++ {
		dec, err := archive.NewDecoder(r.key, r.opts)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.worker(ctx, dec); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	return <-errs
}

func (r *Runner) worker(ctx context.Context, dec *archive.Decoder) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok := <-r.jobs:
			if !ok {
				return nil
			}
			conv, ok := r.decodeJob(dec, job)
			if !ok {
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.conversations <- conv:
			}
		}
	}
}

// decodeJob decodes one archive file. It reports false when the file was
// skipped or failed; failures never stop the other files.
func (r *Runner) decodeJob(dec *archive.Decoder, job model.Job) (model.Conversation, bool) {
	hash, err := state.HashFile(job.Input)
	if err != nil {
		r.fileFailed(job, fmt.Errorf("read input: %w", err), archive.Result{})
		return model.Conversation{}, false
	}

	if !r.cfg.Force && r.tracker.Unchanged(r.stateKey(job), hash) && fileExists(job.Output) {
		r.EmitEvent(stats.Event{Stage: stats.StageDecode, Type: stats.EventTypeSkipped, File: job.Input})
		r.logger.Debug("archive already decoded", "input", job.Input, "output", job.Output)
		return model.Conversation{}, false
	}

	res, text, err := r.decodeFile(dec, job)
	if err != nil {
		r.fileFailed(job, err, res)
		return model.Conversation{}, false
	}

	evtType := stats.EventTypeDecoded
	if r.cfg.DryRun {
		evtType = stats.EventTypeDryRunDecoded
	}
	r.EmitEvent(stats.Event{Stage: stats.StageDecode, Type: evtType, File: job.Input, Records: res.Records, Lines: res.Lines})
	r.logger.Debug("archive decoded", "input", job.Input, "output", job.Output, "records", res.Records, "lines", res.Lines, "empty", res.Empty, "filtered", res.Filtered)

	return model.Conversation{
		Job:      job,
		Local:    r.profile.ID,
		Hash:     hash,
		Text:     text,
		Charset:  r.textCharset(),
		Lines:    res.Lines,
		Started:  res.First,
		Finished: res.Last,
	}, true
}

// decodeFile streams job.Input into job.Output. When sinks are registered
// the decoded text is also kept in memory for them.
func (r *Runner) decodeFile(dec *archive.Decoder, job model.Job) (archive.Result, []byte, error) {
	in, err := os.Open(job.Input)
	if err != nil {
		return archive.Result{}, nil, fmt.Errorf("open input: %w", err)
	}
	defer in.Close()

	var (
		out  io.Writer = io.Discard
		file *os.File
		text *bytes.Buffer
	)
	if !r.cfg.DryRun {
		if err := os.MkdirAll(filepath.Dir(job.Output), 0o755); err != nil {
			return archive.Result{}, nil, fmt.Errorf("create output directory: %w", err)
		}
		file, err = os.Create(job.Output)
		if err != nil {
			return archive.Result{}, nil, fmt.Errorf("create output: %w", err)
		}
		out = file
	}
	if len(r.sinks) > 0 {
		text = new(bytes.Buffer)
		out = io.MultiWriter(out, text)
	}

	res, err := dec.Decode(job.Counterpart, in, out)
	if file != nil {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close output: %w", cerr)
		}
	}
	if err != nil {
		return res, nil, err
	}
	if text == nil {
		return res, nil, nil
	}
	return res, text.Bytes(), nil
}

func (r *Runner) fileFailed(job model.Job, err error, res archive.Result) {
	r.failed.Add(1)
	r.EmitEvent(stats.Event{
		Stage:   stats.StageDecode,
		Type:    stats.EventTypeFailed,
		File:    job.Input,
		Err:     fmt.Errorf("%s: %w", job.Input, err),
		Records: res.Records,
		Lines:   res.Lines,
	})
	r.logger.Warn("archive decode failed", "input", job.Input, "framing", errors.Is(err, archive.ErrFraming), "linesWritten", res.Lines, "err", err)
}

// export hands every conversation to the sinks, then marks its archive as
// processed. A sink failure aborts the run.
func (r *Runner) export(ctx context.Context) error {
	defer r.closeSinks()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case conv, ok := <-r.conversations:
			if !ok {
				return nil
			}

			if conv.Lines > 0 {
				for _, sink := range r.sinks {
					if err := sink.Export(ctx, conv); err != nil {
						err = fmt.Errorf("%s export %s: %w", sink.Name(), conv.Job.Input, err)
						r.EmitEvent(stats.Event{Stage: stats.StageExport, Type: stats.EventTypeError, File: conv.Job.Input, Err: err})
						return err
					}
				}
				if len(r.sinks) > 0 {
					r.EmitEvent(stats.Event{Stage: stats.StageExport, Type: stats.EventTypeExported, File: conv.Job.Input})
				}
			}

			if err := r.tracker.MarkDecoded(r.stateKey(conv.Job), conv.Hash); err != nil {
				r.EmitEvent(stats.Event{Stage: stats.StageExport, Type: stats.EventTypeError, File: conv.Job.Input, Err: err})
				return err
			}
		}
	}
}

func (r *Runner) closeSinks() {
	for _, sink := range r.sinks {
		if err := sink.Close(); err != nil {
			r.fail(fmt.Errorf("close %s: %w", sink.Name(), err))
		}
	}
}

func (r *Runner) closeJobs() {
	r.closeJobsOnce.Do(func() {
		close(r.jobs)
	})
}

func (r *Runner) closeConversations() {
	r.closeConversationsOnce.Do(func() {
		close(r.conversations)
	})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		for _, sub := range r.subscribers {
			close(sub.events)
		}
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}

// stateKey names job in the tracker by its path below the archive directory,
// so moving the whole profile keeps the state valid.
func (r *Runner) stateKey(job model.Job) string {
	rel, err := filepath.Rel(r.profile.ArchiveDir(), job.Input)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(job.Input)
	}
	return filepath.ToSlash(rel)
}

// textCharset names the charset of decoded text. Without --charset the
// archive bytes are copied verbatim and their charset is unknown.
func (r *Runner) textCharset() string {
	if r.opts.Charset != nil {
		return "utf-8"
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// stateName keeps one state file per account id.
func stateName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, id)
}
