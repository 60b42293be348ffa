package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dhcgn/ymdecode/cmd"
	"github.com/dhcgn/ymdecode/config"
	"github.com/dhcgn/ymdecode/imap"
	"github.com/dhcgn/ymdecode/mbox"
	"github.com/dhcgn/ymdecode/progress"
	"github.com/dhcgn/ymdecode/runner"
	"github.com/dhcgn/ymdecode/stats"
	"github.com/dhcgn/ymdecode/telemetry"
)

func main() {
	// A missing .env file is fine; it only supplies IMAP_PASS.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:          "ymdecode [profile directory]",
		Short:        "Decode Yahoo! Messenger message archives into plain text",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd, args)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting ymdecode", "profile", cfg.ProfileDir, "dryRun", cfg.DryRun, "workers", cfg.Workers)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(cmd.NewInspectCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	r, err := runner.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	reporter := stats.NewReporter(r, logger)

	jobs, err := r.Jobs()
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		logger.Warn("no archive files found", "archive", r.Profile().ArchiveDir())
	}

	var metrics *telemetry.Metrics
	if cfg.MetricsFile != "" {
		metrics = telemetry.New()
		r.SubscribeStats("metrics", metrics.Subscriber)
	}

	bar := progress.New(len(jobs), cfg.Progress)
	if cfg.Progress {
		r.SubscribeStats("progress", bar.Subscriber)
	}

	if cfg.MboxPath != "" {
		mboxOpts := mbox.Options{
			Path:   cfg.MboxPath,
			Domain: cfg.AddressDomain,
			DryRun: cfg.DryRun,
		}
		if _, err := mbox.Register(mboxOpts, r, logger); err != nil {
			return fmt.Errorf("mbox.Register: %w", err)
		}
	}

	if cfg.IMAPEnabled() {
		uploaderOpts := imap.Options{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			TargetFolder:       cfg.TargetFolder,
			Domain:             cfg.AddressDomain,
			DryRun:             cfg.DryRun,
		}
		if _, err := imap.Register(uploaderOpts, r, logger); err != nil {
			return fmt.Errorf("imap.Register: %w", err)
		}
	}

	started := time.Now()
	runErr := r.Start()
	bar.Stop()

	if cfg.Progress {
		progress.PrintSummary(reporter.Summary(), time.Since(started))
	}

	if metrics != nil {
		if err := metrics.WriteFile(cfg.MetricsFile); err != nil {
			logger.Error("write metrics file failed", "path", cfg.MetricsFile, "err", err)
			if runErr == nil {
				runErr = err
			}
		}
	}

	if errors.Is(runErr, runner.ErrFilesFailed) {
		logger.Warn("some archive files could not be decoded completely; partial output was kept", "output", r.OutputDir())
	}
	return runErr
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	// The progress bar owns the terminal, so only warnings reach it.
	if cfg.Progress && level.Level() < slog.LevelWarn {
		level.Set(slog.LevelWarn)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("ymdecode-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
