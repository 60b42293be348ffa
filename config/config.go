package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"gopkg.in/yaml.v3"

	"github.com/dhcgn/ymdecode/archive"
)

// Config captures all command-line options required to decode a profile.
type Config struct {
	ProfileDir     string
	AccountID      string
	OutputDir      string
	StateDir       string
	DryRun         bool
	Force          bool
	Workers        int
	LogLevel       string
	LogDir         string
	Timezone       string
	Charset        string
	MaxBody        int
	LocalLabel     string
	IncludeSpeaker []string
	IncludeText    []string
	ExcludeSpeaker []string
	ExcludeText    []string

	MboxPath           string
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	TargetFolder       string
	AddressDomain      string

	MetricsFile string
	Progress    bool

	// Resolved from Timezone and Charset by LoadConfig.
	Location *time.Location
	Encoding encoding.Encoding
}

// IMAPEnabled reports whether conversations are uploaded to an IMAP server.
func (c Config) IMAPEnabled() bool {
	return c.IMAPHost != ""
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.String("config", "", "YAML file with default values for any flag below")
	flags.String("profile", "", "Messenger profile directory (or pass it as the only argument)")
	flags.String("id", "", "Local account id used as decoding key (defaults to the profile directory name)")
	flags.String("label", "", "Speaker label for outgoing messages (defaults to the account id)")
	flags.StringP("output", "o", "", "Output directory for decoded text files (defaults to <profile>/Decoded_Archive)")
	flags.String("state-dir", defaultStateDir, "Directory for incremental run state files")
	flags.Bool("dry-run", false, "Decode without writing output files, exports or state")
	flags.Bool("force", false, "Decode files again even if the state marks them processed")
	flags.Int("workers", 4, "Number of archive files decoded concurrently")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for a log file copy of the console output")
	flags.String("timezone", "Local", "Time zone for rendered timestamps, e.g. UTC or Europe/Bucharest")
	flags.String("charset", "", "Charset of the archived text, e.g. windows-1252; empty copies bytes verbatim")
	flags.Int("max-body", archive.DefaultMaxBody, "Largest accepted record body in bytes")
	flags.StringArray("include-speaker", nil, "Regex allow-list applied to speakers (mutually exclusive with exclude flags)")
	flags.StringArray("include-text", nil, "Regex allow-list applied to message text (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-speaker", nil, "Regex block-list applied to speakers (mutually exclusive with include flags)")
	flags.StringArray("exclude-text", nil, "Regex block-list applied to message text (mutually exclusive with include flags)")
	flags.String("mbox", "", "Also append every conversation to this mbox file")
	flags.String("imap-host", "", "Also upload every conversation to this IMAP server")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("target-folder", "Chats", "Target IMAP folder for uploaded conversations")
	flags.String("address-domain", "yahoo.com", "Mail domain appended to account ids in exported messages")
	flags.String("metrics-file", "", "Write Prometheus metrics in textfile collector format to this path")
	flags.Bool("progress", false, "Show a progress bar instead of per-file log lines")

	return nil
}

// LoadConfig converts the parsed Cobra flags into a Config struct with validation.
func LoadConfig(cmd *cobra.Command, args []string) (Config, error) {
	flags := cmd.Flags()

	configFile, err := flags.GetString("config")
	if err != nil {
		return Config{}, err
	}
	if configFile != "" {
		if err := applyFile(flags, configFile); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	get := flagReader{flags: flags}
	cfg.ProfileDir = get.String("profile")
	cfg.AccountID = get.String("id")
	cfg.LocalLabel = get.String("label")
	cfg.OutputDir = get.String("output")
	cfg.StateDir = get.String("state-dir")
	cfg.DryRun = get.Bool("dry-run")
	cfg.Force = get.Bool("force")
	cfg.Workers = get.Int("workers")
	cfg.LogLevel = get.String("log-level")
	cfg.LogDir = get.String("log-dir")
	cfg.Timezone = get.String("timezone")
	cfg.Charset = get.String("charset")
	cfg.MaxBody = get.Int("max-body")
	cfg.IncludeSpeaker = get.StringArray("include-speaker")
	cfg.IncludeText = get.StringArray("include-text")
	cfg.ExcludeSpeaker = get.StringArray("exclude-speaker")
	cfg.ExcludeText = get.StringArray("exclude-text")
	cfg.MboxPath = get.String("mbox")
	cfg.IMAPHost = get.String("imap-host")
	cfg.IMAPPort = get.Int("imap-port")
	cfg.IMAPUser = get.String("imap-user")
	cfg.IMAPPass = get.String("imap-pass")
	cfg.UseTLS = get.Bool("use-tls")
	cfg.InsecureSkipVerify = get.Bool("insecure-skip-verify")
	cfg.TargetFolder = get.String("target-folder")
	cfg.AddressDomain = get.String("address-domain")
	cfg.MetricsFile = get.String("metrics-file")
	cfg.Progress = get.Bool("progress")
	if get.err != nil {
		return Config{}, get.err
	}

	if len(args) > 0 {
		if cfg.ProfileDir != "" && cfg.ProfileDir != args[0] {
			return Config{}, fmt.Errorf("profile given both as --profile and as argument")
		}
		cfg.ProfileDir = args[0]
	}

	if cfg.IMAPPass == "" {
		cfg.IMAPPass = os.Getenv("IMAP_PASS")
	}

	if cfg.StateDir == "" {
		cfg.StateDir, err = defaultStateDir()
		if err != nil {
			return Config{}, err
		}
	}
	cfg.StateDir = filepath.Clean(cfg.StateDir)

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	cfg.Location, err = ResolveLocation(cfg.Timezone)
	if err != nil {
		return Config{}, err
	}
	cfg.Encoding, err = ResolveCharset(cfg.Charset)
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ResolveLocation maps a --timezone value to a location. Empty and "Local"
// select the machine's zone.
func ResolveLocation(name string) (*time.Location, error) {
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid --timezone %q: %w", name, err)
	}
	return loc, nil
}

// ResolveCharset maps a --charset value to an encoding. Empty selects none.
func ResolveCharset(name string) (encoding.Encoding, error) {
	if name == "" {
		return nil, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("invalid --charset %q: %w", name, err)
	}
	return enc, nil
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.ProfileDir) == "" {
		return fmt.Errorf("profile directory is required (--profile or argument)")
	}
	if cfg.Workers < 1 {
		return fmt.Errorf("--workers must be at least 1")
	}
	if cfg.MaxBody < 1 {
		return fmt.Errorf("--max-body must be positive")
	}
	if cfg.IMAPEnabled() {
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required with --imap-host")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass or IMAP_PASS env var")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	}
	includeActive := len(cfg.IncludeSpeaker) > 0 || len(cfg.IncludeText) > 0
	excludeActive := len(cfg.ExcludeSpeaker) > 0 || len(cfg.ExcludeText) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

// applyFile sets every flag named in the YAML file that was not given on the
// command line. Lists set repeatable flags once per item.
func applyFile(flags *pflag.FlagSet, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	for name, value := range values {
		flag := flags.Lookup(name)
		if flag == nil || name == "config" {
			return fmt.Errorf("config file %s: unknown option %q", path, name)
		}
		if flag.Changed {
			continue
		}

		items, isList := value.([]any)
		if !isList {
			items = []any{value}
		}
		for _, item := range items {
			if err := flags.Set(name, fmt.Sprint(item)); err != nil {
				return fmt.Errorf("config file %s: option %q: %w", path, name, err)
			}
		}
	}
	return nil
}

// flagReader keeps the first lookup error so the getters can be chained.
type flagReader struct {
	flags *pflag.FlagSet
	err   error
}

func (r *flagReader) String(name string) string {
	v, err := r.flags.GetString(name)
	r.keep(err)
	return v
}

func (r *flagReader) Bool(name string) bool {
	v, err := r.flags.GetBool(name)
	r.keep(err)
	return v
}

func (r *flagReader) Int(name string) int {
	v, err := r.flags.GetInt(name)
	r.keep(err)
	return v
}

func (r *flagReader) StringArray(name string) []string {
	v, err := r.flags.GetStringArray(name)
	r.keep(err)
	return v
}

func (r *flagReader) keep(err error) {
	if err != nil && r.err == nil {
		r.err = err
	}
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ymdecode", "state"), nil
}
