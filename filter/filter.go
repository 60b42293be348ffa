package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// Options captures the filtering configuration.
type Options struct {
	IncludeSpeaker []string
	IncludeText    []string
	ExcludeSpeaker []string
	ExcludeText    []string
}

// Active reports whether any pattern is configured.
func (o Options) Active() bool {
	return len(o.IncludeSpeaker) > 0 || len(o.IncludeText) > 0 ||
		len(o.ExcludeSpeaker) > 0 || len(o.ExcludeText) > 0
}

// Filter holds compiled regex patterns for filtering decoded chat lines.
type Filter struct {
	includeMode    bool
	excludeMode    bool
	includeSpeaker []*regexp.Regexp
	includeText    []*regexp.Regexp
	excludeSpeaker []*regexp.Regexp
	excludeText    []*regexp.Regexp
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	includeSpeaker, err := compilePatterns(opts.IncludeSpeaker)
	if err != nil {
		return nil, fmt.Errorf("compile include-speaker pattern: %w", err)
	}
	includeText, err := compilePatterns(opts.IncludeText)
	if err != nil {
		return nil, fmt.Errorf("compile include-text pattern: %w", err)
	}
	excludeSpeaker, err := compilePatterns(opts.ExcludeSpeaker)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-speaker pattern: %w", err)
	}
	excludeText, err := compilePatterns(opts.ExcludeText)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-text pattern: %w", err)
	}

	includeActive := len(includeSpeaker) > 0 || len(includeText) > 0
	excludeActive := len(excludeSpeaker) > 0 || len(excludeText) > 0
	if includeActive && excludeActive {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{
		includeMode:    includeActive,
		excludeMode:    excludeActive,
		includeSpeaker: includeSpeaker,
		includeText:    includeText,
		excludeSpeaker: excludeSpeaker,
		excludeText:    excludeText,
	}, nil
}

// Allows returns true if the line passes the filter criteria. In include
// mode a line must match at least one pattern, in exclude mode none.
func (f *Filter) Allows(speaker, text []byte) bool {
	if f.includeMode {
		return matchAny(f.includeSpeaker, speaker) || matchAny(f.includeText, text)
	}

	if f.excludeMode {
		if matchAny(f.excludeSpeaker, speaker) || matchAny(f.excludeText, text) {
			return false
		}
	}

	return true
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text []byte) bool {
	for _, re := range patterns {
		if re.Match(text) {
			return true
		}
	}
	return false
}
