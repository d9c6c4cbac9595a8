// Package swtpmlog centralizes the log/slog setup every teacher cmd/*
// main.go repeats inline: pick a handler (text or json), pick a level
// from a verbose flag, and point it at a destination. Generalized here
// to also honor the --log option string's "file"/"fd"/"prefix"/"truncate"
// keys (spec.md §6), which the CLI tools only ever pointed at os.Stderr.
package swtpmlog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/kheubaum/swtpm/internal/optconfig"
)

// Format selects the slog handler shape.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config controls New's handler construction.
type Config struct {
	Format Format
	Debug  bool
	Prefix string
	Writer io.Writer // defaults to os.Stderr if nil
}

// New builds a *slog.Logger per cfg, matching the text-or-json,
// verbose-or-not shape of reset/main.go and emulator/main.go.
func New(cfg Config) *slog.Logger {
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	if cfg.Prefix != "" {
		w = &prefixWriter{w: w, prefix: cfg.Prefix}
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == FormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// NewFromOption builds a *slog.Logger from a parsed --log option string
// (optconfig.OptionLog), opening the "file" key if present and
// truncating it when "truncate" is set, or else writing to the already
// open descriptor named by the "fd" key, rather than always writing to
// os.Stderr. Callers own the returned file's lifetime via the second
// return value, which is nil when neither key was given.
func NewFromOption(opts map[string]string, debug bool, format Format) (*slog.Logger, *os.File, error) {
	var f *os.File
	if path, ok := opts["file"]; ok && path != "" {
		flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
		if _, truncate := opts["truncate"]; truncate {
			flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		}
		opened, err := os.OpenFile(path, flags, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		f = opened
	} else if fdStr := opts["fd"]; fdStr != "" {
		fd, err := strconv.Atoi(fdStr)
		if err != nil || fd < 0 {
			return nil, nil, fmt.Errorf("parse log fd %q: invalid descriptor", fdStr)
		}
		f = os.NewFile(uintptr(fd), "logfd")
	}

	cfg := Config{Format: format, Debug: debug, Prefix: opts["prefix"]}
	if f != nil {
		cfg.Writer = f
	}
	return New(cfg), f, nil
}

// ParseOption is a thin wrapper over optconfig.Parse(optconfig.OptionLog,
// spec) kept here so callers touch only this package for --log handling.
func ParseOption(spec string) (map[string]string, error) {
	return optconfig.Parse(optconfig.OptionLog, spec)
}

type prefixWriter struct {
	w      io.Writer
	prefix string
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	if _, err := io.WriteString(p.w, p.prefix); err != nil {
		return 0, err
	}
	n, err := p.w.Write(b)
	return n, err
}
