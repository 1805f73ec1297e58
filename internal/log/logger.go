// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Format represents the console log format.
type Format string

const (
	// FormatAuto picks a colored handler on terminals and text otherwise.
	FormatAuto Format = "auto"
	// FormatJSON outputs logs in JSON format for machine parsing.
	FormatJSON Format = "json"
	// FormatText outputs logs in logfmt-style text.
	FormatText Format = "text"
)

const (
	// LevelTrace is more verbose than Debug, used for request bodies.
	LevelTrace = slog.Level(-8)

	// LevelNone is the configuration value that disables logging entirely.
	LevelNone = "none"
)

// Standard field keys for structured logging.
const (
	ComponentKey = "component"
	PIDKey       = "pid"
	PortKey      = "port"
	UUIDKey      = "uuid"
	DurationKey  = "duration_ms"
	EventKey     = "event"
)

// Config holds the logging configuration.
type Config struct {
	// Level sets the minimum log level (trace, debug, info, warn, error, none).
	// Default: info
	Level string

	// Format sets the console format (auto, json, text).
	// Default: auto
	Format Format

	// Output is the console writer. Nil disables console output.
	// Default: os.Stderr
	Output io.Writer

	// AddSource adds source file and line information to logs.
	AddSource bool

	// File, when set, receives a JSON copy of every record with size-based rotation.
	File string

	// MaxSizeMB is the size at which File is rotated.
	// Default: 10
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept.
	// Default: 3
	MaxBackups int

	// NoColor disables ANSI colors even on a terminal.
	NoColor bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:      "info",
		Format:     FormatAuto,
		Output:     os.Stderr,
		MaxSizeMB:  10,
		MaxBackups: 3,
	}
}

// FromEnv creates a Config from environment variables.
// Supported environment variables:
//   - ONLINELAB_DEBUG: true/1 enables debug level and source logging (takes precedence)
//   - ONLINELAB_LOG_LEVEL: takes precedence over LOG_LEVEL
//   - LOG_LEVEL: trace, debug, info, warn, error, none (default: info)
//   - LOG_FORMAT: auto, json, text (default: auto)
//   - NO_COLOR: any value disables colors
func FromEnv() *Config {
	cfg := DefaultConfig()

	debug := os.Getenv("ONLINELAB_DEBUG")
	if debug == "true" || debug == "1" {
		cfg.Level = "debug"
		cfg.AddSource = true
	}

	if debug == "" {
		if level := os.Getenv("ONLINELAB_LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		} else if level := os.Getenv("LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		}
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}

	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		cfg.NoColor = true
	}

	return cfg
}

// New creates a structured logger from cfg. The returned closer flushes
// and closes the rotating file, if any; it is never nil.
func New(cfg *Config) (*slog.Logger, io.Closer) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if strings.EqualFold(cfg.Level, LevelNone) {
		return slog.New(slog.DiscardHandler), nopCloser{}
	}

	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handlers []slog.Handler
	if cfg.Output != nil {
		handlers = append(handlers, consoleHandler(cfg, opts))
	}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		rotator := newRotator(cfg)
		handlers = append(handlers, slog.NewJSONHandler(rotator, opts))
		closer = rotator
	}

	switch len(handlers) {
	case 0:
		return slog.New(slog.DiscardHandler), closer
	case 1:
		return slog.New(handlers[0]), closer
	default:
		return slog.New(fanout(handlers)), closer
	}
}

func consoleHandler(cfg *Config, opts *slog.HandlerOptions) slog.Handler {
	switch cfg.Format {
	case FormatJSON:
		return slog.NewJSONHandler(cfg.Output, opts)
	case FormatText:
		return slog.NewTextHandler(cfg.Output, opts)
	}

	if !isTerminal(cfg.Output) {
		return slog.NewTextHandler(cfg.Output, opts)
	}
	return tint.NewHandler(cfg.Output, &tint.Options{
		Level:      opts.Level,
		AddSource:  opts.AddSource,
		TimeFormat: time.DateTime,
		NoColor:    cfg.NoColor,
	})
}

func newRotator(cfg *Config) *lumberjack.Logger {
	// lumberjack creates the file but not its directory with our permissions.
	_ = os.MkdirAll(filepath.Dir(cfg.File), 0700)

	size := cfg.MaxSizeMB
	if size <= 0 {
		size = 10
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    size,
		MaxBackups: cfg.MaxBackups,
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}

// IsTerminal reports whether w is attached to a terminal.
func IsTerminal(w io.Writer) bool {
	return isTerminal(w)
}

// ParseLevel converts a string level to slog.Level. Unknown values map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidateLevel rejects level names ParseLevel would silently map to info.
func ValidateLevel(level string) error {
	switch strings.ToLower(level) {
	case "trace", "debug", "info", "warn", "warning", "error", LevelNone, "":
		return nil
	}
	return fmt.Errorf("unknown log level %q", level)
}

// WithComponent returns a new logger with a component name field.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(ComponentKey, component)
}

// Error creates an error attribute.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

// Duration creates a duration attribute in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(DurationKey, d.Milliseconds())
}

// Trace logs a message at trace level.
func Trace(logger *slog.Logger, msg string, attrs ...slog.Attr) {
	ctx := context.Background()
	if !logger.Enabled(ctx, LevelTrace) {
		return
	}
	logger.LogAttrs(ctx, LevelTrace, msg, attrs...)
}

// fanout sends every record to each handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
