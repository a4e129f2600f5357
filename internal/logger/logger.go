// Package logger provides structured logging for the mail platform. It wraps
// the standard library's slog with a global logger configurable for console,
// file, or syslog output, matching the style used throughout the engines
// (key-value pairs, not format strings).
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"log/syslog"
	"os"
	"runtime"

	"github.com/mailstack/mailstack/internal/config"
)

var globalLogger *slog.Logger

type syslogHandler struct {
	writer *syslog.Writer
	level  slog.Level
	attrs  []slog.Attr
}

func newSyslogHandler(w *syslog.Writer, level slog.Level) *syslogHandler {
	return &syslogHandler{writer: w, level: level}
}

func (h *syslogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *syslogHandler) Handle(_ context.Context, r slog.Record) error {
	msg := r.Message
	if len(h.attrs) > 0 || r.NumAttrs() > 0 {
		attrs := make([]any, 0, len(h.attrs)*2+r.NumAttrs()*2)
		for _, a := range h.attrs {
			attrs = append(attrs, a.Key, a.Value.Any())
		}
		r.Attrs(func(a slog.Attr) bool {
			attrs = append(attrs, a.Key, a.Value.Any())
			return true
		})
		if len(attrs) > 0 {
			msg = fmt.Sprintf("%s %v", msg, attrs)
		}
	}
	switch r.Level {
	case slog.LevelDebug:
		return h.writer.Debug(msg)
	case slog.LevelInfo:
		return h.writer.Info(msg)
	case slog.LevelWarn:
		return h.writer.Warning(msg)
	case slog.LevelError:
		return h.writer.Err(msg)
	default:
		return h.writer.Info(msg)
	}
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &syslogHandler{writer: h.writer, level: h.level, attrs: newAttrs}
}

func (h *syslogHandler) WithGroup(_ string) slog.Handler { return h }

// Initialize sets up the global logger from configuration. The returned file
// handle, if non-nil, must be closed by the caller at shutdown.
func Initialize(cfg config.LoggingConfig) (*os.File, error) {
	output := cfg.Output
	if output == "" {
		output = "stderr"
	}
	format := cfg.Format
	if format == "" {
		format = "console"
	}
	level := cfg.Level
	if level == "" {
		level = "info"
	}

	slogLevel := parseLogLevel(level)
	opts := &slog.HandlerOptions{Level: slogLevel}

	var handler slog.Handler
	var logFile *os.File

	newStdHandler := func(w *os.File) slog.Handler {
		if format == "json" {
			return slog.NewJSONHandler(w, opts)
		}
		return slog.NewTextHandler(w, opts)
	}

	switch output {
	case "stdout":
		handler = newStdHandler(os.Stdout)
	case "stderr":
		handler = newStdHandler(os.Stderr)
	case "syslog":
		if runtime.GOOS == "windows" {
			fmt.Fprintln(os.Stderr, "WARNING: syslog is not supported on Windows, falling back to stderr")
			handler = newStdHandler(os.Stderr)
		} else {
			w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_MAIL, "mailstack")
			if err != nil {
				fmt.Fprintf(os.Stderr, "WARNING: failed to connect to syslog: %v, falling back to stderr\n", err)
				handler = newStdHandler(os.Stderr)
			} else {
				handler = newSyslogHandler(w, slogLevel)
			}
		}
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: failed to open log file %q: %v, falling back to stderr\n", output, err)
			handler = newStdHandler(os.Stderr)
		} else {
			logFile = f
			handler = newStdHandler(f)
		}
	}

	globalLogger = slog.New(handler)
	slog.SetDefault(globalLogger)
	return logFile, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the global logger, defaulting to slog's default if Initialize
// was never called (e.g. in tests).
func Get() *slog.Logger {
	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

func Info(msg string, args ...any)  { Get().Info(msg, args...) }
func Debug(msg string, args ...any) { Get().Debug(msg, args...) }
func Warn(msg string, args ...any)  { Get().Warn(msg, args...) }
func Error(msg string, args ...any) { Get().Error(msg, args...) }

func With(args ...any) *slog.Logger { return Get().With(args...) }
