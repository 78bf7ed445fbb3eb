// Package logger provides structured logging for pesitd on top of
// log/slog. A package-level logger keeps call sites short; output is
// either a colored text format for terminals or JSON for log shippers.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config holds logger configuration.
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text, json
	Output string // stdout, stderr, or a file path
}

var (
	mu      sync.RWMutex
	slogger = slog.New(NewTextHandler(os.Stdout, slog.LevelInfo, isTerminal(os.Stdout)))
)

// Init configures the package logger. Safe to call more than once; the
// last call wins.
func Init(cfg Config) error {
	var out io.Writer
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log output %q: %w", cfg.Output, err)
		}
		out = f
	}

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		color := false
		if f, ok := out.(*os.File); ok {
			color = isTerminal(f)
		}
		handler = NewTextHandler(out, level, color)
	}

	mu.Lock()
	slogger = slog.New(handler)
	mu.Unlock()
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "INFO":
		return slog.LevelInfo, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func current() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return slogger
}

// With returns a logger with the given attributes pre-bound. Sessions
// bind their session id and remote address once at accept time.
func With(args ...any) *slog.Logger {
	return current().With(args...)
}

// Debug logs at debug level with key-value pairs.
func Debug(msg string, args ...any) { current().Debug(msg, args...) }

// Info logs at info level with key-value pairs.
func Info(msg string, args ...any) { current().Info(msg, args...) }

// Warn logs at warn level with key-value pairs.
func Warn(msg string, args ...any) { current().Warn(msg, args...) }

// Error logs at error level with key-value pairs.
func Error(msg string, args ...any) { current().Error(msg, args...) }
