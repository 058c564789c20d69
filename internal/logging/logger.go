// Package logging builds the process logger: JSON to stdout, optionally
// teed into a rotating file.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level string
	// File enables rotation into this path when set.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New returns the logger and a closer for the rotating file, if any.
func New(opts Options, stdout io.Writer) (*slog.Logger, io.Closer) {
	if stdout == nil {
		stdout = os.Stdout
	}
	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	if strings.TrimSpace(opts.File) == "" {
		return slog.New(slog.NewJSONHandler(stdout, handlerOpts)), nopCloser{}
	}
	if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
		logger := slog.New(slog.NewJSONHandler(stdout, handlerOpts))
		logger.Warn("log directory unavailable, logging to stdout only", "file", opts.File, "error", err)
		return logger, nopCloser{}
	}
	file := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    orDefault(opts.MaxSizeMB, 10),
		MaxBackups: orDefault(opts.MaxBackups, 3),
		MaxAge:     orDefault(opts.MaxAgeDays, 28),
		Compress:   true,
	}
	return slog.New(slog.NewJSONHandler(io.MultiWriter(stdout, file), handlerOpts)), file
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
