// Package logging builds the slog logger the service binaries start with.
// Level, format and output come from the service's LogConfig; file-backed
// outputs return a closer the caller runs on shutdown.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/coldbell/dex/margin/internal/config"
)

var levels = map[string]slog.Level{
	"":        slog.LevelInfo,
	"info":    slog.LevelInfo,
	"debug":   slog.LevelDebug,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// New builds a logger tagged with the service name. The returned closer
// releases the log file, if any, and is safe to call on console output.
func New(service string, cfg config.LogConfig) (*slog.Logger, func() error, error) {
	level, ok := levels[normalize(cfg.Level)]
	if !ok {
		return nil, nil, fmt.Errorf("invalid log level %q (expected debug|info|warn|error)", cfg.Level)
	}

	out, err := newSink(service, cfg)
	if err != nil {
		return nil, nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch normalize(cfg.Format) {
	case "", "text":
		handler = slog.NewTextHandler(out, opts)
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		_ = out.Close()
		return nil, nil, fmt.Errorf("invalid log format %q (expected text|json)", cfg.Format)
	}

	return slog.New(handler).With("service", service), out.Close, nil
}

// sink pairs the handler's writer with the close action for its file.
type sink struct {
	io.Writer
	file *os.File
}

func (s *sink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

func newSink(service string, cfg config.LogConfig) (*sink, error) {
	switch normalize(cfg.Output) {
	case "", "console":
		return &sink{Writer: os.Stdout}, nil
	case "file":
		file, err := openLogFile(service, cfg.FilePath)
		if err != nil {
			return nil, err
		}
		return &sink{Writer: file, file: file}, nil
	case "both":
		file, err := openLogFile(service, cfg.FilePath)
		if err != nil {
			return nil, err
		}
		return &sink{Writer: io.MultiWriter(os.Stdout, file), file: file}, nil
	default:
		return nil, fmt.Errorf("invalid log output %q (expected console|file|both)", cfg.Output)
	}
}

func openLogFile(service, configured string) (*os.File, error) {
	path := strings.TrimSpace(configured)
	if path == "" {
		path = filepath.Join(".docker", service, service+".log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory for %q: %w", path, err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return file, nil
}

func normalize(v string) string { return strings.ToLower(strings.TrimSpace(v)) }
