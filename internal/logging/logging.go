// Package logging builds the process logger.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options selects log level, format and destinations.
type Options struct {
	Level  string
	Format string // "console" or "json"
	// Dir, when set, receives app.log (every level) and error.log
	// (error and above) next to the stderr output.
	Dir    string
	Stderr io.Writer
}

// New returns a logger and a Closer for any files it opened.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	if opts.Format == "console" {
		stderr = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.DateTime}
	}

	writers := []io.Writer{stderr}
	var files closers
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("failed to create log directory %s: %w", opts.Dir, err)
		}
		app, err := openLog(filepath.Join(opts.Dir, "app.log"))
		if err != nil {
			return zerolog.Nop(), nopCloser{}, err
		}
		files = append(files, app)
		errLog, err := openLog(filepath.Join(opts.Dir, "error.log"))
		if err != nil {
			files.Close()
			return zerolog.Nop(), nopCloser{}, err
		}
		files = append(files, errLog)
		writers = append(writers, app, &MinLevelWriter{Writer: errLog, Min: zerolog.ErrorLevel})
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().Logger()
	return logger, files, nil
}

// Component tags logger with the subsystem emitting through it.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

func openLog(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return f, nil
}

// MinLevelWriter forwards only entries at or above Min.
type MinLevelWriter struct {
	io.Writer
	Min zerolog.Level
}

func (w *MinLevelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < w.Min {
		return len(p), nil
	}
	return w.Writer.Write(p)
}

type closers []io.Closer

func (c closers) Close() error {
	var errs []error
	for _, cl := range c {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
