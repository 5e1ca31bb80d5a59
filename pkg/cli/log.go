package cli

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// LogOptions configures NewLogger.
type LogOptions struct {
	// Verbose selects debug level.
	Verbose bool

	// File, when set, receives a copy of every record.
	File string

	// Stderr defaults to os.Stderr.
	Stderr io.Writer
}

// NewLogger builds a text slog logger. The returned close func closes the
// log file, if any.
func NewLogger(opts LogOptions) (*slog.Logger, func() error, error) {
	var w io.Writer = os.Stderr
	if opts.Stderr != nil {
		w = opts.Stderr
	}
	closer := func() error { return nil }
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		w = io.MultiWriter(w, f)
		closer = f.Close
	}
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closer, nil
}
