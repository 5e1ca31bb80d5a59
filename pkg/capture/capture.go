// Package capture provides command sources that feed the worker besides
// the controller connection.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ManveerAnand/articulate3D/pkg/protocol"
)

// Kind says whether a Command carries text or audio.
type Kind string

const (
	KindText  Kind = "text"
	KindAudio Kind = "audio"
)

// Command is one captured user command. Kind selects which of Text and
// Audio is meaningful.
type Command struct {
	Kind Kind
	// Source names where the command came from, e.g. the file name.
	Source string
	Text   string
	Audio  []byte
	Format protocol.AudioFormat
}

// Handler consumes captured commands.
type Handler func(ctx context.Context, cmd Command) error

// DefaultSettle is how long a file must stay unchanged before it is read.
const DefaultSettle = 250 * time.Millisecond

// ProcessedDir is the subdirectory consumed files are moved into.
const ProcessedDir = "processed"

// DirSource watches a drop folder. New *.wav files become audio commands
// and new *.txt files become text commands. Files present before Run
// starts are ignored. Consumed files are moved into ProcessedDir.
type DirSource struct {
	Dir    string
	Settle time.Duration
	Logger *slog.Logger
}

func (s *DirSource) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Run watches until ctx is cancelled, calling h for every settled file.
// It returns ctx.Err() on cancellation.
func (s *DirSource) Run(ctx context.Context, h Handler) error {
	if err := os.MkdirAll(filepath.Join(s.Dir, ProcessedDir), 0o755); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("capture: new watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(s.Dir); err != nil {
		return fmt.Errorf("capture: watch %s: %w", s.Dir, err)
	}

	settle := s.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	log := s.logger().With("dir", s.Dir)
	log.Info("watching drop folder")

	pending := make(map[string]*time.Timer)
	ready := make(chan string)
	defer func() {
		for _, t := range pending {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if kindOf(ev.Name) == "" {
				continue
			}
			name := ev.Name
			if t, ok := pending[name]; ok {
				t.Reset(settle)
				continue
			}
			pending[name] = time.AfterFunc(settle, func() {
				select {
				case ready <- name:
				case <-ctx.Done():
				}
			})
		case name := <-ready:
			delete(pending, name)
			if err := s.consume(ctx, name, h); err != nil {
				log.Error("drop folder command failed", "file", filepath.Base(name), "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("watcher error", "error", err)
		}
	}
}

func kindOf(name string) Kind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".wav":
		return KindAudio
	case ".txt":
		return KindText
	}
	return ""
}

func (s *DirSource) consume(ctx context.Context, path string, h Handler) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	base := filepath.Base(path)
	if err := os.Rename(path, filepath.Join(s.Dir, ProcessedDir, base)); err != nil {
		return fmt.Errorf("move to %s: %w", ProcessedDir, err)
	}

	cmd := Command{Kind: kindOf(path), Source: base}
	switch cmd.Kind {
	case KindAudio:
		cmd.Audio = data
		cmd.Format = protocol.AudioFormat{Encoding: protocol.EncodingWAV}
	case KindText:
		cmd.Text = strings.TrimSpace(string(data))
		if cmd.Text == "" {
			return nil
		}
	}
	s.logger().Debug("drop folder command", "file", base, "kind", cmd.Kind)
	return h(ctx, cmd)
}
