// Package archive saves the audio of every captured command, either to a
// local directory or to an S3-compatible bucket.
package archive

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Store saves and loads archived files by name.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put stores data under name, replacing any existing file.
	Put(ctx context.Context, name string, data []byte) error

	// Get opens the named file. A missing file yields an error wrapping
	// os.ErrNotExist.
	Get(ctx context.Context, name string) (io.ReadCloser, error)

	// Exists reports whether the named file exists.
	Exists(ctx context.Context, name string) (bool, error)
}

// AudioName returns the archive name for a command's audio:
// command_audio_<yyyymmdd_hhmmss>_<first 8 chars of id>.wav.
func AudioName(t time.Time, requestID string) string {
	id := requestID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("command_audio_%s_%s.wav", t.Format("20060102_150405"), id)
}

// SaveAudio stores a command's WAV under its AudioName and returns the name.
func SaveAudio(ctx context.Context, s Store, t time.Time, requestID string, wav []byte) (string, error) {
	name := AudioName(t, requestID)
	if err := s.Put(ctx, name, wav); err != nil {
		return "", fmt.Errorf("archive: save %s: %w", name, err)
	}
	return name, nil
}
