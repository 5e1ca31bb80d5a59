// Package transcribe converts a captured WAV command into text.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ManveerAnand/articulate3D/pkg/protocol"
)

// ErrNoSpeech is returned when the audio holds no recognizable speech.
var ErrNoSpeech = errors.New("transcribe: no speech detected")

// Transcriber is the interface that wraps the Transcribe method.
type Transcriber interface {
	// Transcribe returns the text spoken in a WAV file.
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// TranscribeFunc is an adapter to allow the use of ordinary functions as
// Transcribers.
type TranscribeFunc func(ctx context.Context, wav []byte) (string, error)

// Transcribe calls f(ctx, wav).
func (f TranscribeFunc) Transcribe(ctx context.Context, wav []byte) (string, error) {
	return f(ctx, wav)
}

// Mux routes a transcription method to its backend.
type Mux struct {
	mu sync.RWMutex
	m  map[protocol.Method]Transcriber
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{m: make(map[protocol.Method]Transcriber)}
}

// Handle registers t for method.
func (m *Mux) Handle(method protocol.Method, t Transcriber) error {
	if !method.Transcribes() {
		return fmt.Errorf("transcribe: %s is not a transcription method", method)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.m[method]; ok {
		return fmt.Errorf("transcribe: transcriber already registered for %s", method)
	}
	m.m[method] = t
	return nil
}

// HandleFunc registers f for method.
func (m *Mux) HandleFunc(method protocol.Method, f TranscribeFunc) error {
	return m.Handle(method, f)
}

// Has reports whether method has a backend.
func (m *Mux) Has(method protocol.Method) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.m[method]
	return ok
}

// Transcribe dispatches to the backend registered for method.
func (m *Mux) Transcribe(ctx context.Context, method protocol.Method, wav []byte) (string, error) {
	m.mu.RLock()
	t, ok := m.m[method]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("transcribe: transcriber not found for %s", method)
	}
	return t.Transcribe(ctx, wav)
}
