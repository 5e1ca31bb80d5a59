package scene

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/goccy/go-yaml"

	"github.com/ManveerAnand/articulate3D/pkg/protocol"
)

// Provider produces a snapshot of the current scene on request. The
// controller calls Snapshot only from the goroutine that drains its
// execution queue, so implementations may use host APIs bound to that
// thread.
type Provider interface {
	Snapshot(ctx context.Context) (protocol.Context, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (protocol.Context, error)

func (f ProviderFunc) Snapshot(ctx context.Context) (protocol.Context, error) {
	return f(ctx)
}

// Static always returns the same context.
type Static protocol.Context

func (s Static) Snapshot(context.Context) (protocol.Context, error) {
	return protocol.Context(s), nil
}

// File reads the scene from a JSON or YAML file that the host application
// rewrites as the scene changes. The last good snapshot is served while the
// file is missing or half-written.
type File struct {
	Path string

	mu   sync.Mutex
	last protocol.Context
}

// NewFile returns a File provider for path.
func NewFile(path string) *File {
	return &File{Path: path}
}

func (f *File) Snapshot(context.Context) (protocol.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := os.ReadFile(f.Path)
	if err != nil {
		if f.last != nil {
			return f.last, nil
		}
		return nil, fmt.Errorf("scene: read %s: %w", f.Path, err)
	}
	var c protocol.Context
	if err := yaml.Unmarshal(b, &c); err != nil {
		if f.last != nil {
			return f.last, nil
		}
		return nil, fmt.Errorf("scene: parse %s: %w", f.Path, err)
	}
	f.last = c
	return c, nil
}
