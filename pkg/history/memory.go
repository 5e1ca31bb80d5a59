package history

import (
	"context"
	"sync"
)

// Memory is an in-process Store. Turns are kept msgpack-encoded so a Turn
// read back is never aliased with one handed in.
type Memory struct {
	mu       sync.Mutex
	sessions map[string][][]byte
	closed   bool
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string][][]byte)}
}

func (m *Memory) Append(_ context.Context, session string, t Turn) error {
	stamp(&t)
	b, err := encode(t)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.sessions[session] = append(m.sessions[session], b)
	return nil
}

func (m *Memory) Recent(_ context.Context, session string, n int) ([]Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	all := m.sessions[session]
	if n = limit(n); len(all) > n {
		all = all[len(all)-n:]
	}
	turns := make([]Turn, 0, len(all))
	for _, b := range all {
		t, err := decode(b)
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (m *Memory) Discard(_ context.Context, session string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, session)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.sessions = nil
	return nil
}

var _ Store = (*Memory)(nil)
