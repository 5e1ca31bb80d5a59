package buffer

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrIteratorDone is returned when iteration is complete.
var ErrIteratorDone = errors.New("iterator done")

// Buffer is a thread-safe growable FIFO buffer.
//
// When the buffer is closed for writing, readers drain the remaining
// elements and then get ErrIteratorDone.
type Buffer[T any] struct {
	mu         sync.Mutex
	closeWrite bool
	buf        []T
}

// N creates a new Buffer with an initial capacity of n elements.
// The capacity is a hint; the buffer grows as needed.
func N[T any](n int) *Buffer[T] {
	return &Buffer[T]{buf: make([]T, 0, n)}
}

// Add appends t to the end of the buffer.
//
// Returns an error if the buffer is closed for writing.
func (b *Buffer[T]) Add(t T) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closeWrite {
		return fmt.Errorf("buffer: write to closed buffer: %w", io.ErrClosedPipe)
	}
	b.buf = append(b.buf, t)
	return nil
}

// TryNext removes and returns the oldest element without blocking. ok is
// false when the buffer is empty. err is ErrIteratorDone once the buffer is
// closed for writing and drained.
func (b *Buffer[T]) TryNext() (t T, ok bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) == 0 {
		if b.closeWrite {
			err = ErrIteratorDone
		}
		return
	}
	// Zero the vacated slot so the buffer does not pin what it handed out.
	var zero T
	t = b.buf[0]
	b.buf[0] = zero
	b.buf = b.buf[1:]
	if len(b.buf) == 0 {
		b.buf = b.buf[:0:0]
	}
	return t, true, nil
}

// Reset discards every buffered element and returns how many there were.
// It does not reopen a closed buffer.
func (b *Buffer[T]) Reset() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.buf)
	clear(b.buf)
	b.buf = b.buf[:0]
	return n
}

// Len returns the number of buffered elements.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// CloseWrite closes the write side. Readers can still drain what is left.
// Returns nil if the write side was already closed.
func (b *Buffer[T]) CloseWrite() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeWrite = true
	return nil
}
