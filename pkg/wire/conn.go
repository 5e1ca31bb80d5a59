package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/ManveerAnand/articulate3D/pkg/protocol"
)

// DefaultAddr is the loopback address the worker listens on.
const DefaultAddr = "127.0.0.1:65432"

// Option configures a Conn.
type Option func(*Conn)

// WithMaxFrameSize overrides DefaultMaxFrameSize.
func WithMaxFrameSize(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.maxFrame = n
		}
	}
}

// Conn is a message channel over a stream connection. Send is safe for
// concurrent use. Receive must be called from a single goroutine.
type Conn struct {
	rwc      io.ReadWriteCloser
	maxFrame int

	wmu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps rwc. The Conn owns rwc and closes it on Close.
func NewConn(rwc io.ReadWriteCloser, opts ...Option) *Conn {
	c := &Conn{
		rwc:      rwc,
		maxFrame: DefaultMaxFrameSize,
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to a worker at addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", addr, err)
	}
	return NewConn(nc, opts...), nil
}

// Send encodes m and writes it as one frame.
func (c *Conn) Send(m protocol.Message) error {
	b, err := protocol.Marshal(m)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	return WriteFrame(c.rwc, b, c.maxFrame)
}

// Receive blocks until a complete message arrives. A frame naming an
// unknown message type yields an error wrapping protocol.ErrUnknownType;
// the channel remains usable after it.
func (c *Conn) Receive() (protocol.Message, error) {
	b, err := ReadFrame(c.rwc, c.maxFrame)
	if err != nil {
		select {
		case <-c.closed:
			return nil, ErrChannelClosed
		default:
		}
		return nil, err
	}
	m, err := protocol.Unmarshal(b)
	if errors.Is(err, protocol.ErrUnknownType) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return m, nil
}

// Close closes the underlying connection. It is safe to call more than
// once; only the first call reports an error.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.rwc.Close()
	})
	return err
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// RemoteAddr returns the peer address when the underlying connection is a
// net.Conn.
func (c *Conn) RemoteAddr() string {
	if nc, ok := c.rwc.(net.Conn); ok && nc.RemoteAddr() != nil {
		return nc.RemoteAddr().String()
	}
	return "pipe"
}
