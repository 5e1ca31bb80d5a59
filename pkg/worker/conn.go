package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/ManveerAnand/articulate3D/pkg/protocol"
	"github.com/ManveerAnand/articulate3D/pkg/tracker"
	"github.com/ManveerAnand/articulate3D/pkg/wire"
)

// Conn is one controller connection. It owns its session, its tracker and
// the goroutines processing its commands.
type Conn struct {
	srv     *Server
	wc      *wire.Conn
	log     *slog.Logger
	session *Session
	tracker *tracker.Tracker

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func newConn(s *Server, rwc io.ReadWriteCloser) *Conn {
	wc := wire.NewConn(rwc, wire.WithMaxFrameSize(s.cfg.MaxFrameSize))
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		srv:     s,
		wc:      wc,
		session: newSession(&s.cfg),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.log = s.log.With("conn", wc.RemoteAddr(), "session", c.session.ID[:8])
	c.tracker = tracker.New(tracker.Config{
		ContextTimeout: s.cfg.ContextTimeout,
		RetryWindow:    s.cfg.RetryWindow,
		OnExpire:       c.expired,
	})
	return c
}

// Session returns the connection's session.
func (c *Conn) Session() *Session { return c.session }

func (c *Conn) serve() {
	defer c.teardown()
	c.log.Info("controller connected")
	model, method := c.session.Settings()
	c.status(protocol.StateReady, "worker ready (model "+model+", method "+string(method)+")", "")

	for {
		msg, err := c.wc.Receive()
		if errors.Is(err, protocol.ErrUnknownType) {
			c.log.Warn("ignoring message", "error", err)
			c.send(&protocol.Error{Detail: err.Error()})
			continue
		}
		if err != nil {
			switch protocol.KindOf(err) {
			case protocol.KindChannelClosed:
				c.log.Info("controller disconnected")
			case protocol.KindMalformedFrame:
				c.log.Warn("malformed frame, dropping connection", "error", err)
				c.send(&protocol.Error{Detail: err.Error()})
			default:
				c.log.Warn("receive failed", "error", err)
			}
			return
		}
		c.dispatch(msg)
	}
}

// dispatch never blocks on a model or transcription call; those run in
// goroutines started by goProcess.
func (c *Conn) dispatch(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Configure:
		c.configure(m)
	case *protocol.ProcessText:
		c.processText(m)
	case *protocol.ProcessAudio:
		c.processAudio(m)
	case *protocol.ContextResponse:
		c.contextResponse(m)
	case *protocol.ExecutionError:
		c.executionError(m)
	case *protocol.ExecutionOK:
		c.executionOK(m)
	default:
		c.log.Warn("unexpected message from controller", "type", msg.MessageType())
	}
}

func (c *Conn) configure(m *protocol.Configure) {
	first := !c.session.Configured()
	model, method, err := c.session.Configure(m.Model, string(m.Method))
	if err != nil {
		c.log.Warn("configure rejected", "model", m.Model, "method", m.Method, "error", err)
		c.fail("", err)
		return
	}
	c.srv.setActive(c)
	c.log.Info("session configured", "model", model, "method", method, "fresh_history", first)
	c.status(protocol.StateInfo, "configured model "+model+" with method "+string(method), "")
}

// goProcess runs fn on its own goroutine once a processing slot is free.
// It reports false when the connection is already closing.
func (c *Conn) goProcess(fn func(ctx context.Context)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.srv.sem.Acquire(c.ctx, 1); err != nil {
			return
		}
		defer c.srv.sem.Release(1)
		fn(c.ctx)
	}()
	return true
}

func (c *Conn) send(m protocol.Message) bool {
	if err := c.wc.Send(m); err != nil {
		c.log.Debug("send failed", "type", m.MessageType(), "error", err)
		return false
	}
	return true
}

func (c *Conn) status(state, detail, requestID string) {
	c.send(&protocol.Status{State: state, Detail: detail, RequestID: requestID})
}

// fail reports a terminal failure for requestID, or a connection-level one
// when requestID is empty.
func (c *Conn) fail(requestID string, err error) {
	detail := err.Error()
	if protocol.KindOf(err) == "" {
		detail = protocol.Wrap(protocol.KindGenerationUnavailable, err).Error()
	}
	c.send(&protocol.Error{RequestID: requestID, Detail: detail})
}

// shutdown is called by Server.Close.
func (c *Conn) shutdown() {
	c.status(protocol.StateClosing, "worker shutting down", "")
	c.wc.Close()
}

func (c *Conn) teardown() {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	pending := c.tracker.Len()
	c.cancel()
	// Closing the channel first keeps a running expiry callback from
	// blocking on a send while tracker.Close waits for it.
	c.wc.Close()
	c.tracker.Close()
	c.wg.Wait()

	if err := c.srv.cfg.History.Discard(context.Background(), c.session.ID); err != nil {
		c.log.Debug("discard history", "error", err)
	}
	c.srv.untrack(c)
	c.log.Info("connection closed", "pending_discarded", pending)
}
