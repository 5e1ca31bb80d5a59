// Package controller implements the controller side of the protocol. It
// queues the worker's context requests and scripts, then on the host's
// execution thread answers the requests with scene snapshots and executes
// the scripts one at a time, reporting every outcome back to the worker.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ManveerAnand/articulate3D/pkg/buffer"
	"github.com/ManveerAnand/articulate3D/pkg/protocol"
	"github.com/ManveerAnand/articulate3D/pkg/scene"
	"github.com/ManveerAnand/articulate3D/pkg/wire"
)

// DefaultScriptTimeout bounds how long a request may wait for its script.
const DefaultScriptTimeout = 2 * time.Minute

// Config configures a Dispatcher.
type Config struct {
	// Scene supplies context snapshots. Defaults to an empty context.
	Scene scene.Provider

	// Executor runs scripts. Required.
	Executor Executor

	// Presenter receives user-facing events. Defaults to LogPresenter.
	Presenter Presenter

	// ScriptTimeout is how long after a context request the controller
	// waits for a script or error before telling the user. Zero means
	// DefaultScriptTimeout.
	ScriptTimeout time.Duration

	// SilentSuccess suppresses execution_ok; success is then implied by
	// silence.
	SilentSuccess bool

	Logger *slog.Logger
}

// Dispatcher bridges one worker connection to the host. Run owns the
// receive side and never touches the scene or the executor; Drain must be
// called from the host's execution thread.
type Dispatcher struct {
	cfg   Config
	wc    *wire.Conn
	log   *slog.Logger
	queue *buffer.Buffer[Job]

	mu       sync.Mutex
	awaiting map[string]*time.Timer
}

// NewDispatcher wraps an established worker connection.
func NewDispatcher(wc *wire.Conn, cfg Config) (*Dispatcher, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("controller: no executor configured")
	}
	if cfg.Scene == nil {
		cfg.Scene = scene.Static{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Presenter == nil {
		cfg.Presenter = LogPresenter{Logger: cfg.Logger}
	}
	if cfg.ScriptTimeout <= 0 {
		cfg.ScriptTimeout = DefaultScriptTimeout
	}
	return &Dispatcher{
		cfg:      cfg,
		wc:       wc,
		log:      cfg.Logger.With("worker", wc.RemoteAddr()),
		queue:    buffer.N[Job](8),
		awaiting: make(map[string]*time.Timer),
	}, nil
}

// Configure selects the session's model and audio method.
func (d *Dispatcher) Configure(model string, method protocol.Method) error {
	return d.wc.Send(&protocol.Configure{Model: model, Method: method})
}

// ProcessText submits a typed command. c is used by the worker when the
// context response for it carries no context.
func (d *Dispatcher) ProcessText(text string, c protocol.Context) error {
	return d.wc.Send(&protocol.ProcessText{Text: text, Context: c})
}

// ProcessAudio submits captured audio. Empty model and method use the
// session's.
func (d *Dispatcher) ProcessAudio(data []byte, f protocol.AudioFormat, c protocol.Context, model string, method protocol.Method) error {
	return d.wc.Send(&protocol.ProcessAudio{
		AudioData:   data,
		AudioFormat: f,
		Context:     c,
		Model:       model,
		Method:      method,
	})
}

// Run receives worker messages until the connection closes or ctx is
// done. On return every queued script is discarded and the queue is
// closed, so RunDrain returns as well.
func (d *Dispatcher) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { d.wc.Close() })
	defer stop()
	defer d.teardown()

	for {
		msg, err := d.wc.Receive()
		if errors.Is(err, protocol.ErrUnknownType) {
			d.log.Warn("ignoring message from worker", "error", err)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if protocol.KindOf(err) == protocol.KindChannelClosed {
				d.log.Info("worker disconnected")
				return nil
			}
			return err
		}
		d.dispatch(msg)
	}
}

func (d *Dispatcher) dispatch(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.RequestContext:
		if m.Transcript != "" {
			d.cfg.Presenter.Transcript(m.RequestID, m.Transcript)
		}
		d.await(m.RequestID)
		if err := d.queue.Add(Job{Kind: JobContext, RequestID: m.RequestID, Received: time.Now()}); err != nil {
			d.log.Warn("queue closed, dropping context request", "request_id", m.RequestID)
		}
	case *protocol.Script:
		d.settle(m.RequestID)
		if err := d.queue.Add(Job{Kind: JobScript, RequestID: m.RequestID, Script: m.Text, Received: time.Now()}); err != nil {
			d.log.Warn("queue closed, dropping script", "request_id", m.RequestID)
			return
		}
		d.cfg.Presenter.Script(m.RequestID, m.Text)
	case *protocol.Error:
		if m.RequestID != "" {
			d.settle(m.RequestID)
		}
		d.cfg.Presenter.Failed(m.RequestID, m.Failure())
	case *protocol.Status:
		d.cfg.Presenter.Status(m)
	default:
		d.log.Warn("unexpected message from worker", "type", msg.MessageType())
	}
}

// await starts (or restarts, for a retry) the script timeout of id. The
// timeout runs from the context request, so it covers a host that is slow
// to drain as well as a slow worker.
func (d *Dispatcher) await(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.awaiting[id]; ok {
		t.Stop()
	}
	d.awaiting[id] = time.AfterFunc(d.cfg.ScriptTimeout, func() {
		d.mu.Lock()
		_, live := d.awaiting[id]
		delete(d.awaiting, id)
		d.mu.Unlock()
		if live {
			d.log.Warn("no script from worker in time", "request_id", id, "timeout", d.cfg.ScriptTimeout)
			d.cfg.Presenter.Failed(id, protocol.Fail(protocol.KindStaleRequest, "no script within "+d.cfg.ScriptTimeout.String()))
		}
	})
}

func (d *Dispatcher) settle(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.awaiting[id]; ok {
		t.Stop()
		delete(d.awaiting, id)
	}
}

// Awaiting returns the number of requests waiting for a script.
func (d *Dispatcher) Awaiting() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.awaiting)
}

func (d *Dispatcher) send(m protocol.Message) {
	if err := d.wc.Send(m); err != nil {
		d.log.Debug("send failed", "type", m.MessageType(), "error", err)
	}
}

func (d *Dispatcher) teardown() {
	d.wc.Close()
	if n := d.queue.Reset(); n > 0 {
		d.log.Info("discarded unexecuted scripts", "count", n)
	}
	d.queue.CloseWrite()

	d.mu.Lock()
	for id, t := range d.awaiting {
		t.Stop()
		delete(d.awaiting, id)
	}
	d.mu.Unlock()
}

// Close closes the worker connection. Run returns shortly after.
func (d *Dispatcher) Close() error {
	return d.wc.Close()
}
