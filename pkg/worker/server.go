// Package worker implements the worker side of the protocol: it accepts
// controller connections, turns captured commands into scripts and retries
// them when the controller reports that a script failed.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ManveerAnand/articulate3D/pkg/archive"
	"github.com/ManveerAnand/articulate3D/pkg/capture"
	"github.com/ManveerAnand/articulate3D/pkg/genx"
	"github.com/ManveerAnand/articulate3D/pkg/history"
	"github.com/ManveerAnand/articulate3D/pkg/protocol"
	"github.com/ManveerAnand/articulate3D/pkg/scene"
	"github.com/ManveerAnand/articulate3D/pkg/transcribe"
	"github.com/ManveerAnand/articulate3D/pkg/wire"
)

const (
	DefaultModel       = "gemini-1.5-flash"
	DefaultMethod      = protocol.MethodDirect
	DefaultRetryBudget = 1
	DefaultMaxInflight = 4
)

var (
	// ErrServerClosed is returned by Serve after Close.
	ErrServerClosed = errors.New("worker: server closed")

	// ErrNoController is returned by Submit when no controller is connected.
	ErrNoController = errors.New("worker: no controller connected")

	// ErrAlreadyRunning is returned by a second call to Serve.
	ErrAlreadyRunning = errors.New("worker: server already running")
)

// Config configures a Server.
type Config struct {
	// Generators routes model names to script generators. Required.
	Generators *genx.Mux

	// Transcribers backs the transcribing audio methods. May be nil, in
	// which case only the direct method is available.
	Transcribers *transcribe.Mux

	// History stores completed turns per connection. Defaults to an
	// in-memory store.
	History history.Store

	// Archive receives the WAV of every captured audio command. Optional.
	Archive archive.Store

	// SceneFilter projects scene contexts before they reach the prompt.
	SceneFilter *scene.Filter

	// Model and Method are the session defaults until a controller sends
	// configure.
	Model  string
	Method protocol.Method

	// RetryBudget is how many times a command is regenerated after the
	// controller reports an execution failure. Zero disables retries.
	RetryBudget int

	ContextTimeout time.Duration
	RetryWindow    time.Duration

	// MaxFrameSize bounds incoming frames. Defaults to wire.DefaultMaxFrameSize.
	MaxFrameSize int

	// MaxInflight bounds concurrent transcription and generation calls
	// across all connections. Defaults to DefaultMaxInflight.
	MaxInflight int

	// StructuredOutput asks the model for a {script, error} JSON reply.
	StructuredOutput bool

	Logger *slog.Logger
}

// Server accepts controller connections.
type Server struct {
	cfg Config
	log *slog.Logger
	sem *semaphore.Weighted

	running atomic.Bool

	mu     sync.Mutex
	ln     net.Listener
	conns  map[*Conn]struct{}
	active *Conn
	closed bool
	wg     sync.WaitGroup
}

// NewServer validates cfg and returns a Server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Generators == nil {
		return nil, protocol.Fail(protocol.KindConfiguration, "no generators configured")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Method == "" {
		cfg.Method = DefaultMethod
	}
	if cfg.RetryBudget < 0 {
		cfg.RetryBudget = 0
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = DefaultMaxInflight
	}
	if cfg.History == nil {
		cfg.History = history.NewMemory()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := validate(&cfg, cfg.Model, cfg.Method); err != nil {
		return nil, err
	}
	return &Server{
		cfg:   cfg,
		log:   cfg.Logger,
		sem:   semaphore.NewWeighted(int64(cfg.MaxInflight)),
		conns: make(map[*Conn]struct{}),
	}, nil
}

// ListenAndServe listens on addr and serves until Close.
func (s *Server) ListenAndServe(addr string) error {
	if addr == "" {
		addr = wire.DefaultAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("worker: listen %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close is called. It returns
// ErrServerClosed after Close.
func (s *Server) Serve(ln net.Listener) error {
	if s.running.Swap(true) {
		return ErrAlreadyRunning
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	s.mu.Unlock()

	s.log.Info("worker listening", "addr", ln.Addr().String(), "model", s.cfg.Model, "method", s.cfg.Method)
	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			return err
		}
		if !s.goServe(nc) {
			nc.Close()
		}
	}
}

// ServeConn serves a single controller connection and returns when it ends.
func (s *Server) ServeConn(rwc io.ReadWriteCloser) {
	c := s.track(rwc)
	if c == nil {
		rwc.Close()
		return
	}
	defer s.wg.Done()
	c.serve()
}

func (s *Server) goServe(rwc io.ReadWriteCloser) bool {
	c := s.track(rwc)
	if c == nil {
		return false
	}
	go func() {
		defer s.wg.Done()
		c.serve()
	}()
	return true
}

func (s *Server) track(rwc io.ReadWriteCloser) *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	c := newConn(s, rwc)
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return c
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
	if s.active == c {
		s.active = nil
	}
}

func (s *Server) setActive(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c]; ok {
		s.active = c
	}
}

// activeConn returns the connection commands from local sources go to:
// the last one that sent configure, else any connection.
func (s *Server) activeConn() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return s.active
	}
	for c := range s.conns {
		return c
	}
	return nil
}

// Submit hands a locally captured command to the active controller
// connection.
func (s *Server) Submit(_ context.Context, cmd capture.Command) error {
	c := s.activeConn()
	if c == nil {
		return ErrNoController
	}
	model, method := c.session.Settings()
	_, err := c.submit(command{
		kind:   cmd.Kind,
		text:   cmd.Text,
		audio:  cmd.Audio,
		format: cmd.Format,
		model:  model,
		method: method,
		source: cmd.Source,
	})
	return err
}

// Close stops accepting, tells every controller the worker is closing,
// closes the connections and waits for them to wind down.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
	s.wg.Wait()
	if herr := s.cfg.History.Close(); err == nil {
		err = herr
	}
	return err
}

// validate checks that model and method can be served with cfg.
func validate(cfg *Config, model string, method protocol.Method) error {
	if !cfg.Generators.Has(model) {
		return protocol.Fail(protocol.KindConfiguration, fmt.Sprintf("unknown model %q", model))
	}
	if method.Transcribes() && (cfg.Transcribers == nil || !cfg.Transcribers.Has(method)) {
		return protocol.Fail(protocol.KindConfiguration, fmt.Sprintf("no transcriber for method %q", method))
	}
	return nil
}
