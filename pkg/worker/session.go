package worker

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ManveerAnand/articulate3D/pkg/protocol"
)

// Session is the per-connection configuration. ID names the connection's
// conversation history, which lives until the connection closes.
type Session struct {
	ID string

	cfg *Config

	mu         sync.Mutex
	model      string
	method     protocol.Method
	configured bool
}

func newSession(cfg *Config) *Session {
	return &Session{
		ID:     uuid.NewString(),
		cfg:    cfg,
		model:  cfg.Model,
		method: cfg.Method,
	}
}

// Settings returns the current model and method.
func (s *Session) Settings() (string, protocol.Method) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model, s.method
}

// Configured reports whether a configure message has been applied.
func (s *Session) Configured() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configured
}

// Resolve fills empty model or method from the session and validates the
// result. Method names may use the legacy aliases.
func (s *Session) Resolve(model, method string) (string, protocol.Method, error) {
	curModel, curMethod := s.Settings()
	if model == "" {
		model = curModel
	}
	m := curMethod
	if method != "" {
		var err error
		if m, err = protocol.ParseMethod(method); err != nil {
			return "", "", err
		}
	}
	if err := validate(s.cfg, model, m); err != nil {
		return "", "", err
	}
	return model, m, nil
}

// Configure applies a configure message. History is left intact when the
// session was already configured, so follow-up commands can still refer to
// earlier ones. An invalid model or method leaves the session unchanged.
func (s *Session) Configure(model, method string) (string, protocol.Method, error) {
	model, m, err := s.Resolve(model, method)
	if err != nil {
		return "", "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model, s.method, s.configured = model, m, true
	return model, m, nil
}
