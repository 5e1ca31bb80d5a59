// Package tracker keeps the commands a worker connection has in flight.
//
// A command is begun when it is captured, taken when its scene context
// arrives, delivered back once a script has been produced, and re-armed
// for another round trip when the controller reports that the script failed
// to execute. Entries that wait too long expire.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/ManveerAnand/articulate3D/pkg/protocol"
)

const (
	DefaultContextTimeout = 30 * time.Second
	DefaultRetryWindow    = 5 * time.Minute
)

var (
	// ErrNotFound is returned for ids that are unknown, expired, already
	// taken or not in the state the operation needs.
	ErrNotFound = errors.New("tracker: request not found")

	// ErrExhausted is returned by Retry when the retry budget is spent.
	ErrExhausted = errors.New("tracker: retry budget exhausted")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("tracker: closed")
)

// State is the lifecycle position of a tracked request.
type State int

const (
	StateAwaitingContext State = iota + 1
	StateGenerating
	StateDelivered
	StateDone
)

func (s State) String() string {
	switch s {
	case StateAwaitingContext:
		return "awaiting_context"
	case StateGenerating:
		return "generating"
	case StateDelivered:
		return "delivered"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Payload is the captured command: RawAudio or TranscribedText.
type Payload interface {
	isPayload()
}

// RawAudio is audio shipped to the model as-is.
type RawAudio struct {
	Data     []byte
	MIMEType string
}

// TranscribedText is a command that is already text.
type TranscribedText struct {
	Text string
}

func (RawAudio) isPayload()        {}
func (TranscribedText) isPayload() {}

// PendingRequest is one in-flight command.
type PendingRequest struct {
	ID      string
	Payload Payload

	// LastExecutionError is the most recent failure reported by the host,
	// empty until the first report.
	LastExecutionError string

	// LastScript is the most recently delivered script.
	LastScript string

	// Fallback is the context that arrived with the command, used when a
	// context response carries none.
	Fallback protocol.Context

	// Model overrides the session's model for this command when set.
	Model string

	// Attempts counts generation attempts so far.
	Attempts int

	CreatedAt time.Time

	state State
}

// State returns the request's lifecycle state.
func (r *PendingRequest) State() State { return r.state }

func (r *PendingRequest) clone() *PendingRequest {
	c := *r
	return &c
}

// Config configures a Tracker.
type Config struct {
	// ContextTimeout bounds AwaitingContext. Zero means
	// DefaultContextTimeout.
	ContextTimeout time.Duration

	// RetryWindow bounds how long a delivered request waits for an
	// execution outcome. Zero means DefaultRetryWindow.
	RetryWindow time.Duration

	// OnExpire, if set, is called from its own goroutine with a copy of a
	// request that timed out, together with the state it timed out in.
	// Close waits for running callbacks.
	OnExpire func(req *PendingRequest, in State)
}

// Tracker is safe for concurrent use.
type Tracker struct {
	cfg   Config
	cache *ttlcache.Cache[string, *PendingRequest]

	mu       sync.Mutex
	closed   bool
	once     sync.Once
	stop     func()
	expiring sync.WaitGroup
}

// New returns a running Tracker. Call Close to release it.
func New(cfg Config) *Tracker {
	if cfg.ContextTimeout <= 0 {
		cfg.ContextTimeout = DefaultContextTimeout
	}
	if cfg.RetryWindow <= 0 {
		cfg.RetryWindow = DefaultRetryWindow
	}
	c := ttlcache.New[string, *PendingRequest](
		ttlcache.WithTTL[string, *PendingRequest](cfg.ContextTimeout),
		ttlcache.WithDisableTouchOnHit[string, *PendingRequest](),
	)
	t := &Tracker{cfg: cfg, cache: c}
	t.stop = c.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *PendingRequest]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		// ttlcache runs each handler on its own goroutine.
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		t.expiring.Add(1)
		t.mu.Unlock()
		defer t.expiring.Done()
		t.expired(item.Value())
	})
	go c.Start()
	return t
}

func (t *Tracker) expired(req *PendingRequest) {
	t.mu.Lock()
	in := req.state
	if t.closed || (in != StateAwaitingContext && in != StateDelivered) {
		t.mu.Unlock()
		return
	}
	req.state = StateDone
	snapshot := req.clone()
	t.mu.Unlock()

	if t.cfg.OnExpire != nil {
		t.cfg.OnExpire(snapshot, in)
	}
}

// BeginOption customizes Begin.
type BeginOption func(*PendingRequest)

// WithFallbackContext attaches the context that came with the command.
func WithFallbackContext(c protocol.Context) BeginOption {
	return func(r *PendingRequest) { r.Fallback = c }
}

// WithModel pins the command to a model other than the session's.
func WithModel(model string) BeginOption {
	return func(r *PendingRequest) { r.Model = model }
}

// WithID begins the request under an id obtained from Reserve.
func WithID(id string) BeginOption {
	return func(r *PendingRequest) { r.ID = id }
}

// Reserve returns a fresh id without tracking anything under it. It lets a
// command be named before its payload is ready, e.g. while it is being
// transcribed.
func (t *Tracker) Reserve() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.newIDLocked()
}

func (t *Tracker) newIDLocked() string {
	id := uuid.NewString()
	for t.cache.Has(id) {
		id = uuid.NewString()
	}
	return id
}

// Begin records a new command awaiting context and returns its id.
func (t *Tracker) Begin(p Payload, opts ...BeginOption) (string, error) {
	if p == nil {
		return "", fmt.Errorf("tracker: nil payload")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", ErrClosed
	}
	req := &PendingRequest{
		Payload:   p,
		CreatedAt: time.Now(),
		state:     StateAwaitingContext,
	}
	for _, opt := range opts {
		opt(req)
	}
	if req.ID == "" {
		req.ID = t.newIDLocked()
	} else if t.cache.Has(req.ID) {
		return "", fmt.Errorf("tracker: request %s is already tracked", req.ID)
	}
	t.cache.Set(req.ID, req, t.cfg.ContextTimeout)
	return req.ID, nil
}

// AnnotateFailure stores the latest execution failure for id. It reports
// false when id is not tracked.
func (t *Tracker) AnnotateFailure(id, text string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	item := t.cache.Get(id)
	if item == nil {
		return false
	}
	if text == "" {
		text = "script execution failed"
	}
	item.Value().LastExecutionError = text
	return true
}

// Take removes a request that is awaiting context and hands it to the
// caller. A second Take for the same id returns ErrNotFound.
func (t *Tracker) Take(id string) (*PendingRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item := t.cache.Get(id)
	if item == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	req := item.Value()
	if req.state != StateAwaitingContext {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFound, id, req.state)
	}
	req.state = StateGenerating
	req.Attempts++
	t.cache.Delete(id)
	return req, nil
}

// Deliver returns a taken request to the tracker after its script has been
// sent, keeping the payload for a possible retry.
func (t *Tracker) Deliver(req *PendingRequest, script string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if req.state != StateGenerating {
		return fmt.Errorf("tracker: deliver %s in state %s", req.ID, req.state)
	}
	req.state = StateDelivered
	req.LastScript = script
	t.cache.Set(req.ID, req, t.cfg.RetryWindow)
	return nil
}

// Retry moves a delivered request back to AwaitingContext so it can be
// regenerated. When maxAttempts generations have already happened the
// request is removed and ErrExhausted is returned with its final state.
func (t *Tracker) Retry(id string, maxAttempts int) (*PendingRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item := t.cache.Get(id)
	if item == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	req := item.Value()
	if req.state != StateDelivered {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFound, id, req.state)
	}
	if req.Attempts >= maxAttempts {
		req.state = StateDone
		t.cache.Delete(id)
		return req.clone(), ErrExhausted
	}
	req.state = StateAwaitingContext
	t.cache.Set(id, req, t.cfg.ContextTimeout)
	return req.clone(), nil
}

// Complete removes a delivered request after a success acknowledgement.
func (t *Tracker) Complete(id string) (*PendingRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item := t.cache.Get(id)
	if item == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	req := item.Value()
	if req.state != StateDelivered {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFound, id, req.state)
	}
	req.state = StateDone
	t.cache.Delete(id)
	return req.clone(), nil
}

// Len returns the number of tracked requests.
func (t *Tracker) Len() int {
	return t.cache.Len()
}

// Close discards every entry and waits for expiry callbacks that are
// already running. Later calls to Begin and Deliver fail with ErrClosed
// and no further expiry callback fires.
func (t *Tracker) Close() {
	t.once.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.cache.DeleteAll()
		t.mu.Unlock()
		t.stop()
		t.cache.Stop()
		t.expiring.Wait()
	})
}
