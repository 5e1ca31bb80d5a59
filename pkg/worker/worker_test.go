package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ManveerAnand/articulate3D/pkg/archive"
	"github.com/ManveerAnand/articulate3D/pkg/capture"
	"github.com/ManveerAnand/articulate3D/pkg/genx"
	"github.com/ManveerAnand/articulate3D/pkg/protocol"
	"github.com/ManveerAnand/articulate3D/pkg/transcribe"
	"github.com/ManveerAnand/articulate3D/pkg/wire"
)

const cubeScript = "import bpy\nbpy.ops.mesh.primitive_cube_add()"

type fakeGen struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   []genx.ModelContext
	models  []string
}

func (g *fakeGen) Generate(_ context.Context, model string, mctx genx.ModelContext) (*genx.Reply, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, mctx)
	g.models = append(g.models, model)
	if g.err != nil {
		return nil, g.err
	}
	text := cubeScript
	if len(g.replies) > 0 {
		text = g.replies[0]
		if len(g.replies) > 1 {
			g.replies = g.replies[1:]
		}
	}
	return &genx.Reply{Text: text}, nil
}

func (g *fakeGen) call(i int) genx.ModelContext {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[i]
}

func (g *fakeGen) model(i int) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.models[i]
}

func (g *fakeGen) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// transcript concatenates every text part of every message.
func transcript(mctx genx.ModelContext) string {
	var sb strings.Builder
	for m := range mctx.Messages() {
		for _, p := range m.Payload.(genx.Contents) {
			if t, ok := p.(genx.Text); ok {
				sb.WriteString(string(t))
				sb.WriteByte('\n')
			}
		}
	}
	return sb.String()
}

func hasAudio(mctx genx.ModelContext) bool {
	for m := range mctx.Messages() {
		for _, p := range m.Payload.(genx.Contents) {
			if b, ok := p.(*genx.Blob); ok && b.MIMEType == "audio/wav" && len(b.Data) > 44 {
				return true
			}
		}
	}
	return false
}

type harness struct {
	t   *testing.T
	srv *Server
	gen *fakeGen
	nc  net.Conn
	wc  *wire.Conn
}

func newHarness(t *testing.T, mod func(*Config)) *harness {
	t.Helper()
	gen := &fakeGen{}
	gens := genx.NewMux()
	gens.Handle("gemini-*", gen)
	gens.Handle("gpt-4o", gen)

	trs := transcribe.NewMux()
	trs.HandleFunc(protocol.MethodWhisper, func(context.Context, []byte) (string, error) {
		return "add a sphere", nil
	})
	trs.HandleFunc(protocol.MethodGeminiSTT, func(context.Context, []byte) (string, error) {
		return "", errors.New("backend unavailable")
	})

	cfg := Config{
		Generators:   gens,
		Transcribers: trs,
		RetryBudget:  DefaultRetryBudget,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mod != nil {
		mod(&cfg)
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Serve(ln)

	nc, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	h := &harness{t: t, srv: srv, gen: gen, nc: nc, wc: wire.NewConn(nc)}
	t.Cleanup(func() {
		h.wc.Close()
		srv.Close()
	})

	st, ok := h.recvAny().(*protocol.Status)
	if !ok || st.State != protocol.StateReady {
		t.Fatalf("first message = %#v, want ready status", st)
	}
	return h
}

func (h *harness) send(m protocol.Message) {
	h.t.Helper()
	if err := h.wc.Send(m); err != nil {
		h.t.Fatalf("Send %s: %v", m.MessageType(), err)
	}
}

func (h *harness) recvAny() protocol.Message {
	h.t.Helper()
	h.nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	m, err := h.wc.Receive()
	if err != nil {
		h.t.Fatalf("Receive: %v", err)
	}
	return m
}

// recv returns the next message that is not a status.
func (h *harness) recv() protocol.Message {
	h.t.Helper()
	for {
		m := h.recvAny()
		if _, ok := m.(*protocol.Status); !ok {
			return m
		}
	}
}

func (h *harness) expectRequestContext() *protocol.RequestContext {
	h.t.Helper()
	m := h.recv()
	rc, ok := m.(*protocol.RequestContext)
	if !ok {
		h.t.Fatalf("got %#v, want request_context", m)
	}
	if rc.RequestID == "" {
		h.t.Fatal("request_context without request_id")
	}
	return rc
}

func (h *harness) expectScript(id string) *protocol.Script {
	h.t.Helper()
	m := h.recv()
	s, ok := m.(*protocol.Script)
	if !ok {
		h.t.Fatalf("got %#v, want script", m)
	}
	if s.RequestID != id {
		h.t.Fatalf("script for %s, want %s", s.RequestID, id)
	}
	return s
}

func (h *harness) expectError(kind protocol.Kind) *protocol.Error {
	h.t.Helper()
	m := h.recv()
	e, ok := m.(*protocol.Error)
	if !ok {
		h.t.Fatalf("got %#v, want error", m)
	}
	if got := e.Failure().Kind; got != kind {
		h.t.Fatalf("error kind = %q (%s), want %q", got, e.Detail, kind)
	}
	return e
}

// roundTrip sends a text command through to its script and returns the request id.
func (h *harness) roundTrip(text string) string {
	h.t.Helper()
	h.send(&protocol.ProcessText{Text: text})
	rc := h.expectRequestContext()
	h.send(&protocol.ContextResponse{RequestID: rc.RequestID, Context: protocol.Context{}})
	s := h.expectScript(rc.RequestID)
	if s.Text != cubeScript {
		h.t.Fatalf("script = %q", s.Text)
	}
	return rc.RequestID
}

func pcmAudio() *protocol.ProcessAudio {
	return &protocol.ProcessAudio{
		AudioData:   make([]byte, 3200),
		AudioFormat: protocol.AudioFormat{SampleRate: 16000, Encoding: protocol.EncodingPCM},
	}
}

func TestTextToScript(t *testing.T) {
	h := newHarness(t, nil)
	h.roundTrip("create a cube")
	if !strings.Contains(transcript(h.gen.call(0)), "Command: create a cube") {
		t.Errorf("prompt does not carry the command:\n%s", transcript(h.gen.call(0)))
	}
}

func TestUnknownExecutionErrorIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.roundTrip("create a cube")

	h.send(&protocol.ExecutionError{RequestID: "R2-unknown", Detail: "NameError"})

	// The connection is still healthy and nothing was sent for R2.
	h.send(&protocol.ProcessText{Text: "add a light"})
	h.expectRequestContext()
	if n := h.gen.count(); n != 1 {
		t.Errorf("generation calls = %d, want 1", n)
	}
}

func TestRetryEmbedsExecutionError(t *testing.T) {
	h := newHarness(t, nil)
	id := h.roundTrip("create a cube")

	h.send(&protocol.ExecutionError{RequestID: id, Detail: "NameError: x undefined"})
	rc := h.expectRequestContext()
	if rc.RequestID != id {
		t.Fatalf("retry asked context for %s, want %s", rc.RequestID, id)
	}
	h.send(&protocol.ContextResponse{RequestID: id, Context: protocol.Context{"mode": "OBJECT"}})
	h.expectScript(id)

	prompt := transcript(h.gen.call(1))
	for _, want := range []string{"NameError: x undefined", "Command: create a cube", cubeScript} {
		if !strings.Contains(prompt, want) {
			t.Errorf("retry prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RetryBudget = 1 })
	id := h.roundTrip("create a cube")

	h.send(&protocol.ExecutionError{RequestID: id, Detail: "NameError: x undefined"})
	h.expectRequestContext()
	h.send(&protocol.ContextResponse{RequestID: id})
	h.expectScript(id)

	h.send(&protocol.ExecutionError{RequestID: id, Detail: "TypeError: bad operand"})
	e := h.expectError(protocol.KindExecutionFailed)
	if e.RequestID != id || !strings.Contains(e.Detail, "TypeError: bad operand") {
		t.Errorf("error = %+v", e)
	}

	// The request is gone now.
	h.send(&protocol.ExecutionError{RequestID: id, Detail: "again"})
	h.send(&protocol.ProcessText{Text: "next"})
	h.expectRequestContext()
}

func TestNoRetriesWithZeroBudget(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RetryBudget = 0 })
	id := h.roundTrip("create a cube")
	h.send(&protocol.ExecutionError{RequestID: id, Detail: "boom"})
	h.expectError(protocol.KindExecutionFailed)
}

func TestTranscriptionFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.send(&protocol.Configure{Model: "gemini-1.5-flash", Method: "google_stt"})
	h.send(pcmAudio())

	e := h.expectError(protocol.KindTranscriptionFailed)
	if e.RequestID == "" {
		t.Error("transcription failure without request_id")
	}
	if h.gen.count() != 0 {
		t.Error("generator was called")
	}
}

func TestTranscribedAudio(t *testing.T) {
	h := newHarness(t, nil)
	h.send(&protocol.Configure{Method: "transcribe-A"})
	h.send(pcmAudio())

	rc := h.expectRequestContext()
	if rc.Transcript != "add a sphere" {
		t.Errorf("transcript = %q", rc.Transcript)
	}
	h.send(&protocol.ContextResponse{RequestID: rc.RequestID})
	h.expectScript(rc.RequestID)
	if !strings.Contains(transcript(h.gen.call(0)), "Command: add a sphere") {
		t.Error("prompt does not carry the transcript")
	}
}

func TestDirectAudio(t *testing.T) {
	dir := t.TempDir()
	store, err := archive.NewLocal(dir)
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, func(c *Config) { c.Archive = store })
	audio := pcmAudio()
	audio.Model = "gpt-4o"
	h.send(audio)

	rc := h.expectRequestContext()
	if rc.Transcript != "" {
		t.Errorf("direct audio has transcript %q", rc.Transcript)
	}
	h.send(&protocol.ContextResponse{RequestID: rc.RequestID})
	h.expectScript(rc.RequestID)
	if !hasAudio(h.gen.call(0)) {
		t.Error("audio part missing from prompt")
	}
	if h.gen.model(0) != "gpt-4o" {
		t.Errorf("model = %q, want per-command override", h.gen.model(0))
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || !strings.HasPrefix(entries[0].Name(), "command_audio_") ||
		!strings.HasSuffix(entries[0].Name(), "_"+rc.RequestID[:8]+".wav") {
		t.Errorf("archive = %v", entries)
	}
}

func TestConfigureRejectsUnknownModel(t *testing.T) {
	h := newHarness(t, nil)
	h.send(&protocol.Configure{Model: "no-such-model", Method: "direct"})
	e := h.expectError(protocol.KindConfiguration)
	if e.RequestID != "" {
		t.Errorf("configuration error scoped to %s", e.RequestID)
	}
	h.send(&protocol.Configure{Method: "telepathy"})
	h.expectError(protocol.KindConfiguration)

	// Still alive with the defaults.
	h.roundTrip("create a cube")
	if h.gen.model(0) != DefaultModel {
		t.Errorf("model = %q", h.gen.model(0))
	}
}

func TestHistoryAfterExecutionOK(t *testing.T) {
	h := newHarness(t, nil)
	h.send(&protocol.Configure{Model: "gemini-2.0-flash", Method: "direct"})
	id := h.roundTrip("create a cube")
	h.send(&protocol.ExecutionOK{RequestID: id})

	// Re-configuring keeps the history.
	h.send(&protocol.Configure{Model: "gemini-2.0-flash"})
	h.roundTrip("make it red")

	var sawModelTurn bool
	for m := range h.gen.call(1).Messages() {
		if m.Role == genx.RoleModel {
			sawModelTurn = true
		}
	}
	prompt := transcript(h.gen.call(1))
	if !sawModelTurn || !strings.Contains(prompt, "Command: create a cube") {
		t.Errorf("second prompt lacks history:\n%s", prompt)
	}
}

func TestFallbackContext(t *testing.T) {
	h := newHarness(t, nil)
	h.send(&protocol.ProcessText{Text: "add a cube", Context: protocol.Context{"mode": "EDIT"}})
	rc := h.expectRequestContext()
	h.send(&protocol.ContextResponse{RequestID: rc.RequestID})
	h.expectScript(rc.RequestID)
	if !strings.Contains(transcript(h.gen.call(0)), "mode: EDIT") {
		t.Errorf("fallback context not used:\n%s", transcript(h.gen.call(0)))
	}
}

func TestStaleContextResponse(t *testing.T) {
	h := newHarness(t, nil)
	id := h.roundTrip("create a cube")
	// Already taken.
	h.send(&protocol.ContextResponse{RequestID: id})
	h.send(&protocol.ContextResponse{RequestID: "never-issued"})
	h.send(&protocol.ProcessText{Text: "next"})
	h.expectRequestContext()
	if n := h.gen.count(); n != 1 {
		t.Errorf("generation calls = %d, want 1", n)
	}
}

func TestGenerationFailures(t *testing.T) {
	for name, tt := range map[string]struct {
		reply string
		err   error
		kind  protocol.Kind
	}{
		"sentinel": {reply: "# Error: Command cannot be processed.", kind: protocol.KindGenerationRejected},
		"empty":    {reply: "```python\n```", kind: protocol.KindGenerationRejected},
		"blocked":  {err: genx.Blocked(genx.Usage{}, "SAFETY"), kind: protocol.KindGenerationRejected},
		"network":  {err: errors.New("dial tcp: connection refused"), kind: protocol.KindGenerationUnavailable},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.gen.mu.Lock()
			h.gen.err = tt.err
			if tt.reply != "" {
				h.gen.replies = []string{tt.reply}
			}
			h.gen.mu.Unlock()
			h.send(&protocol.ProcessText{Text: "do something"})
			rc := h.expectRequestContext()
			h.send(&protocol.ContextResponse{RequestID: rc.RequestID})
			e := h.expectError(tt.kind)
			if e.RequestID != rc.RequestID {
				t.Errorf("error for %s, want %s", e.RequestID, rc.RequestID)
			}
		})
	}
}

func TestContextTimeout(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ContextTimeout = 50 * time.Millisecond })
	h.send(&protocol.ProcessText{Text: "create a cube"})
	rc := h.expectRequestContext()
	e := h.expectError(protocol.KindStaleRequest)
	if e.RequestID != rc.RequestID {
		t.Errorf("timeout for %s, want %s", e.RequestID, rc.RequestID)
	}
	// A late answer is stale and ignored.
	h.send(&protocol.ContextResponse{RequestID: rc.RequestID})
	h.send(&protocol.ProcessText{Text: "next"})
	h.expectRequestContext()
}

func TestEmptyTextRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.send(&protocol.ProcessText{Text: "   "})
	h.expectError(protocol.KindGenerationRejected)
}

func TestAudioWithoutDataFails(t *testing.T) {
	h := newHarness(t, nil)
	h.send(&protocol.ProcessAudio{AudioFormat: protocol.AudioFormat{Encoding: protocol.EncodingWAV}})

	e := h.expectError(protocol.KindTranscriptionFailed)
	if e.RequestID == "" {
		t.Error("failure without request_id")
	}
	if h.gen.count() != 0 {
		t.Error("generator was called")
	}
}

func TestUnknownMessageTypeKeepsConnection(t *testing.T) {
	h := newHarness(t, nil)
	if err := wire.WriteFrame(h.nc, []byte(`{"type":"ping"}`), wire.DefaultMaxFrameSize); err != nil {
		t.Fatal(err)
	}
	e, ok := h.recv().(*protocol.Error)
	if !ok {
		t.Fatal("want error reply")
	}
	if !strings.Contains(e.Detail, "ping") || e.Failure().Kind == protocol.KindMalformedFrame {
		t.Errorf("detail = %q", e.Detail)
	}
	h.roundTrip("add a cube")
}

func TestSubmitFromLocalSource(t *testing.T) {
	h := newHarness(t, nil)
	h.send(&protocol.Configure{Method: "direct"})
	// Wait for configure to be applied.
	for {
		if st, ok := h.recvAny().(*protocol.Status); ok && st.State == protocol.StateInfo {
			break
		}
	}
	if err := h.srv.Submit(context.Background(), capture.Command{Kind: capture.KindText, Source: "cmd.txt", Text: "add a torus"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rc := h.expectRequestContext()
	h.send(&protocol.ContextResponse{RequestID: rc.RequestID})
	h.expectScript(rc.RequestID)
	if !strings.Contains(transcript(h.gen.call(0)), "Command: add a torus") {
		t.Error("submitted command not in prompt")
	}
}

func TestSubmitWithoutController(t *testing.T) {
	gens := genx.NewMux()
	gens.Handle("gemini-*", &fakeGen{})
	srv, err := NewServer(Config{Generators: gens, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()
	if err := srv.Submit(context.Background(), capture.Command{Kind: capture.KindText, Text: "x"}); !errors.Is(err, ErrNoController) {
		t.Errorf("Submit err = %v", err)
	}
}

func TestNewServerValidates(t *testing.T) {
	if _, err := NewServer(Config{}); protocol.KindOf(err) != protocol.KindConfiguration {
		t.Errorf("no generators: err = %v", err)
	}
	gens := genx.NewMux()
	gens.Handle("gpt-4o", &fakeGen{})
	if _, err := NewServer(Config{Generators: gens}); err == nil {
		t.Error("default model without a generator accepted")
	}
	if _, err := NewServer(Config{Generators: gens, Model: "gpt-4o", Method: protocol.MethodWhisper}); err == nil {
		t.Error("whisper without a transcriber accepted")
	}
}

func TestCloseSendsClosingStatus(t *testing.T) {
	h := newHarness(t, nil)
	h.send(&protocol.ProcessText{Text: "pending"})
	h.expectRequestContext()

	done := make(chan error, 1)
	go func() { done <- h.srv.Close() }()

	var sawClosing bool
	for {
		h.nc.SetReadDeadline(time.Now().Add(5 * time.Second))
		m, err := h.wc.Receive()
		if err != nil {
			if protocol.KindOf(err) != protocol.KindChannelClosed {
				t.Fatalf("Receive err = %v, want ChannelClosed", err)
			}
			break
		}
		if st, ok := m.(*protocol.Status); ok && st.State == protocol.StateClosing {
			sawClosing = true
		}
	}
	if !sawClosing {
		t.Error("no closing status before disconnect")
	}
	if err := <-done; err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := h.srv.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestMalformedFrameDropsConnection(t *testing.T) {
	h := newHarness(t, nil)
	// A declared length past the limit.
	h.nc.Write([]byte{0x7f, 0xff, 0xff, 0xff})
	e := h.expectError(protocol.KindMalformedFrame)
	if e.RequestID != "" {
		t.Errorf("malformed frame error scoped to %s", e.RequestID)
	}
	h.nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := h.wc.Receive(); protocol.KindOf(err) != protocol.KindChannelClosed {
		t.Errorf("after malformed frame: err = %v", err)
	}
}
