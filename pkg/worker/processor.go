package worker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ManveerAnand/articulate3D/pkg/archive"
	"github.com/ManveerAnand/articulate3D/pkg/audio"
	"github.com/ManveerAnand/articulate3D/pkg/capture"
	"github.com/ManveerAnand/articulate3D/pkg/genx"
	"github.com/ManveerAnand/articulate3D/pkg/history"
	"github.com/ManveerAnand/articulate3D/pkg/protocol"
	"github.com/ManveerAnand/articulate3D/pkg/scene"
	"github.com/ManveerAnand/articulate3D/pkg/tracker"
	"github.com/ManveerAnand/articulate3D/pkg/transcribe"
)

// voiceCommand labels direct-audio commands in the history.
const voiceCommand = "(voice command)"

// command is a captured command before it is tracked.
type command struct {
	kind     capture.Kind
	text     string
	audio    []byte
	format   protocol.AudioFormat
	model    string
	method   protocol.Method
	fallback protocol.Context
	source   string
}

func (c *Conn) processText(m *protocol.ProcessText) {
	model, method := c.session.Settings()
	if _, err := c.submit(command{kind: capture.KindText, text: m.Text, fallback: m.Context, model: model, method: method}); err != nil {
		c.log.Warn("text command rejected", "error", err)
	}
}

func (c *Conn) processAudio(m *protocol.ProcessAudio) {
	model, method, err := c.session.Resolve(m.Model, string(m.Method))
	if err != nil {
		c.log.Warn("audio command rejected", "model", m.Model, "method", m.Method, "error", err)
		c.fail("", err)
		return
	}
	cmd := command{
		kind:     capture.KindAudio,
		audio:    m.AudioData,
		format:   m.AudioFormat,
		model:    model,
		method:   method,
		fallback: m.Context,
	}
	if _, err := c.submit(cmd); err != nil {
		c.log.Warn("audio command rejected", "error", err)
	}
}

// submit names the command and either begins it right away (text) or
// prepares it in the background (audio). Failures are reported to the
// controller before submit returns or from the background goroutine.
func (c *Conn) submit(cmd command) (string, error) {
	id := c.tracker.Reserve()
	switch cmd.kind {
	case capture.KindText:
		text := strings.TrimSpace(cmd.text)
		if text == "" {
			err := protocol.Fail(protocol.KindGenerationRejected, "empty command")
			c.fail(id, err)
			return id, err
		}
		return id, c.begin(id, tracker.TranscribedText{Text: text}, "", cmd)
	case capture.KindAudio:
		if len(cmd.audio) == 0 {
			err := protocol.Fail(protocol.KindTranscriptionFailed, "no audio data")
			c.fail(id, err)
			return id, err
		}
		if !c.goProcess(func(ctx context.Context) { c.capture(ctx, id, cmd) }) {
			return id, protocol.Fail(protocol.KindChannelClosed, "connection closing")
		}
		return id, nil
	default:
		err := protocol.Fail(protocol.KindConfiguration, "unknown command kind "+string(cmd.kind))
		c.fail(id, err)
		return id, err
	}
}

// begin tracks the payload and asks the controller for scene context.
func (c *Conn) begin(id string, p tracker.Payload, transcript string, cmd command) error {
	_, err := c.tracker.Begin(p,
		tracker.WithID(id),
		tracker.WithModel(cmd.model),
		tracker.WithFallbackContext(cmd.fallback),
	)
	if err != nil {
		c.log.Warn("begin command", "request_id", id, "error", err)
		return err
	}
	c.log.Debug("awaiting context", "request_id", id, "source", cmd.source)
	c.send(&protocol.RequestContext{RequestID: id, Transcript: transcript})
	return nil
}

// capture normalizes, archives and (depending on the method) transcribes
// audio. A failure here is terminal and never reaches AwaitingContext.
func (c *Conn) capture(ctx context.Context, id string, cmd command) {
	log := c.log.With("request_id", id)
	wav, err := audio.PrepareCommand(cmd.audio, cmd.format)
	if err != nil {
		log.Warn("audio rejected", "error", err)
		c.fail(id, protocol.Wrap(protocol.KindTranscriptionFailed, err))
		return
	}
	if store := c.srv.cfg.Archive; store != nil {
		if name, err := archive.SaveAudio(ctx, store, time.Now(), id, wav); err != nil {
			log.Warn("archive audio", "error", err)
		} else {
			log.Debug("audio archived", "name", name)
		}
	}

	if !cmd.method.Transcribes() {
		c.begin(id, tracker.RawAudio{Data: wav, MIMEType: audio.MIMEType}, "", cmd)
		return
	}

	c.status(protocol.StateInfo, "transcribing with "+string(cmd.method), id)
	text, err := c.srv.cfg.Transcribers.Transcribe(ctx, cmd.method, wav)
	if err == nil && strings.TrimSpace(text) == "" {
		err = transcribe.ErrNoSpeech
	}
	if err != nil {
		log.Warn("transcription failed", "method", cmd.method, "error", err)
		c.fail(id, protocol.Wrap(protocol.KindTranscriptionFailed, err))
		return
	}
	text = strings.TrimSpace(text)
	log.Info("transcribed", "text", text)
	c.begin(id, tracker.TranscribedText{Text: text}, text, cmd)
}

func (c *Conn) contextResponse(m *protocol.ContextResponse) {
	req, err := c.tracker.Take(m.RequestID)
	if err != nil {
		c.log.Warn("stale context response", "request_id", m.RequestID, "kind", protocol.KindStaleRequest, "error", err)
		return
	}
	sceneCtx := m.Context
	if len(sceneCtx) == 0 {
		sceneCtx = req.Fallback
	}
	if !c.goProcess(func(ctx context.Context) { c.generate(ctx, req, sceneCtx) }) {
		c.log.Debug("connection closing, dropping request", "request_id", req.ID)
	}
}

// generate makes exactly one generation call for req and delivers the
// script or reports the failure.
func (c *Conn) generate(ctx context.Context, req *tracker.PendingRequest, sceneCtx protocol.Context) {
	log := c.log.With("request_id", req.ID, "attempt", req.Attempts)

	rendered, err := scene.Render(ctx, sceneCtx, c.srv.cfg.SceneFilter)
	if err != nil {
		log.Warn("scene filter failed, using the raw context", "error", err)
		rendered, _ = scene.Render(ctx, sceneCtx, nil)
	}
	turns, err := c.srv.cfg.History.Recent(ctx, c.session.ID, history.DefaultLimit)
	if err != nil {
		log.Warn("load history", "error", err)
	}

	sr := &genx.ScriptRequest{
		Scene:          rendered,
		History:        history.Messages(turns),
		PreviousScript: req.LastScript,
		ExecutionError: req.LastExecutionError,
		JSON:           c.srv.cfg.StructuredOutput,
	}
	switch p := req.Payload.(type) {
	case tracker.TranscribedText:
		sr.Text = p.Text
	case tracker.RawAudio:
		sr.Audio = &genx.Blob{MIMEType: p.MIMEType, Data: p.Data}
	}
	mctx, err := genx.ScriptContext(sr)
	if err != nil {
		c.fail(req.ID, protocol.Wrap(protocol.KindGenerationRejected, err))
		return
	}

	model := req.Model
	if model == "" {
		model, _ = c.session.Settings()
	}
	if sr.IsRetry() {
		c.status(protocol.StateInfo, "regenerating after execution failure", req.ID)
	} else {
		c.status(protocol.StateInfo, "generating script", req.ID)
	}
	start := time.Now()
	reply, err := c.srv.cfg.Generators.Generate(ctx, model, mctx)
	if err != nil {
		log.Warn("generation failed", "model", model, "status", genx.StatusOf(err), "error", err)
		c.fail(req.ID, classifyGeneration(err))
		return
	}
	script, err := genx.ExtractScript(reply.Text)
	if err != nil {
		log.Warn("no usable script in reply", "model", model, "error", err)
		c.fail(req.ID, protocol.Wrap(protocol.KindGenerationRejected, err))
		return
	}
	log.Info("script generated", "model", model, "elapsed", time.Since(start).Round(time.Millisecond), "retry", sr.IsRetry())
	log.Debug("token usage", "prompt", reply.Usage.PromptTokenCount, "generated", reply.Usage.GeneratedTokenCount)

	// Deliver before sending so an immediate execution report finds the
	// request in the Delivered state.
	if err := c.tracker.Deliver(req, script); err != nil {
		log.Debug("deliver", "error", err)
		return
	}
	c.send(&protocol.Script{RequestID: req.ID, Text: script})
}

func classifyGeneration(err error) error {
	switch genx.StatusOf(err) {
	case genx.StatusBlocked, genx.StatusTruncated:
		return protocol.Wrap(protocol.KindGenerationRejected, err)
	default:
		return protocol.Wrap(protocol.KindGenerationUnavailable, err)
	}
}

func (c *Conn) executionError(m *protocol.ExecutionError) {
	log := c.log.With("request_id", m.RequestID)
	if !c.tracker.AnnotateFailure(m.RequestID, m.Detail) {
		log.Warn("execution error for unknown request", "kind", protocol.KindStaleRequest, "detail", m.Detail)
		return
	}
	req, err := c.tracker.Retry(m.RequestID, 1+c.srv.cfg.RetryBudget)
	switch {
	case errors.Is(err, tracker.ErrExhausted):
		log.Warn("retry budget exhausted", "attempts", req.Attempts, "detail", req.LastExecutionError)
		c.fail(req.ID, protocol.Fail(protocol.KindExecutionFailed, req.LastExecutionError))
	case err != nil:
		log.Warn("execution error for request not awaiting an outcome", "kind", protocol.KindStaleRequest, "error", err)
	default:
		log.Info("script failed, retrying", "attempt", req.Attempts+1, "detail", req.LastExecutionError)
		transcript := ""
		if p, ok := req.Payload.(tracker.TranscribedText); ok {
			transcript = p.Text
		}
		c.send(&protocol.RequestContext{RequestID: req.ID, Transcript: transcript})
	}
}

func (c *Conn) executionOK(m *protocol.ExecutionOK) {
	req, err := c.tracker.Complete(m.RequestID)
	if err != nil {
		c.log.Warn("execution ok for unknown request", "request_id", m.RequestID, "kind", protocol.KindStaleRequest, "error", err)
		return
	}
	c.log.Info("script executed", "request_id", req.ID, "attempts", req.Attempts)
	c.remember(req)
}

// expired is the tracker's expiry callback.
func (c *Conn) expired(req *tracker.PendingRequest, in tracker.State) {
	switch in {
	case tracker.StateAwaitingContext:
		c.log.Warn("no context response in time", "request_id", req.ID, "kind", protocol.KindStaleRequest)
		c.fail(req.ID, protocol.Fail(protocol.KindStaleRequest, "context timeout"))
	case tracker.StateDelivered:
		// No outcome within the retry window counts as success.
		c.log.Debug("no execution outcome, assuming success", "request_id", req.ID)
		c.remember(req)
	}
}

func (c *Conn) remember(req *tracker.PendingRequest) {
	if c.ctx.Err() != nil {
		return
	}
	cmd := voiceCommand
	if p, ok := req.Payload.(tracker.TranscribedText); ok {
		cmd = p.Text
	}
	err := c.srv.cfg.History.Append(c.ctx, c.session.ID, history.Turn{Command: cmd, Script: req.LastScript})
	if err != nil {
		c.log.Warn("append history", "request_id", req.ID, "error", err)
	}
}
