package controller

import (
	"log/slog"

	"github.com/ManveerAnand/articulate3D/pkg/protocol"
)

// Presenter is the user-facing side of the controller.
type Presenter interface {
	// Transcript shows what the worker heard for a command.
	Transcript(requestID, text string)
	// Script shows a script that was queued for execution.
	Script(requestID, text string)
	// Executed reports a script's outcome; err is nil on success.
	Executed(requestID string, err error)
	// Failed reports a terminal failure. requestID is empty for
	// connection-level failures.
	Failed(requestID string, f *protocol.Failure)
	// Status relays advisory worker status.
	Status(st *protocol.Status)
}

// LogPresenter writes everything to a logger.
type LogPresenter struct {
	Logger *slog.Logger
}

func (p LogPresenter) log() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p LogPresenter) Transcript(id, text string) {
	p.log().Info("heard", "request_id", id, "text", text)
}

func (p LogPresenter) Script(id, text string) {
	p.log().Info("script queued", "request_id", id, "bytes", len(text))
}

func (p LogPresenter) Executed(id string, err error) {
	if err != nil {
		p.log().Warn("script failed", "request_id", id, "error", err)
		return
	}
	p.log().Info("script executed", "request_id", id)
}

func (p LogPresenter) Failed(id string, f *protocol.Failure) {
	p.log().Error("command failed", "request_id", id, "kind", f.Kind, "detail", f.Detail)
}

func (p LogPresenter) Status(st *protocol.Status) {
	p.log().Debug("worker status", "state", st.State, "detail", st.Detail, "request_id", st.RequestID)
}
