// Package protocol defines the messages exchanged between the controller
// embedded in the host application and the worker that owns audio,
// transcription and the model session.
//
// Every message is a flat JSON object discriminated by its "type" field.
// Messages that belong to a command carry the command's request_id.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the wire discriminator of a message.
type Type string

const (
	TypeConfigure       Type = "configure"
	TypeProcessAudio    Type = "process_audio"
	TypeProcessText     Type = "process_text"
	TypeRequestContext  Type = "request_context"
	TypeContextResponse Type = "context_response"
	TypeScript          Type = "script"
	TypeError           Type = "error"
	TypeExecutionError  Type = "execution_error"
	TypeExecutionOK     Type = "execution_ok"
	TypeStatus          Type = "status"
)

// Message is one entry of the closed message catalogue.
type Message interface {
	MessageType() Type
}

// Ensure all message types implement Message.
var (
	_ Message = (*Configure)(nil)
	_ Message = (*ProcessAudio)(nil)
	_ Message = (*ProcessText)(nil)
	_ Message = (*RequestContext)(nil)
	_ Message = (*ContextResponse)(nil)
	_ Message = (*Script)(nil)
	_ Message = (*Error)(nil)
	_ Message = (*ExecutionError)(nil)
	_ Message = (*ExecutionOK)(nil)
	_ Message = (*Status)(nil)
)

// ErrUnknownType is returned by Unmarshal for a well-formed message whose
// type is not in the catalogue. The frame itself was intact, so the
// channel stays usable.
var ErrUnknownType = errors.New("protocol: unknown message type")

// Marshal encodes m as a JSON object with the "type" field first.
func Marshal(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("protocol: nil message")
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", m.MessageType(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("protocol: %s did not encode as an object", m.MessageType())
	}
	var buf bytes.Buffer
	buf.Grow(len(body) + 32)
	fmt.Fprintf(&buf, `{"type":%q`, m.MessageType())
	if !bytes.Equal(body, []byte("{}")) {
		buf.WriteByte(',')
	}
	buf.Write(body[1:])
	return buf.Bytes(), nil
}

// Unmarshal decodes a message, choosing the concrete type from its "type"
// field.
func Unmarshal(b []byte) (Message, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return nil, fmt.Errorf("protocol: %w", err)
	}
	var m Message
	switch head.Type {
	case TypeConfigure:
		m = new(Configure)
	case TypeProcessAudio:
		m = new(ProcessAudio)
	case TypeProcessText:
		m = new(ProcessText)
	case TypeRequestContext:
		m = new(RequestContext)
	case TypeContextResponse:
		m = new(ContextResponse)
	case TypeScript:
		m = new(Script)
	case TypeError:
		m = new(Error)
	case TypeExecutionError:
		m = new(ExecutionError)
	case TypeExecutionOK:
		m = new(ExecutionOK)
	case TypeStatus:
		m = new(Status)
	case "":
		return nil, fmt.Errorf("protocol: missing message type")
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, head.Type)
	}
	if err := json.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal %s: %w", head.Type, err)
	}
	return m, nil
}
