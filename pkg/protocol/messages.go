package protocol

// Context is the opaque snapshot of host state supplied by the controller.
type Context = map[string]any

// Configure sets the session's model and audio method.
type Configure struct {
	Model  string `json:"model"`
	Method Method `json:"method"`
}

func (*Configure) MessageType() Type { return TypeConfigure }

// AudioFormat describes the encoding of ProcessAudio.AudioData.
type AudioFormat struct {
	SampleRate int      `json:"sample_rate"`
	Encoding   Encoding `json:"encoding"`
	Channels   int      `json:"channels,omitempty"`
}

// Encoding names the container of captured audio.
type Encoding string

const (
	EncodingWAV  Encoding = "wav"
	EncodingPCM  Encoding = "pcm_s16le"
	EncodingNone Encoding = ""
)

// ProcessAudio carries audio captured by the controller. AudioData is
// base64 on the wire.
type ProcessAudio struct {
	AudioData   []byte      `json:"audio_data"`
	Model       string      `json:"model,omitempty"`
	Method      Method      `json:"method,omitempty"`
	Context     Context     `json:"context"`
	AudioFormat AudioFormat `json:"audio_format"`
}

func (*ProcessAudio) MessageType() Type { return TypeProcessAudio }

// ProcessText is a typed command that bypasses audio and transcription.
type ProcessText struct {
	Text    string  `json:"text"`
	Context Context `json:"context"`
}

func (*ProcessText) MessageType() Type { return TypeProcessText }

// RequestContext asks the controller for a fresh host snapshot.
type RequestContext struct {
	RequestID  string `json:"request_id"`
	Transcript string `json:"transcript,omitempty"`
}

func (*RequestContext) MessageType() Type { return TypeRequestContext }

// ContextResponse answers RequestContext.
type ContextResponse struct {
	RequestID string  `json:"request_id"`
	Context   Context `json:"context"`
}

func (*ContextResponse) MessageType() Type { return TypeContextResponse }

// Script is a generated script ready for execution.
type Script struct {
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
}

func (*Script) MessageType() Type { return TypeScript }

// Error reports a terminal failure of a command, or a connection-level
// failure when RequestID is empty.
type Error struct {
	RequestID string `json:"request_id,omitempty"`
	Detail    string `json:"detail"`
}

func (*Error) MessageType() Type { return TypeError }

// Failure parses Detail back into a Failure.
func (m *Error) Failure() *Failure { return ParseFailure(m.Detail) }

// ExecutionError reports that the host failed to execute a script.
type ExecutionError struct {
	RequestID string `json:"request_id"`
	Detail    string `json:"detail"`
}

func (*ExecutionError) MessageType() Type { return TypeExecutionError }

// ExecutionOK acknowledges a successful execution.
type ExecutionOK struct {
	RequestID string `json:"request_id"`
}

func (*ExecutionOK) MessageType() Type { return TypeExecutionOK }

// State values of Status messages.
const (
	StateReady   = "ready"
	StateInfo    = "info"
	StateClosing = "closing"
)

// Status is advisory progress information.
type Status struct {
	State     string `json:"state"`
	Detail    string `json:"detail"`
	RequestID string `json:"request_id,omitempty"`
}

func (*Status) MessageType() Type { return TypeStatus }
