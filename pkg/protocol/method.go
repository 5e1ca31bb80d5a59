package protocol

import "fmt"

// Method selects how captured audio becomes a command.
type Method string

const (
	// MethodDirect ships the audio to the model as an inline part.
	MethodDirect Method = "direct"
	// MethodWhisper transcribes with the Whisper API first.
	MethodWhisper Method = "whisper"
	// MethodGeminiSTT asks a Gemini model for a verbatim transcript first.
	MethodGeminiSTT Method = "gemini-stt"
)

var methodAliases = map[string]Method{
	"direct":       MethodDirect,
	"gemini":       MethodDirect,
	"whisper":      MethodWhisper,
	"transcribe-A": MethodWhisper,
	"gemini-stt":   MethodGeminiSTT,
	"google_stt":   MethodGeminiSTT,
	"transcribe-B": MethodGeminiSTT,
}

// ParseMethod resolves a method name, accepting the legacy aliases.
func ParseMethod(s string) (Method, error) {
	if m, ok := methodAliases[s]; ok {
		return m, nil
	}
	return "", Fail(KindConfiguration, fmt.Sprintf("unknown audio method %q", s))
}

// Transcribes reports whether the method converts audio to text before
// generation.
func (m Method) Transcribes() bool {
	return m == MethodWhisper || m == MethodGeminiSTT
}
