package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
)

var _ Transcriber = (*Whisper)(nil)

// Whisper transcribes with the OpenAI audio transcription API.
type Whisper struct {
	Client *openai.Client

	// Model defaults to whisper-1.
	Model string

	// Language is an optional ISO-639-1 hint.
	Language string
}

func (w *Whisper) Transcribe(ctx context.Context, wav []byte) (string, error) {
	if len(wav) == 0 {
		return "", ErrNoSpeech
	}
	model := w.Model
	if model == "" {
		model = string(openai.AudioModelWhisper1)
	}
	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(wav), "command.wav", "audio/wav"),
		Model: openai.AudioModel(model),
	}
	if w.Language != "" {
		params.Language = param.NewOpt(w.Language)
	}
	resp, err := w.Client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", ErrNoSpeech
	}
	return text, nil
}
