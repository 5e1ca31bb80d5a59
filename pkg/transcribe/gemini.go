package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/genai"
)

var _ Transcriber = (*Gemini)(nil)

const (
	geminiNoSpeech = "NO_SPEECH"

	geminiPrompt = "Transcribe the spoken command in this audio verbatim. " +
		"Answer with the transcript only. If there is no speech, answer with exactly " + geminiNoSpeech + "."
)

// Gemini asks a Gemini model for a verbatim transcript.
type Gemini struct {
	Client *genai.Client

	// Model defaults to gemini-1.5-flash.
	Model string
}

func (g *Gemini) Transcribe(ctx context.Context, wav []byte) (string, error) {
	if len(wav) == 0 {
		return "", ErrNoSpeech
	}
	model := g.Model
	if model == "" {
		model = "gemini-1.5-flash"
	}
	var temperature float32
	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			genai.NewPartFromText(geminiPrompt),
			genai.NewPartFromBytes(wav, "audio/wav"),
		},
	}}
	resp, err := g.Client.Models.GenerateContent(ctx, model, contents, &genai.GenerateContentConfig{
		Temperature: &temperature,
	})
	if err != nil {
		var e *apierror.APIError
		if errors.As(err, &e) {
			err = e.Unwrap()
		}
		return "", fmt.Errorf("gemini transcribe: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrNoSpeech
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" || text == geminiNoSpeech {
		return "", ErrNoSpeech
	}
	return text, nil
}
