// Package genx turns a model context into a single reply from a generative
// model. The worker uses it to synthesize host scripts from commands.
package genx

import (
	"context"
	"iter"
)

type ModelParams struct {
	MaxTokens   int     `json:"max_tokens,omitzero" yaml:"max_tokens,omitempty"`
	Temperature float32 `json:"temperature,omitzero" yaml:"temperature,omitempty"`
	TopP        float32 `json:"top_p,omitzero" yaml:"top_p,omitempty"`
	TopK        float32 `json:"top_k,omitzero" yaml:"top_k,omitempty"`
}

// ScriptParams are the sampling parameters used for script synthesis.
var ScriptParams = ModelParams{
	MaxTokens:   8096,
	Temperature: 0.2,
	TopP:        0.8,
	TopK:        40,
}

type Prompt struct {
	Name string
	Text string
}

type ModelContext interface {
	Prompts() iter.Seq[*Prompt]
	Messages() iter.Seq[*Message]

	Params() *ModelParams
}

// Generator produces one reply for a model context.
type Generator interface {
	Generate(ctx context.Context, model string, mctx ModelContext) (*Reply, error)
}

// Reply is the text a model returned.
type Reply struct {
	Text  string
	Usage Usage
}

type Usage struct {
	PromptTokenCount    int64
	GeneratedTokenCount int64
}
