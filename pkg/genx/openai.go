package genx

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
)

var _ Generator = (*OpenAIGenerator)(nil)

const (
	oaiFinishReasonStop          string = "stop"
	oaiFinishReasonLength        string = "length"
	oaiFinishReasonContentFilter string = "content_filter"
)

// OpenAIGenerator implements Generator using OpenAI API or a compatible
// endpoint.
type OpenAIGenerator struct {
	Client *openai.Client `json:"-"`

	// Model overrides the requested model name.
	Model string `json:"model,omitzero"`

	Params *ModelParams `json:"params,omitzero"`

	SupportJSONOutput bool `json:"support_json_output,omitzero"`
	SupportTextOnly   bool `json:"support_text_only,omitzero"`
	UseSystemRole     bool `json:"use_system_role,omitzero"`
}

func (g *OpenAIGenerator) Generate(ctx context.Context, model string, mctx ModelContext) (*Reply, error) {
	if g.Model != "" {
		model = g.Model
	}
	params, err := g.chatCompletion(model, mctx)
	if err != nil {
		return nil, err
	}
	if g.SupportJSONOutput {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        "script_reply",
					Description: param.NewOpt("A generated Blender script or the reason none was produced."),
					Schema:      FormatOpenAISchema(ScriptSchema.CloneSchemas()),
					Strict:      param.NewOpt(true),
				},
			},
		}
	}
	resp, err := g.Client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, Error(Usage{}, err)
	}
	usage := oaiConvUsage(&resp.Usage)
	if len(resp.Choices) == 0 {
		return nil, Blocked(usage, "no choices")
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return nil, Blocked(usage, choice.Message.Refusal)
	}
	switch choice.FinishReason {
	case oaiFinishReasonStop, "":
	case oaiFinishReasonLength:
		return nil, Truncated(usage)
	case oaiFinishReasonContentFilter:
		return nil, Blocked(usage, "content filter")
	default:
		return nil, Blocked(usage, "unexpected finish reason: "+choice.FinishReason)
	}
	return &Reply{Text: choice.Message.Content, Usage: usage}, nil
}

func (g *OpenAIGenerator) chatCompletion(model string, mctx ModelContext) (openai.ChatCompletionNewParams, error) {
	msgs, err := g.convModelContext(mctx)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}
	params := openai.ChatCompletionNewParams{
		Messages: msgs,
		Model:    model,
	}
	mp := g.Params
	if p := mctx.Params(); p != nil {
		mp = p
	}
	if mp != nil {
		if mp.MaxTokens > 0 {
			params.MaxCompletionTokens = param.NewOpt(int64(mp.MaxTokens))
		}
		if mp.Temperature > 0 {
			params.Temperature = param.NewOpt(float64(mp.Temperature))
		}
		if mp.TopP > 0 {
			params.TopP = param.NewOpt(float64(mp.TopP))
		}
	}
	return params, nil
}

func (g *OpenAIGenerator) convModelContext(mctx ModelContext) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := []openai.ChatCompletionMessageParamUnion{}
	for p := range mctx.Prompts() {
		out = append(out, g.convPrompt(p))
	}
	for msg := range mctx.Messages() {
		if _, ok := msg.Payload.(Contents); !ok {
			return nil, fmt.Errorf("unexpected message type: %T", msg.Payload)
		}
		var (
			mp  openai.ChatCompletionMessageParamUnion
			err error
		)
		switch msg.Role {
		case RoleUser:
			mp, err = g.convUserMessage(msg)
		case RoleModel:
			mp, err = g.convModelMessage(msg)
		default:
			err = fmt.Errorf("unexpected content message role: %s", msg.Role)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, mp)
	}
	return out, nil
}

func (g *OpenAIGenerator) convPrompt(p *Prompt) openai.ChatCompletionMessageParamUnion {
	if g.UseSystemRole {
		return openai.ChatCompletionMessageParamUnion{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: param.NewOpt(p.Text),
				},
			},
		}
	}
	return openai.ChatCompletionMessageParamUnion{
		OfDeveloper: &openai.ChatCompletionDeveloperMessageParam{
			Content: openai.ChatCompletionDeveloperMessageParamContentUnion{
				OfString: param.NewOpt(p.Text),
			},
		},
	}
}

func (g *OpenAIGenerator) convModelMessage(msg *Message) (openai.ChatCompletionMessageParamUnion, error) {
	var text bytes.Buffer
	for _, c := range msg.Payload.(Contents) {
		switch v := c.(type) {
		case Text:
			text.WriteString(string(v))
		case *Blob:
			return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("model message must contain text only")
		}
	}
	if text.Len() == 0 {
		return openai.ChatCompletionMessageParamUnion{}, errors.New("model message must contain text")
	}
	return openai.ChatCompletionMessageParamUnion{
		OfAssistant: &openai.ChatCompletionAssistantMessageParam{
			Content: openai.ChatCompletionAssistantMessageParamContentUnion{
				OfString: param.NewOpt(text.String()),
			},
		},
	}, nil
}

func (g *OpenAIGenerator) convUserMessage(msg *Message) (openai.ChatCompletionMessageParamUnion, error) {
	var (
		mp3  bytes.Buffer
		wav  bytes.Buffer
		text bytes.Buffer
	)
	for _, c := range msg.Payload.(Contents) {
		switch v := c.(type) {
		case Text:
			if text.Len() > 0 {
				text.WriteByte('\n')
			}
			text.WriteString(string(v))
		case *Blob:
			if g.SupportTextOnly {
				return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("model %v supports text messages only", g.Model)
			}
			switch v.MIMEType {
			case "audio/mp3", "audio/mpeg":
				mp3.Write(v.Data)
			case "audio/wav", "audio/x-wav":
				wav.Write(v.Data)
			default:
				return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unsupported blob type: %s", v.MIMEType)
			}
		}
	}

	if mp3.Len() == 0 && wav.Len() == 0 {
		if text.Len() == 0 {
			return openai.ChatCompletionMessageParamUnion{}, errors.New("user message must contain text")
		}
		return openai.UserMessage(text.String()), nil
	}

	var contents []openai.ChatCompletionContentPartUnionParam
	if text.Len() > 0 {
		contents = append(contents, openai.TextContentPart(text.String()))
	}
	if mp3.Len() > 0 {
		contents = append(contents, openai.InputAudioContentPart(openai.ChatCompletionContentPartInputAudioInputAudioParam{
			Data:   base64.StdEncoding.EncodeToString(mp3.Bytes()),
			Format: "mp3",
		}))
	}
	if wav.Len() > 0 {
		contents = append(contents, openai.InputAudioContentPart(openai.ChatCompletionContentPartInputAudioInputAudioParam{
			Data:   base64.StdEncoding.EncodeToString(wav.Bytes()),
			Format: "wav",
		}))
	}
	return openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{
				OfArrayOfContentParts: contents,
			},
		},
	}, nil
}

// FormatOpenAISchema formats a schema for OpenAI structured outputs:
// objects get additionalProperties false and every property becomes
// required, with optional ones made nullable.
func FormatOpenAISchema(m *jsonschema.Schema) *jsonschema.Schema {
	if m == nil {
		return nil
	}
	if m.Type != "" && len(m.Types) > 0 {
		m.Types = append(m.Types, m.Type)
		m.Type = ""
	}
	typ := m.Type
	if typ == "" {
		for _, t := range m.Types {
			if t != "null" && t != "" {
				typ = t
				break
			}
		}
	}
	switch typ {
	case "array":
		m.Items = FormatOpenAISchema(m.Items)
	case "object":
		m.AdditionalProperties = &jsonschema.Schema{Not: &jsonschema.Schema{}}
		requires := make(map[string]struct{})
		for _, v := range m.Required {
			requires[v] = struct{}{}
		}
		for k, v := range m.Properties {
			if _, ok := requires[k]; !ok {
				requires[k] = struct{}{}
				if v.Type != "" {
					v.Types = []string{v.Type}
					v.Type = ""
				}
				if !slices.Contains(v.Types, "null") {
					v.Types = append(v.Types, "null")
				}
			}
			m.Properties[k] = FormatOpenAISchema(v)
		}
		m.Required = slices.Sorted(maps.Keys(requires))
	}
	return m
}

func oaiConvUsage(usage *openai.CompletionUsage) Usage {
	return Usage{
		PromptTokenCount:    usage.PromptTokens,
		GeneratedTokenCount: usage.CompletionTokens,
	}
}
