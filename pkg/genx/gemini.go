package genx

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/genai"
)

var _ Generator = (*GeminiGenerator)(nil)

// GeminiGenerator implements Generator using Google Gemini API.
type GeminiGenerator struct {
	Client *genai.Client `json:"-"`

	Params *ModelParams `json:"params,omitzero"`

	// Model overrides the requested model name. It should not start with
	// "models/".
	Model string `json:"model,omitzero"`

	// JSONOutput requests a ScriptReply object instead of plain text.
	JSONOutput bool `json:"json_output,omitzero"`
}

func (g *GeminiGenerator) Generate(ctx context.Context, model string, mctx ModelContext) (*Reply, error) {
	cfg, contents, err := g.convModelContext(mctx)
	if err != nil {
		return nil, err
	}
	if g.JSONOutput {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = geminiConvSchema(ScriptSchema)
	}
	if g.Model != "" {
		model = g.Model
	}
	resp, err := g.Client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		var e *apierror.APIError
		if errors.As(err, &e) {
			err = e.Unwrap()
		}
		return nil, Error(Usage{}, err)
	}
	usage := geminiConvUsage(resp.UsageMetadata)
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" {
		return nil, Blocked(usage, fmt.Sprintf("%s %s", fb.BlockReason, fb.BlockReasonMessage))
	}
	if len(resp.Candidates) == 0 {
		return nil, Blocked(usage, "no candidates")
	}
	t := resp.Candidates[0]
	switch t.FinishReason {
	case genai.FinishReasonStop, genai.FinishReasonUnspecified, "":
	case genai.FinishReasonMaxTokens:
		return nil, Truncated(usage)
	case genai.FinishReasonSafety:
		var cats []string
		for _, sr := range t.SafetyRatings {
			if sr.Blocked {
				cats = append(cats, string(sr.Category))
			}
		}
		return nil, Blocked(usage, "blocked by "+strings.Join(cats, ", "))
	default:
		return nil, Blocked(usage, fmt.Sprintf("finish reason %s", t.FinishReason))
	}
	var sb strings.Builder
	if t.Content != nil {
		for _, p := range t.Content.Parts {
			if p.Text != "" && !p.Thought {
				sb.WriteString(p.Text)
			}
		}
	}
	return &Reply{Text: sb.String(), Usage: usage}, nil
}

func geminiConvMessage(last *genai.Content, msg *Message) (*genai.Content, error) {
	contents, ok := msg.Payload.(Contents)
	if !ok {
		return nil, fmt.Errorf("unexpected message type: %T", msg.Payload)
	}
	var role string
	switch msg.Role {
	case RoleUser:
		role = "user"
	case RoleModel:
		role = "model"
	default:
		return nil, fmt.Errorf("unexpected role: %s", msg.Role)
	}
	var parts []*genai.Part
	for _, c := range contents {
		switch v := c.(type) {
		case Text:
			parts = append(parts, genai.NewPartFromText(string(v)))
		case *Blob:
			parts = append(parts, genai.NewPartFromBytes(v.Data, v.MIMEType))
		}
	}
	if last == nil || last.Role != role {
		return &genai.Content{
			Role:  role,
			Parts: parts,
		}, nil
	}
	last.Parts = append(last.Parts, parts...)
	return nil, nil
}

func (g *GeminiGenerator) convModelContext(mctx ModelContext) (*genai.GenerateContentConfig, []*genai.Content, error) {
	cfg := genai.GenerateContentConfig{
		SafetySettings: []*genai.SafetySetting{
			{
				Category:  genai.HarmCategoryHarassment,
				Threshold: genai.HarmBlockThresholdBlockMediumAndAbove,
			},
			{
				Category:  genai.HarmCategoryHateSpeech,
				Threshold: genai.HarmBlockThresholdBlockMediumAndAbove,
			},
			{
				Category:  genai.HarmCategorySexuallyExplicit,
				Threshold: genai.HarmBlockThresholdBlockMediumAndAbove,
			},
			{
				Category:  genai.HarmCategoryDangerousContent,
				Threshold: genai.HarmBlockThresholdBlockMediumAndAbove,
			},
		},
	}
	prompts := []*genai.Part{}
	for p := range mctx.Prompts() {
		prompts = append(prompts, genai.NewPartFromText(p.Text))
	}
	if len(prompts) > 0 {
		cfg.SystemInstruction = &genai.Content{Parts: prompts}
	}
	mp := g.Params
	if p := mctx.Params(); p != nil {
		mp = p
	}
	if mp != nil {
		cfg.MaxOutputTokens = int32(mp.MaxTokens)
		cfg.Temperature = &mp.Temperature
		cfg.TopP = &mp.TopP
		cfg.TopK = &mp.TopK
	}

	var (
		contents []*genai.Content
		last     *genai.Content
	)
	for msg := range mctx.Messages() {
		next, err := geminiConvMessage(last, msg)
		if err != nil {
			return nil, nil, err
		}
		if next != nil {
			contents = append(contents, next)
			last = next
		}
	}
	if len(contents) == 0 {
		return nil, nil, fmt.Errorf("no contents")
	}
	return &cfg, contents, nil
}

func geminiConvSchema(schema *jsonschema.Schema) *genai.Schema {
	if schema == nil {
		return nil
	}
	gs := genai.Schema{
		Format:      schema.Format,
		Description: schema.Description,
		Items:       geminiConvSchema(schema.Items),
		Required:    schema.Required,
	}
	if n := len(schema.Properties); n > 0 {
		gs.Properties = make(map[string]*genai.Schema, n)
		for k, prop := range schema.Properties {
			gs.Properties[k] = geminiConvSchema(prop)
		}
	}
	switch schema.Type {
	case "object":
		gs.Type = genai.TypeObject
	case "array":
		gs.Type = genai.TypeArray
	case "string":
		gs.Type = genai.TypeString
	case "number":
		gs.Type = genai.TypeNumber
	case "integer":
		gs.Type = genai.TypeInteger
	case "boolean":
		gs.Type = genai.TypeBoolean
	}
	return &gs
}

func geminiConvUsage(usage *genai.GenerateContentResponseUsageMetadata) Usage {
	if usage == nil {
		return Usage{}
	}
	return Usage{
		PromptTokenCount:    int64(usage.PromptTokenCount),
		GeneratedTokenCount: int64(usage.CandidatesTokenCount),
	}
}
