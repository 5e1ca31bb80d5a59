// Package modelloader builds generators and transcribers from provider
// configs and registers them on the worker's muxes.
//
// A provider config names the API family, its credentials and the model
// patterns it serves:
//
//	kind: gemini
//	api_key: $GEMINI_API_KEY
//	models:
//	  - name: gemini-*
//	transcribe:
//	  method: gemini-stt
//	  model: gemini-1.5-flash
package modelloader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"google.golang.org/genai"

	"github.com/ManveerAnand/articulate3D/pkg/genx"
	"github.com/ManveerAnand/articulate3D/pkg/protocol"
	"github.com/ManveerAnand/articulate3D/pkg/transcribe"
)

// ErrNoCredentials is returned for a provider whose api_key is empty
// after environment expansion. LoadFromDir skips such providers.
var ErrNoCredentials = errors.New("modelloader: api_key is required")

// Verbose logs every OpenAI request body at debug level.
var Verbose bool

type verboseTransport struct {
	base http.RoundTripper
}

func (t *verboseTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil && !strings.HasPrefix(req.Header.Get("Content-Type"), "multipart/") {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, body, "", "  "); err == nil {
			body = pretty.Bytes()
		}
		slog.Debug("model request", "url", req.URL.String(), "body", string(body))
	}
	return t.base.RoundTrip(req)
}

// Provider is one API account.
type Provider struct {
	// Kind is "gemini" or "openai".
	Kind string `json:"kind" yaml:"kind"`

	// APIKey may reference an environment variable, e.g. "$OPENAI_API_KEY".
	APIKey  string `json:"api_key,omitzero" yaml:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitzero" yaml:"base_url,omitempty"`

	Models []Entry `json:"models,omitzero" yaml:"models,omitempty"`

	// Transcribe optionally backs a transcribing method with this account.
	Transcribe *TranscribeEntry `json:"transcribe,omitzero" yaml:"transcribe,omitempty"`
}

// Entry registers a generator for a model pattern.
type Entry struct {
	// Name is the pattern controllers select, an exact model name or a
	// prefix ending in "*".
	Name string `json:"name" yaml:"name"`

	// Model replaces the requested name when calling the API. Empty passes
	// the requested name through.
	Model string `json:"model,omitzero" yaml:"model,omitempty"`

	Params *genx.ModelParams `json:"params,omitzero" yaml:"params,omitempty"`

	SupportJSONOutput bool `json:"support_json_output,omitzero" yaml:"support_json_output,omitempty"`
	SupportTextOnly   bool `json:"support_text_only,omitzero" yaml:"support_text_only,omitempty"`
	UseSystemRole     bool `json:"use_system_role,omitzero" yaml:"use_system_role,omitempty"`
}

// TranscribeEntry configures a transcriber.
type TranscribeEntry struct {
	Method   protocol.Method `json:"method" yaml:"method"`
	Model    string          `json:"model,omitzero" yaml:"model,omitempty"`
	Language string          `json:"language,omitzero" yaml:"language,omitempty"`
}

// Defaults returns the providers used when no model directory is
// configured: Gemini for "gemini-*" and gemini-stt, OpenAI for "gpt-*" and
// whisper, keyed by GEMINI_API_KEY and OPENAI_API_KEY.
func Defaults() []Provider {
	return []Provider{
		{
			Kind:       "gemini",
			APIKey:     "$GEMINI_API_KEY",
			Models:     []Entry{{Name: "gemini-*"}},
			Transcribe: &TranscribeEntry{Method: protocol.MethodGeminiSTT},
		},
		{
			Kind:       "openai",
			APIKey:     "$OPENAI_API_KEY",
			Models:     []Entry{{Name: "gpt-*", UseSystemRole: true}},
			Transcribe: &TranscribeEntry{Method: protocol.MethodWhisper},
		},
	}
}

// Loader registers providers on a pair of muxes.
type Loader struct {
	Generators   *genx.Mux
	Transcribers *transcribe.Mux
}

// RegisterAll registers every provider that has credentials and returns
// the registered model patterns. Providers without credentials are skipped
// with a log line.
func (l *Loader) RegisterAll(ctx context.Context, providers []Provider) ([]string, error) {
	var names []string
	for _, p := range providers {
		got, err := l.Register(ctx, p)
		if errors.Is(err, ErrNoCredentials) {
			slog.Info("skipping provider without credentials", "kind", p.Kind, "api_key", p.APIKey)
			continue
		}
		if err != nil {
			return nil, err
		}
		names = append(names, got...)
	}
	return names, nil
}

// LoadFromDir parses every .json/.yaml/.yml file under dir as a Provider
// and registers it.
func (l *Loader) LoadFromDir(ctx context.Context, dir string) ([]string, error) {
	var providers []Provider
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			return nil
		}
		p, err := parseProvider(path)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		providers = append(providers, *p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l.RegisterAll(ctx, providers)
}

func parseProvider(path string) (*Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Provider
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		err = json.Unmarshal(data, &p)
	} else {
		err = yaml.Unmarshal(data, &p)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Register builds the clients of one provider and registers its models
// and transcriber.
func (l *Loader) Register(ctx context.Context, p Provider) ([]string, error) {
	p.APIKey = expandEnv(p.APIKey)
	if p.APIKey == "" {
		return nil, fmt.Errorf("%w for %s", ErrNoCredentials, p.Kind)
	}
	switch strings.ToLower(p.Kind) {
	case "openai":
		return l.registerOpenAI(p)
	case "gemini":
		return l.registerGemini(ctx, p)
	default:
		return nil, fmt.Errorf("modelloader: unknown kind %q", p.Kind)
	}
}

func (l *Loader) registerOpenAI(p Provider) ([]string, error) {
	opts := []option.RequestOption{option.WithAPIKey(p.APIKey)}
	if p.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(p.BaseURL))
	}
	if Verbose {
		opts = append(opts, option.WithHTTPClient(&http.Client{
			Transport: &verboseTransport{base: http.DefaultTransport},
		}))
	}
	client := openai.NewClient(opts...)

	var names []string
	for _, m := range p.Models {
		if m.Name == "" {
			return nil, fmt.Errorf("modelloader: openai model entry missing name")
		}
		if err := l.Generators.Handle(m.Name, &genx.OpenAIGenerator{
			Client:            &client,
			Model:             m.Model,
			Params:            m.Params,
			SupportJSONOutput: m.SupportJSONOutput,
			SupportTextOnly:   m.SupportTextOnly,
			UseSystemRole:     m.UseSystemRole,
		}); err != nil {
			return nil, fmt.Errorf("register generator %q: %w", m.Name, err)
		}
		names = append(names, m.Name)
	}
	if t := p.Transcribe; t != nil {
		if err := l.handleTranscriber(t.Method, &transcribe.Whisper{
			Client:   &client,
			Model:    t.Model,
			Language: t.Language,
		}); err != nil {
			return nil, err
		}
	}
	return names, nil
}

func (l *Loader) registerGemini(ctx context.Context, p Provider) ([]string, error) {
	cc := &genai.ClientConfig{APIKey: p.APIKey, Backend: genai.BackendGeminiAPI}
	if p.BaseURL != "" {
		cc.HTTPOptions.BaseURL = p.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("modelloader: gemini client: %w", err)
	}

	var names []string
	for _, m := range p.Models {
		if m.Name == "" {
			return nil, fmt.Errorf("modelloader: gemini model entry missing name")
		}
		if err := l.Generators.Handle(m.Name, &genx.GeminiGenerator{
			Client:     client,
			Model:      m.Model,
			Params:     m.Params,
			JSONOutput: m.SupportJSONOutput,
		}); err != nil {
			return nil, fmt.Errorf("register generator %q: %w", m.Name, err)
		}
		names = append(names, m.Name)
	}
	if t := p.Transcribe; t != nil {
		if err := l.handleTranscriber(t.Method, &transcribe.Gemini{
			Client: client,
			Model:  t.Model,
		}); err != nil {
			return nil, err
		}
	}
	return names, nil
}

func (l *Loader) handleTranscriber(method protocol.Method, t transcribe.Transcriber) error {
	if l.Transcribers == nil {
		return nil
	}
	m, err := protocol.ParseMethod(string(method))
	if err != nil {
		return err
	}
	return l.Transcribers.Handle(m, t)
}

// expandEnv expands values that start with "$"; anything else is taken
// literally.
func expandEnv(s string) string {
	if strings.HasPrefix(s, "$") {
		return os.ExpandEnv(s)
	}
	return s
}
