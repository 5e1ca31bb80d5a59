package modelloader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ManveerAnand/articulate3D/pkg/genx"
	"github.com/ManveerAnand/articulate3D/pkg/protocol"
	"github.com/ManveerAnand/articulate3D/pkg/transcribe"
)

func newLoader() *Loader {
	return &Loader{Generators: genx.NewMux(), Transcribers: transcribe.NewMux()}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("TEST_API_KEY", "test-key-123")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"plain value", "plain-api-key", "plain-api-key"},
		{"env var", "$TEST_API_KEY", "test-key-123"},
		{"braced env var", "${TEST_API_KEY}", "test-key-123"},
		{"unset env var", "$ARTICULATE_UNSET_VAR", ""},
		{"embedded reference", "prefix-$TEST_API_KEY", "prefix-$TEST_API_KEY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := expandEnv(tt.input); got != tt.want {
				t.Errorf("expandEnv(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestRegisterOpenAI(t *testing.T) {
	l := newLoader()
	names, err := l.Register(context.Background(), Provider{
		Kind:       "openai",
		APIKey:     "sk-test",
		BaseURL:    "http://127.0.0.1:1/v1",
		Models:     []Entry{{Name: "gpt-*"}, {Name: "local", Model: "llama3"}},
		Transcribe: &TranscribeEntry{Method: "transcribe-A"},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("names = %v", names)
	}
	for _, m := range []string{"gpt-4o", "local"} {
		if !l.Generators.Has(m) {
			t.Errorf("no generator for %s", m)
		}
	}
	if !l.Transcribers.Has(protocol.MethodWhisper) {
		t.Error("whisper not registered")
	}
}

func TestRegisterGemini(t *testing.T) {
	l := newLoader()
	_, err := l.Register(context.Background(), Provider{
		Kind:       "gemini",
		APIKey:     "test-key",
		Models:     []Entry{{Name: "gemini-*", SupportJSONOutput: true}},
		Transcribe: &TranscribeEntry{Method: protocol.MethodGeminiSTT},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !l.Generators.Has("gemini-1.5-flash") {
		t.Error("gemini-1.5-flash not served")
	}
	if !l.Transcribers.Has(protocol.MethodGeminiSTT) {
		t.Error("gemini-stt not registered")
	}
}

func TestRegisterErrors(t *testing.T) {
	l := newLoader()
	ctx := context.Background()
	if _, err := l.Register(ctx, Provider{Kind: "openai", APIKey: "$ARTICULATE_UNSET_VAR"}); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("missing key: err = %v", err)
	}
	if _, err := l.Register(ctx, Provider{Kind: "anthropic", APIKey: "k"}); err == nil {
		t.Error("unknown kind accepted")
	}
	if _, err := l.Register(ctx, Provider{Kind: "openai", APIKey: "k", Models: []Entry{{}}}); err == nil {
		t.Error("entry without name accepted")
	}
	if _, err := l.Register(ctx, Provider{Kind: "openai", APIKey: "k", Transcribe: &TranscribeEntry{Method: protocol.MethodDirect}}); err == nil {
		t.Error("direct accepted as transcription method")
	}
}

func TestRegisterAllSkipsMissingCredentials(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	l := newLoader()
	names, err := l.RegisterAll(context.Background(), Defaults())
	if err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	if len(names) != 1 || names[0] != "gpt-*" {
		t.Fatalf("names = %v, want only gpt-*", names)
	}
	if l.Generators.Has("gemini-1.5-flash") {
		t.Error("gemini registered without a key")
	}
}

func TestLoadFromDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TEST_OPENAI_KEY", "sk-test")
	yamlConfig := "kind: openai\napi_key: $TEST_OPENAI_KEY\nmodels:\n  - name: gpt-4o\n    params:\n      temperature: 0.1\n"
	jsonConfig := `{"kind": "gemini", "api_key": "$ARTICULATE_UNSET_VAR", "models": [{"name": "gemini-*"}]}`
	if err := os.WriteFile(filepath.Join(dir, "openai.yaml"), []byte(yamlConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "gemini.json"), []byte(jsonConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := newLoader()
	names, err := l.LoadFromDir(context.Background(), dir)
	if err != nil {
		t.Fatalf("LoadFromDir: %v", err)
	}
	if len(names) != 1 || names[0] != "gpt-4o" {
		t.Fatalf("names = %v", names)
	}
}

func TestLoadFromDirBadFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("models: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := newLoader().LoadFromDir(context.Background(), dir); err == nil {
		t.Fatal("malformed config accepted")
	}
}
