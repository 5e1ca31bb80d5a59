package commands

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ManveerAnand/articulate3D/cmd/articulate/internal/config"
	"github.com/ManveerAnand/articulate3D/pkg/archive"
	"github.com/ManveerAnand/articulate3D/pkg/genx"
	"github.com/ManveerAnand/articulate3D/pkg/history"
	"github.com/ManveerAnand/articulate3D/pkg/worker"
)

func runCmd(t *testing.T, args ...string) (stdout string, err error) {
	t.Helper()
	verbose = false
	logFile = ""
	configFile = ""

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err = rootCmd.Execute()
	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	return out.String(), err
}

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVersion(t *testing.T) {
	stdout, err := runCmd(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(stdout, "articulate") {
		t.Fatalf("expected 'articulate', got: %s", stdout)
	}
}

func TestVersionJSON(t *testing.T) {
	stdout, err := runCmd(t, "version", "--format", "json")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(stdout, `"version"`) {
		t.Fatalf("expected JSON, got: %s", stdout)
	}
}

func TestConfigCommand(t *testing.T) {
	path := writeConfig(t, "listen: 127.0.0.1:7100\nworker:\n  model: gpt-4o\n")
	stdout, err := runCmd(t, "--config", path, "config")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	for _, want := range []string{"listen: 127.0.0.1:7100", "model: gpt-4o", "api_key_env: GEMINI_API_KEY"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("output misses %q:\n%s", want, stdout)
		}
	}
}

func TestConfigCommandBadFile(t *testing.T) {
	path := writeConfig(t, "worker:\n  method: telepathy\n")
	if _, err := runCmd(t, "--config", path, "config"); err == nil {
		t.Fatal("invalid config accepted")
	}
}

func TestNewWorkerWithoutCredentials(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	cfg, err := config.Parse([]byte("{}"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = newWorker(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil || !strings.Contains(err.Error(), "no models available") {
		t.Fatalf("newWorker = %v", err)
	}
}

func TestNewWorkerFromConfig(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("TEST_OPENAI_KEY", "sk-test")
	dir := t.TempDir()
	cfg, err := config.Parse([]byte(`
worker:
  model: gpt-4o
  method: whisper
  retry_budget: 2
  scene_filter: '{mode}'
  history:
    backend: badger
    dir: ` + filepath.Join(dir, "history") + `
  archive:
    backend: local
    dir: ` + filepath.Join(dir, "audio") + `
providers:
  openai:
    api_key_env: TEST_OPENAI_KEY
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	srv, err := newWorker(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("newWorker: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "history")); err != nil {
		t.Errorf("badger dir not created: %v", err)
	}
}

func TestProviders(t *testing.T) {
	cfg, err := config.Parse([]byte("providers:\n  openai:\n    api_key_env: MY_KEY\n    base_url: http://127.0.0.1:8080/v1\n"))
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range providers(cfg) {
		switch p.Kind {
		case "openai":
			if p.APIKey != "$MY_KEY" || p.BaseURL != "http://127.0.0.1:8080/v1" {
				t.Errorf("openai = %+v", p)
			}
		case "gemini":
			if p.APIKey != "$GEMINI_API_KEY" {
				t.Errorf("gemini = %+v", p)
			}
		}
	}
}

func TestOpenStores(t *testing.T) {
	a, err := openArchive(config.Archive{})
	if err != nil || a != nil {
		t.Errorf("no backend = %v, %v", a, err)
	}
	a, err = openArchive(config.Archive{Backend: "local", Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := a.(*archive.Local); !ok {
		t.Errorf("local backend = %T", a)
	}
	a, err = openArchive(config.Archive{Backend: "s3", Bucket: "voice", Region: "us-east-1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := a.(*archive.S3Store); !ok {
		t.Errorf("s3 backend = %T", a)
	}
	if _, err := openArchive(config.Archive{Backend: "ftp"}); err == nil {
		t.Error("unknown archive backend accepted")
	}

	h, err := openHistory(config.History{}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := h.(*history.Memory); !ok {
		t.Errorf("default history = %T", h)
	}
	if _, err := openHistory(config.History{Backend: "redis"}, slog.Default()); err == nil {
		t.Error("unknown history backend accepted")
	}
}

type cubeGen struct {
	mu    sync.Mutex
	calls int
}

func (g *cubeGen) Generate(context.Context, string, genx.ModelContext) (*genx.Reply, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return &genx.Reply{Text: "import bpy\nbpy.ops.mesh.primitive_cube_add()"}, nil
}

func TestRunControllerEndToEnd(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	gens := genx.NewMux()
	gen := &cubeGen{}
	gens.Handle("gemini-*", gen)
	srv, err := worker.NewServer(worker.Config{Generators: gens, Logger: log})
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(ln)
	defer srv.Close()

	cfg, err := config.Parse([]byte("controller:\n  addr: " + ln.Addr().String() + "\n  drain_interval: 10ms\n"))
	if err != nil {
		t.Fatal(err)
	}
	oldLinger := controllerFlags.linger
	controllerFlags.linger = 500 * time.Millisecond
	defer func() { controllerFlags.linger = oldLinger }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out bytes.Buffer
	in := strings.NewReader("# comment\n\nadd a cube\n")
	if err := runController(ctx, cfg, in, &out, log); err != nil {
		t.Fatalf("runController: %v", err)
	}

	got := out.String()
	for _, want := range []string{"primitive_cube_add", "done"} {
		if !strings.Contains(got, want) {
			t.Errorf("output misses %q:\n%s", want, got)
		}
	}
	gen.mu.Lock()
	defer gen.mu.Unlock()
	if gen.calls != 1 {
		t.Errorf("generator called %d times", gen.calls)
	}
}

func TestRunControllerNoWorker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cfg, err := config.Parse([]byte("controller:\n  addr: " + addr + "\n"))
	if err != nil {
		t.Fatal(err)
	}
	err = runController(context.Background(), cfg, strings.NewReader(""), io.Discard, slog.Default())
	if err == nil {
		t.Fatal("runController succeeded without a worker")
	}
}
