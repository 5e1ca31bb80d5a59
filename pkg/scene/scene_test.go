package scene

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-yaml"

	"github.com/ManveerAnand/articulate3D/pkg/protocol"
)

var blenderScene = protocol.Context{
	"scene_name":       "Scene",
	"mode":             "OBJECT",
	"active_object":    "Cube",
	"selected_objects": []any{"Cube"},
	"scene_objects":    []any{"Cube", "Camera", "Light"},
	"frame_current":    1,
}

func TestRenderPassThrough(t *testing.T) {
	out, err := Render(context.Background(), blenderScene, nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for _, want := range []string{"scene_name: Scene", "active_object: Cube", "frame_current: 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderDefaultFilter(t *testing.T) {
	f, err := ParseFilter(DefaultFilter)
	if err != nil {
		t.Fatalf("ParseFilter: %v", err)
	}
	out, err := Render(context.Background(), blenderScene, f)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(out, "frame_current") {
		t.Errorf("filter kept frame_current:\n%s", out)
	}
	if !strings.Contains(out, "- Camera") {
		t.Errorf("filter dropped scene_objects:\n%s", out)
	}

	out, err = Render(context.Background(), protocol.Context{"mode": "EDIT"}, f)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.TrimSpace(out) != "mode: EDIT" {
		t.Errorf("sparse context = %q", out)
	}
}

func TestRenderEmpty(t *testing.T) {
	out, err := Render(context.Background(), nil, nil)
	if err != nil || out != "" {
		t.Errorf("Render(nil) = %q, %v", out, err)
	}
}

func TestFilterErrors(t *testing.T) {
	if _, err := ParseFilter("{"); err == nil {
		t.Error("expected parse error")
	}
	f, err := ParseFilter(`error("nope")`)
	if err != nil {
		t.Fatalf("ParseFilter: %v", err)
	}
	if _, err := f.Apply(context.Background(), blenderScene); err == nil {
		t.Error("expected runtime error")
	}
}

func TestFilterMultipleOutputs(t *testing.T) {
	f, _ := ParseFilter(".scene_objects[]")
	v, err := f.Apply(context.Background(), blenderScene)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if list, ok := v.([]any); !ok || len(list) != 3 {
		t.Errorf("Apply = %#v", v)
	}
}

func TestFilterFromYAML(t *testing.T) {
	var cfg struct {
		Filter Filter `yaml:"scene_filter"`
	}
	if err := yaml.Unmarshal([]byte("scene_filter: '{mode}'\n"), &cfg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if cfg.Filter.String() != "{mode}" {
		t.Errorf("expr = %q", cfg.Filter.String())
	}
	v, err := cfg.Filter.Apply(context.Background(), blenderScene)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if m := v.(map[string]any); len(m) != 1 || m["mode"] != "OBJECT" {
		t.Errorf("Apply = %v", v)
	}
}

func TestFileProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scene.json")
	p := NewFile(path)
	if _, err := p.Snapshot(context.Background()); err == nil {
		t.Fatal("expected error for missing file")
	}

	os.WriteFile(path, []byte(`{"scene_name": "Scene", "mode": "OBJECT"}`), 0o644)
	c, err := p.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if c["mode"] != "OBJECT" {
		t.Errorf("mode = %v", c["mode"])
	}

	// A half-written file falls back to the last good snapshot.
	os.WriteFile(path, []byte(`{"scene_name": `), 0o644)
	c, err = p.Snapshot(context.Background())
	if err != nil || c["scene_name"] != "Scene" {
		t.Errorf("fallback = %v, %v", c, err)
	}
}

func TestStatic(t *testing.T) {
	c, err := Static{"mode": "OBJECT"}.Snapshot(context.Background())
	if err != nil || c["mode"] != "OBJECT" {
		t.Errorf("Static = %v, %v", c, err)
	}
}
