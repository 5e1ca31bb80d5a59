// Package scene turns the host application's scene context into prompt
// text. A context is an opaque JSON object; it is optionally projected with
// a jq filter and then rendered as YAML.
package scene

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/goccy/go-yaml"
	"github.com/itchyny/gojq"

	"github.com/ManveerAnand/articulate3D/pkg/protocol"
)

// DefaultFilter keeps the fields a model needs to resolve object names.
const DefaultFilter = `{scene_name, mode, active_object, selected_objects, scene_objects} | with_entries(select(.value != null))`

// Filter is a parsed jq expression applied to a context before rendering.
// The zero value passes contexts through unchanged.
type Filter struct {
	expr  string
	query *gojq.Query
}

// ParseFilter parses a jq expression. An empty expression yields the
// pass-through filter.
func ParseFilter(expr string) (*Filter, error) {
	f := &Filter{}
	if err := f.set(expr); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Filter) set(expr string) error {
	f.expr, f.query = expr, nil
	if expr == "" {
		return nil
	}
	q, err := gojq.Parse(expr)
	if err != nil {
		return fmt.Errorf("scene: invalid jq expression %q: %w", expr, err)
	}
	f.query = q
	return nil
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// UnmarshalText parses the filter from a config value.
func (f *Filter) UnmarshalText(b []byte) error {
	return f.set(string(b))
}

// MarshalText returns the source expression.
func (f Filter) MarshalText() ([]byte, error) {
	return []byte(f.expr), nil
}

// Apply runs the filter over c. A filter producing several values yields
// them as a list; one producing nothing yields nil.
func (f *Filter) Apply(ctx context.Context, c protocol.Context) (any, error) {
	input, err := normalize(c)
	if err != nil {
		return nil, err
	}
	if f == nil || f.query == nil {
		return input, nil
	}
	var out []any
	iter := f.query.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			return nil, fmt.Errorf("scene: filter %q: %w", f.expr, err)
		}
		out = append(out, v)
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0], nil
	default:
		return out, nil
	}
}

// Render returns c as YAML after applying f, or "" for an empty context.
func Render(ctx context.Context, c protocol.Context, f *Filter) (string, error) {
	if len(c) == 0 {
		return "", nil
	}
	v, err := f.Apply(ctx, c)
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", nil
	}
	b, err := yaml.MarshalWithOptions(v, yaml.AutoInt())
	if err != nil {
		return "", fmt.Errorf("scene: render: %w", err)
	}
	return string(b), nil
}

// normalize converts c into the plain JSON value types gojq expects.
func normalize(c protocol.Context) (any, error) {
	if c == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("scene: context is not JSON: %w", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}
