package genx

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var _ Generator = (*Mux)(nil)

// Mux routes a model name to the generator registered for it. A pattern
// is either an exact model name or a prefix ending in "*"; exact names win,
// then the longest prefix.
type Mux struct {
	mu       sync.RWMutex
	exact    map[string]Generator
	prefixes []prefixRoute
}

type prefixRoute struct {
	prefix string
	gen    Generator
}

func NewMux() *Mux {
	return &Mux{exact: make(map[string]Generator)}
}

// Handle registers gen for pattern. Registering a pattern twice is an error.
func (m *Mux) Handle(pattern string, gen Generator) error {
	if pattern == "" || gen == nil {
		return fmt.Errorf("genx: invalid registration for %q", pattern)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		for _, r := range m.prefixes {
			if r.prefix == prefix {
				return fmt.Errorf("genx: generator already registered for %s", pattern)
			}
		}
		m.prefixes = append(m.prefixes, prefixRoute{prefix: prefix, gen: gen})
		slices.SortFunc(m.prefixes, func(a, b prefixRoute) int {
			return len(b.prefix) - len(a.prefix)
		})
		return nil
	}
	if _, ok := m.exact[pattern]; ok {
		return fmt.Errorf("genx: generator already registered for %s", pattern)
	}
	m.exact[pattern] = gen
	return nil
}

// Has reports whether some generator serves model.
func (m *Mux) Has(model string) bool {
	_, err := m.get(model)
	return err == nil
}

// Models returns the registered patterns, sorted.
func (m *Mux) Models() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.exact)+len(m.prefixes))
	for name := range m.exact {
		out = append(out, name)
	}
	for _, r := range m.prefixes {
		out = append(out, r.prefix+"*")
	}
	slices.Sort(out)
	return out
}

func (m *Mux) Generate(ctx context.Context, model string, mctx ModelContext) (*Reply, error) {
	gen, err := m.get(model)
	if err != nil {
		return nil, err
	}
	return gen.Generate(ctx, model, mctx)
}

func (m *Mux) get(model string) (Generator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if gen, ok := m.exact[model]; ok {
		return gen, nil
	}
	for _, r := range m.prefixes {
		if strings.HasPrefix(model, r.prefix) {
			return r.gen, nil
		}
	}
	return nil, fmt.Errorf("genx: generator not found for %s", model)
}
