// Package stages turns declarative stage definitions into runnable stages.
// A Registry maps a kind name to a Factory; the builtin kinds cover the
// arithmetic and plumbing needed by pipelines written in YAML.
package stages

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/polisai/stageflow/pkg/domain"
	"github.com/polisai/stageflow/pkg/engine/runtime"
)

// Definition declares one stage in a pipeline file.
type Definition struct {
	ID        string         `yaml:"id,omitempty" json:"id,omitempty"`
	Kind      string         `yaml:"kind" json:"kind"`
	Provides  []string       `yaml:"provides" json:"provides"`
	DependsOn []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Params    map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	// Timeout bounds a single invocation, e.g. "250ms".
	Timeout string    `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	OnError *Recovery `yaml:"on_error,omitempty" json:"on_error,omitempty"`
}

// Recovery replaces a failed stage's output with fixed values.
type Recovery struct {
	Values map[string]any `yaml:"values" json:"values"`
	// Reasons limits recovery to the listed failure reasons. Empty means any.
	Reasons []string `yaml:"reasons,omitempty" json:"reasons,omitempty"`
}

// Factory builds the run function for a definition. It validates params
// eagerly so that a bad pipeline file fails at load time.
type Factory func(def Definition) (domain.RunFunc, error)

// Registry maintains a threadsafe catalogue of stage kinds.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Factory
}

// NewRegistry creates an empty registry instance.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Factory)}
}

// Register inserts or replaces a kind.
func (r *Registry) Register(kind string, f Factory) error {
	key := strings.ToLower(strings.TrimSpace(kind))
	if key == "" {
		return fmt.Errorf("stages: kind name is required")
	}
	if f == nil {
		return fmt.Errorf("stages: kind %s has no factory", kind)
	}

	r.mu.Lock()
	r.kinds[key] = f
	r.mu.Unlock()
	return nil
}

// Kinds returns the registered kind names, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) resolve(kind string) (Factory, bool) {
	r.mu.RLock()
	f, ok := r.kinds[strings.ToLower(strings.TrimSpace(kind))]
	r.mu.RUnlock()
	return f, ok
}

// Build converts a definition into a domain.Stage.
func (r *Registry) Build(def Definition) (domain.Stage, error) {
	f, ok := r.resolve(def.Kind)
	if !ok {
		return domain.Stage{}, fmt.Errorf("stages: unknown kind %q", def.Kind)
	}
	run, err := f(def)
	if err != nil {
		return domain.Stage{}, fmt.Errorf("stages: %s: %w", describe(def), err)
	}

	stage := domain.Stage{
		ID:        domain.StageID(def.ID),
		Provides:  toSlots(def.Provides),
		DependsOn: toSlots(def.DependsOn),
		Run:       run,
	}
	if def.OnError != nil {
		hook, err := recoveryHook(def)
		if err != nil {
			return domain.Stage{}, fmt.Errorf("stages: %s: %w", describe(def), err)
		}
		stage.OnError = hook
	}
	if def.Timeout != "" {
		d, err := time.ParseDuration(def.Timeout)
		if err != nil || d <= 0 {
			return domain.Stage{}, fmt.Errorf("stages: %s: invalid timeout %q", describe(def), def.Timeout)
		}
		stage = runtime.WithTimeout(stage, d)
	}
	return stage, nil
}

// BuildAll converts every definition, stopping at the first error.
func (r *Registry) BuildAll(defs []Definition) ([]domain.Stage, error) {
	out := make([]domain.Stage, 0, len(defs))
	for _, def := range defs {
		s, err := r.Build(def)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func recoveryHook(def Definition) (domain.RecoverFunc, error) {
	declared := make(map[string]bool, len(def.Provides))
	for _, p := range def.Provides {
		declared[p] = true
	}
	values := make(domain.Slots, len(def.OnError.Values))
	for k, v := range def.OnError.Values {
		if !declared[k] {
			return nil, fmt.Errorf("on_error value %q is not provided by the stage", k)
		}
		values[domain.SlotID(k)] = v
	}

	reasons := make(map[domain.ReasonKind]bool, len(def.OnError.Reasons))
	for _, raw := range def.OnError.Reasons {
		kind := domain.ReasonKind(strings.ToUpper(raw))
		if !kind.Valid() {
			return nil, fmt.Errorf("on_error reason %q is unknown", raw)
		}
		reasons[kind] = true
	}

	return func(_ context.Context, failure *domain.StageError, _ domain.StageContext) (domain.Slots, bool) {
		if len(reasons) > 0 && !reasons[failure.Kind] {
			return nil, false
		}
		return values.Clone(), true
	}, nil
}

func describe(def Definition) string {
	if def.ID != "" {
		return fmt.Sprintf("stage %s (%s)", def.ID, def.Kind)
	}
	return fmt.Sprintf("%s stage providing %v", def.Kind, def.Provides)
}

func toSlots(in []string) []domain.SlotID {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.SlotID, len(in))
	for i, s := range in {
		out[i] = domain.SlotID(s)
	}
	return out
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// GlobalRegistry exposes the process-wide registry populated with the
// builtin kinds.
func GlobalRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistryWithBuiltins()
	})
	return defaultRegistry
}

// NewRegistryWithBuiltins returns a fresh registry holding the builtin kinds.
func NewRegistryWithBuiltins() *Registry {
	r := NewRegistry()
	for kind, f := range builtins {
		_ = r.Register(kind, f)
	}
	return r
}
