package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/polisai/stageflow/pkg/stages"
	"gopkg.in/yaml.v3"
)

// PipelineFile is the root structure for a file that defines one or more
// pipelines. Top-level key is "pipelines"; each value is one pipeline.
//
//	pipelines:
//	  totals:
//	    stages:
//	      - {kind: const, provides: [a], params: {value: 1}}
//	      - {kind: sum, provides: [b], depends_on: [a], params: {add: 1}}
type PipelineFile struct {
	Pipelines map[string]PipelineSpec `yaml:"pipelines" json:"pipelines"`
}

// PipelineSpec declares one pipeline.
type PipelineSpec struct {
	Name     string              `yaml:"name,omitempty" json:"name,omitempty"`
	Stages   []stages.Definition `yaml:"stages" json:"stages"`
	Fallback *FallbackSpec       `yaml:"fallback,omitempty" json:"fallback,omitempty"`
	// Plan overrides the global compiler limits for this pipeline.
	Plan *PlanConfig `yaml:"plan,omitempty" json:"plan,omitempty"`
}

// FallbackSpec enables a fallback stage that logs the failure.
type FallbackSpec struct {
	ID string `yaml:"id" json:"id"`
}

// ParsePipelineFile parses YAML bytes into a PipelineFile. Pipeline names
// default to their map key.
func ParsePipelineFile(data []byte) (*PipelineFile, error) {
	var f PipelineFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if len(f.Pipelines) == 0 {
		return nil, fmt.Errorf("pipeline file defines no pipelines")
	}
	for key, spec := range f.Pipelines {
		if strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("pipeline name is required")
		}
		if spec.Name == "" {
			spec.Name = key
		}
		if spec.Name != key {
			return nil, fmt.Errorf("pipeline %q declares mismatched name %q", key, spec.Name)
		}
		if spec.Plan != nil {
			if err := spec.Plan.Validate(); err != nil {
				return nil, fmt.Errorf("pipeline %q: %w", key, err)
			}
		}
		if spec.Fallback != nil && strings.TrimSpace(spec.Fallback.ID) == "" {
			spec.Fallback.ID = key + "_fallback"
		}
		f.Pipelines[key] = spec
	}
	return &f, nil
}

// LoadPipelineFile reads and parses a pipeline definition file.
func LoadPipelineFile(path string) (*PipelineFile, error) {
	//nolint:gosec // Pipeline file path is controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file %s: %w", path, err)
	}
	f, err := ParsePipelineFile(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pipeline file %s: %w", path, err)
	}
	return f, nil
}

// Names returns the pipeline names, sorted.
func (f *PipelineFile) Names() []string {
	if f == nil {
		return nil
	}
	out := make([]string, 0, len(f.Pipelines))
	for name := range f.Pipelines {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Get returns the named pipeline.
func (f *PipelineFile) Get(name string) (PipelineSpec, bool) {
	if f == nil {
		return PipelineSpec{}, false
	}
	spec, ok := f.Pipelines[name]
	return spec, ok
}
