// Package flags selects between pipeline variants per request. A flag names a
// stable pipeline and candidate variants that each receive a fixed share of
// request keys. Assignment is deterministic: the same flag and key always
// land in the same bucket, so a caller sees one variant across requests.
//
// When a rollback source reports that a candidate is unhealthy the resolver
// routes its share back to the stable pipeline until the source clears.
package flags

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/polisai/stageflow/internal/digest"
)

// ErrInvalidFlag is returned for flags that cannot be resolved.
var ErrInvalidFlag = errors.New("invalid flag")

// Buckets is the number of rollout buckets; percentages map onto it.
const Buckets = 100

// Variant is one candidate pipeline with its share of keys.
type Variant struct {
	Pipeline string
	Percent  int
}

// Flag routes keys between a stable pipeline and candidates.
type Flag struct {
	Name     string
	Stable   string
	Variants []Variant
}

// Validate checks the flag shape.
func (f Flag) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidFlag)
	}
	if f.Stable == "" {
		return fmt.Errorf("%w: flag %q has no stable pipeline", ErrInvalidFlag, f.Name)
	}
	total := 0
	for _, v := range f.Variants {
		if v.Pipeline == "" || v.Percent < 0 {
			return fmt.Errorf("%w: flag %q has a variant without pipeline or with a negative share", ErrInvalidFlag, f.Name)
		}
		if v.Pipeline == f.Stable {
			return fmt.Errorf("%w: flag %q lists its stable pipeline as a variant", ErrInvalidFlag, f.Name)
		}
		total += v.Percent
	}
	if total > Buckets {
		return fmt.Errorf("%w: flag %q variant percentages sum to %d", ErrInvalidFlag, f.Name, total)
	}
	return nil
}

// RollbackSource reports whether a pipeline should stop receiving traffic.
// governance.Guards satisfies it.
type RollbackSource interface {
	ShouldRollback(pipeline string) bool
}

// Selection is the outcome of resolving a name for a key.
type Selection struct {
	// Flag is empty when the name was a plain pipeline.
	Flag     string
	Pipeline string
	Bucket   int
	// Candidate is the variant the key was assigned before any rollback.
	Candidate  string
	RolledBack bool
}

// Resolver resolves flag names to pipelines. It is safe for concurrent use.
type Resolver struct {
	mu       sync.RWMutex
	flags    map[string]Flag
	rollback RollbackSource
}

// NewResolver validates flags and builds a resolver. rollback may be nil.
func NewResolver(flags []Flag, rollback RollbackSource) (*Resolver, error) {
	r := &Resolver{rollback: rollback}
	if err := r.Update(flags); err != nil {
		return nil, err
	}
	return r, nil
}

// Update atomically replaces the flag set. On error the previous set stays.
func (r *Resolver) Update(flags []Flag) error {
	next := make(map[string]Flag, len(flags))
	for _, f := range flags {
		if err := f.Validate(); err != nil {
			return err
		}
		if _, dup := next[f.Name]; dup {
			return fmt.Errorf("%w: duplicate flag %q", ErrInvalidFlag, f.Name)
		}
		f.Variants = append([]Variant(nil), f.Variants...)
		next[f.Name] = f
	}

	r.mu.Lock()
	r.flags = next
	r.mu.Unlock()
	return nil
}

// Names returns the flag names in sorted order.
func (r *Resolver) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.flags))
	for name := range r.flags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Pipelines returns every pipeline reachable through the flag name.
func (r *Resolver) Pipelines(name string) []string {
	r.mu.RLock()
	f, ok := r.flags[name]
	r.mu.RUnlock()
	if !ok {
		return []string{name}
	}
	out := []string{f.Stable}
	for _, v := range f.Variants {
		out = append(out, v.Pipeline)
	}
	return out
}

// Resolve picks the pipeline for key. A name that is not a flag resolves to
// itself. An empty key always gets the stable pipeline.
func (r *Resolver) Resolve(name, key string) Selection {
	r.mu.RLock()
	f, ok := r.flags[name]
	r.mu.RUnlock()
	if !ok {
		return Selection{Pipeline: name}
	}

	sel := Selection{Flag: f.Name, Pipeline: f.Stable, Candidate: f.Stable}
	if key == "" {
		return sel
	}

	sel.Bucket = Bucket(f.Name, key)
	upper := 0
	for _, v := range f.Variants {
		upper += v.Percent
		if sel.Bucket < upper {
			sel.Candidate = v.Pipeline
			break
		}
	}

	if sel.Candidate != f.Stable && r.rollback != nil && r.rollback.ShouldRollback(sel.Candidate) {
		sel.RolledBack = true
		return sel
	}
	sel.Pipeline = sel.Candidate
	return sel
}

// Bucket maps a flag and key onto [0, Buckets).
func Bucket(flag, key string) int {
	sum := digest.NewBuilder().Field(flag).Field(key).Sum()
	return int(binary.BigEndian.Uint64(sum[:8]) % Buckets)
}
