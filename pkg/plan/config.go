package plan

import "github.com/polisai/stageflow/pkg/domain"

const (
	// DefaultMaxStages caps the size of a single plan.
	DefaultMaxStages = 10000
	// DefaultHeapThreshold is the stage count above which the topological
	// sort keeps its ready set in a binary heap.
	DefaultHeapThreshold = 64
)

// Config bounds compilation. A zero limit means the default, which scales
// with the number of stages n: MaxEdges n*n, MaxFanIn and MaxFanOut n,
// MaxDepth n.
type Config struct {
	MaxStages     int
	MaxEdges      int
	MaxFanIn      int
	MaxFanOut     int
	MaxDepth      int
	HeapThreshold int

	// Fallback runs after an unrecovered failure. Optional.
	Fallback *domain.FallbackStage
}

type limits struct {
	maxStages, maxEdges, maxFanIn, maxFanOut, maxDepth, heapThreshold int
}

func (c Config) validate() *PlanError {
	fields := []struct {
		name string
		v    int
	}{
		{"max_stages", c.MaxStages},
		{"max_edges", c.MaxEdges},
		{"max_fan_in", c.MaxFanIn},
		{"max_fan_out", c.MaxFanOut},
		{"max_depth", c.MaxDepth},
		{"heap_threshold", c.HeapThreshold},
	}
	for _, f := range fields {
		if f.v < 0 {
			err := planErrorf(KindInvalidConfig, "%s must not be negative, got %d", f.name, f.v)
			err.Limit = f.name
			err.Actual = f.v
			return err
		}
	}
	return nil
}

func (c Config) resolve(n int) limits {
	l := limits{
		maxStages:     c.MaxStages,
		maxEdges:      c.MaxEdges,
		maxFanIn:      c.MaxFanIn,
		maxFanOut:     c.MaxFanOut,
		maxDepth:      c.MaxDepth,
		heapThreshold: c.HeapThreshold,
	}
	if l.maxStages == 0 {
		l.maxStages = DefaultMaxStages
	}
	if l.maxEdges == 0 {
		l.maxEdges = n * n
	}
	if l.maxFanIn == 0 {
		l.maxFanIn = n
	}
	if l.maxFanOut == 0 {
		l.maxFanOut = n
	}
	if l.maxDepth == 0 {
		l.maxDepth = n
	}
	if l.heapThreshold == 0 {
		l.heapThreshold = DefaultHeapThreshold
	}
	return l
}
