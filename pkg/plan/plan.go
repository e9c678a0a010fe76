package plan

import (
	"github.com/polisai/stageflow/pkg/domain"
)

// ExecutionPlan is the immutable result of Compile. Accessors return copies,
// so callers cannot alter a plan after it was built.
type ExecutionPlan struct {
	order     []domain.StageID
	index     map[domain.StageID]int
	stages    map[domain.StageID]domain.Stage
	deps      map[domain.StageID][]domain.StageID
	rdeps     map[domain.StageID][]domain.StageID
	producers map[domain.SlotID]domain.StageID
	levels    map[domain.StageID]int
	batches   [][]domain.StageID
	depth     int
	edges     int
	hash      string
	version   string
	fallback  *domain.FallbackStage
}

// Len returns the number of stages.
func (p *ExecutionPlan) Len() int { return len(p.order) }

// ExecutionOrder returns stage ids in topological order.
func (p *ExecutionPlan) ExecutionOrder() []domain.StageID {
	return cloneIDs(p.order)
}

// Index returns the position of id in the execution order.
func (p *ExecutionPlan) Index(id domain.StageID) (int, bool) {
	i, ok := p.index[id]
	return i, ok
}

// Stage returns a copy of the stage with the given id.
func (p *ExecutionPlan) Stage(id domain.StageID) (domain.Stage, bool) {
	s, ok := p.stages[id]
	if !ok {
		return domain.Stage{}, false
	}
	return freezeStage(s), true
}

// Dependencies returns the stages id depends on directly, sorted by id.
func (p *ExecutionPlan) Dependencies(id domain.StageID) []domain.StageID {
	return cloneIDs(p.deps[id])
}

// ReverseDependencies returns the stages that depend on id directly, sorted
// by id.
func (p *ExecutionPlan) ReverseDependencies(id domain.StageID) []domain.StageID {
	return cloneIDs(p.rdeps[id])
}

// Producer returns the stage providing slot.
func (p *ExecutionPlan) Producer(slot domain.SlotID) (domain.StageID, bool) {
	id, ok := p.producers[slot]
	return id, ok
}

// Slots returns every slot provided by some stage, sorted.
func (p *ExecutionPlan) Slots() []domain.SlotID {
	out := make([]domain.SlotID, 0, len(p.producers))
	for s := range p.producers {
		out = append(out, s)
	}
	domain.SortSlots(out)
	return out
}

// Level returns the dependency level of id. Stages with no dependencies are
// level 0.
func (p *ExecutionPlan) Level(id domain.StageID) (int, bool) {
	lv, ok := p.levels[id]
	return lv, ok
}

// Levels groups the execution order into batches with no edges inside a
// batch. Every producer of a batch lies in an earlier batch.
func (p *ExecutionPlan) Levels() [][]domain.StageID {
	out := make([][]domain.StageID, len(p.batches))
	for i, b := range p.batches {
		out[i] = cloneIDs(b)
	}
	return out
}

// Depth is the number of stages on the longest dependency chain.
func (p *ExecutionPlan) Depth() int { return p.depth }

// EdgeCount is the number of distinct stage-to-stage edges.
func (p *ExecutionPlan) EdgeCount() int { return p.edges }

// StructuralHash is the hex digest the version is derived from.
func (p *ExecutionPlan) StructuralHash() string { return p.hash }

// Version identifies the plan structure as "<stageCount>_<structuralHash>".
func (p *ExecutionPlan) Version() string { return p.version }

// Fallback returns the configured fallback stage, if any.
func (p *ExecutionPlan) Fallback() (domain.FallbackStage, bool) {
	if p.fallback == nil {
		return domain.FallbackStage{}, false
	}
	return *p.fallback, true
}

func cloneIDs(in []domain.StageID) []domain.StageID {
	out := make([]domain.StageID, len(in))
	copy(out, in)
	return out
}

func cloneSlots(in []domain.SlotID) []domain.SlotID {
	if in == nil {
		return nil
	}
	out := make([]domain.SlotID, len(in))
	copy(out, in)
	return out
}

func freezeStage(s domain.Stage) domain.Stage {
	s.Provides = cloneSlots(s.Provides)
	s.DependsOn = cloneSlots(s.DependsOn)
	return s
}
