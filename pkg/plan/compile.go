package plan

import (
	"fmt"
	"strconv"

	"github.com/polisai/stageflow/internal/digest"
	"github.com/polisai/stageflow/internal/graph"
	"github.com/polisai/stageflow/pkg/domain"
)

// Compile validates stages against cfg and builds an ExecutionPlan. Any
// returned error is a *PlanError. Compile never panics on expected input.
func Compile(stages []domain.Stage, cfg Config) (*ExecutionPlan, error) {
	p, perr := compile(stages, cfg)
	if perr != nil {
		return nil, perr
	}
	return p, nil
}

// MustCompile is like Compile but panics with the *PlanError.
func MustCompile(stages []domain.Stage, cfg Config) *ExecutionPlan {
	p, err := Compile(stages, cfg)
	if err != nil {
		panic(err)
	}
	return p
}

func compile(stages []domain.Stage, cfg Config) (*ExecutionPlan, *PlanError) {
	if len(stages) == 0 {
		return nil, planErrorf(KindNoPlugins, "at least one stage is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	lim := cfg.resolve(len(stages))
	if len(stages) > lim.maxStages {
		err := planErrorf(KindInvalidConfig, "%d stages exceed max_stages %d", len(stages), lim.maxStages)
		err.Limit, err.Max, err.Actual = "max_stages", lim.maxStages, len(stages)
		return nil, err
	}

	for i, s := range stages {
		if err := validateStage(i, s); err != nil {
			return nil, err
		}
	}
	if err := validateFallback(cfg.Fallback); err != nil {
		return nil, err
	}

	resolved, err := assignIDs(stages)
	if err != nil {
		return nil, err
	}

	ids := make([]domain.StageID, 0, len(resolved))
	for id := range resolved {
		ids = append(ids, id)
	}
	domain.SortStages(ids)

	producers, err := validateSlots(ids, resolved)
	if err != nil {
		return nil, err
	}

	g, err := buildGraph(ids, resolved, producers)
	if err != nil {
		return nil, err
	}

	if err := checkLimits(g, lim); err != nil {
		return nil, err
	}

	names, complete := g.TopoOrder(lim.heapThreshold)
	if !complete {
		path := toStageIDs(g.FindCycle())
		perr := planErrorf(KindCircularDependency, "dependency cycle among %d stages", len(path)-1)
		perr.Path = path
		perr.StageIDs = uniqueStageIDs(path)
		if len(path) > 0 {
			perr.StageID = path[0]
		}
		return nil, perr
	}

	levels, depth := g.Levels()
	if depth > lim.maxDepth {
		perr := planErrorf(KindInvalidConfig, "dependency depth %d exceeds max_depth %d", depth, lim.maxDepth)
		perr.Limit, perr.Max, perr.Actual = "max_depth", lim.maxDepth, depth
		return nil, perr
	}

	return materialize(g, toStageIDs(names), levels, depth, resolved, producers, cfg.Fallback), nil
}

func validateStage(pos int, s domain.Stage) *PlanError {
	label := stageLabel(pos, s)
	invalid := func(format string, args ...any) *PlanError {
		err := planErrorf(KindInvalidPlugin, "%s: %s", label, fmt.Sprintf(format, args...))
		err.StageID = s.ID
		return err
	}

	if len(s.Provides) == 0 {
		return invalid("provides must not be empty")
	}
	seen := make(map[domain.SlotID]struct{}, len(s.Provides))
	for _, slot := range s.Provides {
		if slot == "" {
			return invalid("provides contains an empty slot name")
		}
		if _, dup := seen[slot]; dup {
			e := invalid("slot %q provided twice", slot)
			e.Slot = slot
			return e
		}
		seen[slot] = struct{}{}
	}
	for _, slot := range s.DependsOn {
		if slot == "" {
			return invalid("dependsOn contains an empty slot name")
		}
	}
	if s.Run == nil {
		return invalid("run function is required")
	}
	return nil
}

func validateFallback(fb *domain.FallbackStage) *PlanError {
	if fb == nil {
		return nil
	}
	if fb.Run == nil {
		err := planErrorf(KindInvalidPlugin, "fallback stage %q: run function is required", fb.ID)
		err.StageID = fb.ID
		return err
	}
	return nil
}

func stageLabel(pos int, s domain.Stage) string {
	if s.ID != "" {
		return fmt.Sprintf("stage %q", s.ID)
	}
	return "stage #" + strconv.Itoa(pos)
}

func assignIDs(stages []domain.Stage) (map[domain.StageID]domain.Stage, *PlanError) {
	out := make(map[domain.StageID]domain.Stage, len(stages))
	for _, s := range stages {
		id := s.ID
		if id == "" {
			id = DeriveStageID(s.Provides, s.DependsOn)
		}
		if prev, dup := out[id]; dup {
			err := planErrorf(KindInvalidPlugin, "stage id %q is used by more than one stage", id)
			err.StageID = id
			err.StageIDs = []domain.StageID{id}
			err.Provides = [][]domain.SlotID{cloneSlots(prev.Provides), cloneSlots(s.Provides)}
			return nil, err
		}
		s.ID = id
		out[id] = freezeStage(s)
	}
	return out, nil
}

func validateSlots(ids []domain.StageID, stages map[domain.StageID]domain.Stage) (map[domain.SlotID]domain.StageID, *PlanError) {
	owners := make(map[domain.SlotID][]domain.StageID)
	for _, id := range ids {
		for _, slot := range stages[id].Provides {
			owners[slot] = append(owners[slot], id)
		}
	}

	var dupSlots []domain.SlotID
	dupStages := make(map[domain.StageID]struct{})
	for slot, who := range owners {
		if len(who) < 2 {
			continue
		}
		dupSlots = append(dupSlots, slot)
		for _, id := range who {
			dupStages[id] = struct{}{}
		}
	}
	if len(dupSlots) > 0 {
		domain.SortSlots(dupSlots)
		offenders := make([]domain.StageID, 0, len(dupStages))
		for id := range dupStages {
			offenders = append(offenders, id)
		}
		domain.SortStages(offenders)

		err := planErrorf(KindDuplicateProviders, "slot %q is provided by stages %s", dupSlots[0], joinStages(owners[dupSlots[0]]))
		err.Slot = dupSlots[0]
		err.Slots = dupSlots
		err.StageIDs = offenders
		return nil, err
	}

	producers := make(map[domain.SlotID]domain.StageID, len(owners))
	for slot, who := range owners {
		producers[slot] = who[0]
	}

	for _, id := range ids {
		var missing []domain.SlotID
		for _, slot := range uniqueSorted(stages[id].DependsOn) {
			if _, ok := producers[slot]; !ok {
				missing = append(missing, slot)
			}
		}
		if len(missing) > 0 {
			err := planErrorf(KindUnknownSlot, "stage %q depends on slot %q which no stage provides", id, missing[0])
			err.StageID = id
			err.StageIDs = []domain.StageID{id}
			err.Slot = missing[0]
			err.Slots = missing
			return nil, err
		}
	}
	return producers, nil
}

func buildGraph(ids []domain.StageID, stages map[domain.StageID]domain.Stage, producers map[domain.SlotID]domain.StageID) (*graph.Graph, *PlanError) {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = string(id)
	}
	g, err := graph.New(names)
	if err != nil {
		return nil, planErrorf(KindInvalidPlugin, "%v", err)
	}
	for _, id := range ids {
		for _, slot := range stages[id].DependsOn {
			if _, err := g.AddEdge(string(producers[slot]), string(id)); err != nil {
				return nil, planErrorf(KindInvalidPlugin, "%v", err)
			}
		}
	}
	return g, nil
}

func checkLimits(g *graph.Graph, lim limits) *PlanError {
	if g.Edges() > lim.maxEdges {
		err := planErrorf(KindInvalidConfig, "%d edges exceed max_edges %d", g.Edges(), lim.maxEdges)
		err.Limit, err.Max, err.Actual = "max_edges", lim.maxEdges, g.Edges()
		return err
	}
	if id, n := g.MaxFanIn(); n > lim.maxFanIn {
		err := planErrorf(KindInvalidConfig, "stage %q has fan-in %d, max_fan_in is %d", id, n, lim.maxFanIn)
		err.StageID = domain.StageID(id)
		err.Limit, err.Max, err.Actual = "max_fan_in", lim.maxFanIn, n
		return err
	}
	if id, n := g.MaxFanOut(); n > lim.maxFanOut {
		err := planErrorf(KindInvalidConfig, "stage %q has fan-out %d, max_fan_out is %d", id, n, lim.maxFanOut)
		err.StageID = domain.StageID(id)
		err.Limit, err.Max, err.Actual = "max_fan_out", lim.maxFanOut, n
		return err
	}
	return nil
}

func materialize(
	g *graph.Graph,
	order []domain.StageID,
	levels map[string]int,
	depth int,
	stages map[domain.StageID]domain.Stage,
	producers map[domain.SlotID]domain.StageID,
	fallback *domain.FallbackStage,
) *ExecutionPlan {
	p := &ExecutionPlan{
		order:     order,
		index:     make(map[domain.StageID]int, len(order)),
		stages:    stages,
		deps:      make(map[domain.StageID][]domain.StageID, len(order)),
		rdeps:     make(map[domain.StageID][]domain.StageID, len(order)),
		producers: producers,
		levels:    make(map[domain.StageID]int, len(order)),
		depth:     depth,
		edges:     g.Edges(),
	}
	for i, id := range order {
		p.index[id] = i
		p.deps[id] = toStageIDs(g.Predecessors(string(id)))
		p.rdeps[id] = toStageIDs(g.Successors(string(id)))
		p.levels[id] = levels[string(id)]
	}
	for _, batch := range graph.Batches(toStrings(order), levels) {
		p.batches = append(p.batches, toStageIDs(batch))
	}
	if fallback != nil {
		fb := *fallback
		p.fallback = &fb
	}

	p.hash = structuralHash(p)
	p.version = strconv.Itoa(len(order)) + "_" + p.hash
	return p
}

// structuralHash digests, for every stage in execution order, its id, its
// direct dependencies and its declared slots.
func structuralHash(p *ExecutionPlan) string {
	b := digest.NewBuilder()
	for _, id := range p.order {
		s := p.stages[id]
		line := string(id) + ":" + joinStages(p.deps[id]) +
			"|p:" + joinSlots(uniqueSorted(s.Provides)) +
			"|d:" + joinSlots(uniqueSorted(s.DependsOn))
		b.Field(line)
	}
	return b.Hex()
}

func toStageIDs(in []string) []domain.StageID {
	if in == nil {
		return nil
	}
	out := make([]domain.StageID, len(in))
	for i, s := range in {
		out[i] = domain.StageID(s)
	}
	return out
}

func toStrings(in []domain.StageID) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func uniqueStageIDs(in []domain.StageID) []domain.StageID {
	seen := make(map[domain.StageID]struct{}, len(in))
	out := make([]domain.StageID, 0, len(in))
	for _, id := range in {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	domain.SortStages(out)
	return out
}
