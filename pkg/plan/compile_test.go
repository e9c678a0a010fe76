package plan

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/polisai/stageflow/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, domain.StageContext) (domain.Slots, error) {
	return domain.Slots{}, nil
}

func stage(id string, provides []string, deps ...string) domain.Stage {
	s := domain.Stage{ID: domain.StageID(id), Run: noop}
	for _, p := range provides {
		s.Provides = append(s.Provides, domain.SlotID(p))
	}
	for _, d := range deps {
		s.DependsOn = append(s.DependsOn, domain.SlotID(d))
	}
	return s
}

func requirePlanError(t *testing.T, err error, kind ErrorKind) *PlanError {
	t.Helper()
	require.Error(t, err)
	var perr *PlanError
	require.True(t, errors.As(err, &perr), "expected *PlanError, got %T", err)
	require.Equal(t, kind, perr.Kind, perr.Error())
	return perr
}

func TestCompileEmpty(t *testing.T) {
	p, err := Compile(nil, Config{})
	assert.Nil(t, p)
	perr := requirePlanError(t, err, KindNoPlugins)
	assert.ErrorIs(t, perr, ErrNoPlugins)
}

func TestCompileChain(t *testing.T) {
	p, err := Compile([]domain.Stage{
		stage("c", []string{"z"}, "y"),
		stage("a", []string{"x"}),
		stage("b", []string{"y"}, "x"),
	}, Config{})
	require.NoError(t, err)

	assert.Equal(t, []domain.StageID{"a", "b", "c"}, p.ExecutionOrder())
	assert.Equal(t, 3, p.Len())
	assert.Equal(t, []domain.StageID{"a"}, p.Dependencies("b"))
	assert.Equal(t, []domain.StageID{"c"}, p.ReverseDependencies("b"))
	assert.Empty(t, p.Dependencies("a"))
	assert.Equal(t, 3, p.Depth())
	assert.Equal(t, 2, p.EdgeCount())

	idx, ok := p.Index("c")
	require.True(t, ok)
	assert.Equal(t, 2, idx)

	prod, ok := p.Producer("y")
	require.True(t, ok)
	assert.Equal(t, domain.StageID("b"), prod)
	assert.Equal(t, []domain.SlotID{"x", "y", "z"}, p.Slots())

	assert.Regexp(t, `^3_[0-9a-f]{64}$`, p.Version())
	assert.Equal(t, "3_"+p.StructuralHash(), p.Version())
}

func TestCompileTieBreakIsLexicographic(t *testing.T) {
	p, err := Compile([]domain.Stage{
		stage("zeta", []string{"z"}),
		stage("alpha", []string{"a"}),
		stage("mid", []string{"m"}, "z"),
		stage("beta", []string{"b"}),
	}, Config{})
	require.NoError(t, err)
	assert.Equal(t, []domain.StageID{"alpha", "beta", "zeta", "mid"}, p.ExecutionOrder())
	assert.Equal(t, [][]domain.StageID{{"alpha", "beta", "zeta"}, {"mid"}}, p.Levels())
}

func TestCompileDerivesIDs(t *testing.T) {
	a := domain.Stage{Provides: []domain.SlotID{"y", "x"}, DependsOn: []domain.SlotID{"q", "p"}, Run: noop}
	b := domain.Stage{Provides: []domain.SlotID{"x", "y"}, DependsOn: []domain.SlotID{"p", "q", "p"}, Run: noop}
	assert.Equal(t, DeriveStageID(a.Provides, a.DependsOn), DeriveStageID(b.Provides, b.DependsOn))
	assert.Regexp(t, `^stage_[0-9a-f]{12}$`, string(DeriveStageID(a.Provides, a.DependsOn)))

	p, err := Compile([]domain.Stage{
		{Provides: []domain.SlotID{"p", "q"}, Run: noop},
		a,
	}, Config{})
	require.NoError(t, err)
	order := p.ExecutionOrder()
	require.Len(t, order, 2)
	assert.Equal(t, DeriveStageID(a.Provides, a.DependsOn), order[1])

	s, ok := p.Stage(order[1])
	require.True(t, ok)
	assert.Equal(t, order[1], s.ID)
}

func TestCompileIDCollisionReportsBothProvides(t *testing.T) {
	_, err := Compile([]domain.Stage{
		stage("same", []string{"a"}),
		stage("same", []string{"b"}),
	}, Config{})
	perr := requirePlanError(t, err, KindInvalidPlugin)
	assert.Equal(t, domain.StageID("same"), perr.StageID)
	assert.Equal(t, [][]domain.SlotID{{"a"}, {"b"}}, perr.Provides)
}

func TestCompileStructuralValidation(t *testing.T) {
	cases := map[string]domain.Stage{
		"empty provides":   stage("s", nil),
		"empty slot name":  stage("s", []string{""}),
		"duplicate slot":   stage("s", []string{"a", "a"}),
		"empty dependency": stage("s", []string{"a"}, ""),
		"nil run":          {ID: "s", Provides: []domain.SlotID{"a"}},
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Compile([]domain.Stage{s}, Config{})
			perr := requirePlanError(t, err, KindInvalidPlugin)
			assert.ErrorIs(t, perr, ErrInvalidPlugin)
		})
	}
}

func TestCompileFallbackRequiresRun(t *testing.T) {
	_, err := Compile([]domain.Stage{stage("a", []string{"a"})}, Config{Fallback: &domain.FallbackStage{ID: "fb"}})
	perr := requirePlanError(t, err, KindInvalidPlugin)
	assert.Equal(t, domain.StageID("fb"), perr.StageID)
}

func TestCompileDuplicateProviders(t *testing.T) {
	_, err := Compile([]domain.Stage{
		stage("s2", []string{"x"}),
		stage("s1", []string{"x", "y"}),
		stage("s3", []string{"y"}),
		stage("s4", []string{"w"}),
	}, Config{})
	perr := requirePlanError(t, err, KindDuplicateProviders)
	assert.Equal(t, domain.SlotID("x"), perr.Slot)
	assert.Equal(t, []domain.SlotID{"x", "y"}, perr.Slots)
	assert.Equal(t, []domain.StageID{"s1", "s2", "s3"}, perr.StageIDs)
}

func TestCompileUnknownSlot(t *testing.T) {
	_, err := Compile([]domain.Stage{
		stage("a", []string{"a"}),
		stage("b", []string{"b"}, "a", "nope", "also"),
	}, Config{})
	perr := requirePlanError(t, err, KindUnknownSlot)
	assert.Equal(t, domain.StageID("b"), perr.StageID)
	assert.Equal(t, domain.SlotID("also"), perr.Slot)
	assert.Equal(t, []domain.SlotID{"also", "nope"}, perr.Slots)
	assert.ErrorIs(t, err, ErrUnknownSlot)
}

func TestCompileCycle(t *testing.T) {
	_, err := Compile([]domain.Stage{
		stage("A", []string{"a"}, "b"),
		stage("B", []string{"b"}, "a"),
		stage("C", []string{"c"}, "a"),
	}, Config{})
	perr := requirePlanError(t, err, KindCircularDependency)
	assert.Contains(t, perr.Path, domain.StageID("A"))
	assert.Contains(t, perr.Path, domain.StageID("B"))
	assert.NotContains(t, perr.Path, domain.StageID("C"))
	assert.Equal(t, perr.Path[0], perr.Path[len(perr.Path)-1])
	assert.Equal(t, []domain.StageID{"A", "B"}, perr.StageIDs)
	assert.Contains(t, perr.Error(), "A -> B -> A")
}

func TestCompileSelfDependencyIsCycle(t *testing.T) {
	_, err := Compile([]domain.Stage{stage("loop", []string{"a", "b"}, "a")}, Config{})
	perr := requirePlanError(t, err, KindCircularDependency)
	assert.Equal(t, []domain.StageID{"loop", "loop"}, perr.Path)
}

func TestCompileLimits(t *testing.T) {
	fan := []domain.Stage{
		stage("root", []string{"r"}),
		stage("a", []string{"a"}, "r"),
		stage("b", []string{"b"}, "r"),
		stage("c", []string{"c"}, "a", "b", "r"),
	}

	tests := []struct {
		name   string
		cfg    Config
		limit  string
		actual int
	}{
		{"edges", Config{MaxEdges: 4}, "max_edges", 5},
		{"fan in", Config{MaxFanIn: 2}, "max_fan_in", 3},
		{"fan out", Config{MaxFanOut: 2}, "max_fan_out", 3},
		{"depth", Config{MaxDepth: 2}, "max_depth", 3},
		{"stages", Config{MaxStages: 3}, "max_stages", 4},
		{"negative", Config{MaxFanIn: -1}, "max_fan_in", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(fan, tt.cfg)
			perr := requirePlanError(t, err, KindInvalidConfig)
			assert.Equal(t, tt.limit, perr.Limit)
			assert.Equal(t, tt.actual, perr.Actual)
		})
	}

	_, err := Compile(fan, Config{MaxEdges: 5, MaxFanIn: 3, MaxFanOut: 3, MaxDepth: 3})
	assert.NoError(t, err)
}

func TestCompileDeduplicatesEdges(t *testing.T) {
	p, err := Compile([]domain.Stage{
		stage("a", []string{"x", "y"}),
		stage("b", []string{"z"}, "x", "y", "x"),
	}, Config{})
	require.NoError(t, err)
	assert.Equal(t, 1, p.EdgeCount())
	assert.Equal(t, []domain.StageID{"a"}, p.Dependencies("b"))
}

func TestPlanIsFrozen(t *testing.T) {
	in := []domain.Stage{stage("a", []string{"x"}), stage("b", []string{"y"}, "x")}
	p, err := Compile(in, Config{})
	require.NoError(t, err)

	in[0].Provides[0] = "mutated"
	s, _ := p.Stage("a")
	assert.Equal(t, []domain.SlotID{"x"}, s.Provides)

	s.Provides[0] = "mutated"
	s2, _ := p.Stage("a")
	assert.Equal(t, []domain.SlotID{"x"}, s2.Provides)

	order := p.ExecutionOrder()
	order[0] = "zzz"
	assert.Equal(t, domain.StageID("a"), p.ExecutionOrder()[0])

	deps := p.Dependencies("b")
	deps[0] = "zzz"
	assert.Equal(t, []domain.StageID{"a"}, p.Dependencies("b"))
}

func TestFallbackIsCopied(t *testing.T) {
	fb := &domain.FallbackStage{ID: "fb", Run: func(context.Context, domain.StageContext, domain.PipelineFailure) error { return nil }}
	p, err := Compile([]domain.Stage{stage("a", []string{"x"})}, Config{Fallback: fb})
	require.NoError(t, err)
	fb.ID = "changed"

	got, ok := p.Fallback()
	require.True(t, ok)
	assert.Equal(t, domain.StageID("fb"), got.ID)

	p2, err := Compile([]domain.Stage{stage("a", []string{"x"})}, Config{})
	require.NoError(t, err)
	_, ok = p2.Fallback()
	assert.False(t, ok)
}

func TestMustCompile(t *testing.T) {
	stages := []domain.Stage{stage("a", []string{"x"}), stage("b", []string{"y"}, "x")}
	p := MustCompile(stages, Config{})
	q, err := Compile(stages, Config{})
	require.NoError(t, err)
	assert.Equal(t, q.Version(), p.Version())
	assert.Equal(t, q.ExecutionOrder(), p.ExecutionOrder())

	assert.PanicsWithError(t, "plan: NO_PLUGINS: at least one stage is required", func() {
		MustCompile(nil, Config{})
	})
}

func TestHeapThresholdDoesNotChangeOrder(t *testing.T) {
	var stages []domain.Stage
	for i := 0; i < 100; i++ {
		s := stage(fmt.Sprintf("s%03d", (i*37)%100), []string{fmt.Sprintf("v%d", i)})
		if i > 0 {
			s.DependsOn = []domain.SlotID{domain.SlotID(fmt.Sprintf("v%d", i/3))}
		}
		stages = append(stages, s)
	}
	small, err := Compile(stages, Config{HeapThreshold: 1000})
	require.NoError(t, err)
	large, err := Compile(stages, Config{HeapThreshold: 1})
	require.NoError(t, err)
	assert.Equal(t, small.ExecutionOrder(), large.ExecutionOrder())
	assert.Equal(t, small.Version(), large.Version())
}
