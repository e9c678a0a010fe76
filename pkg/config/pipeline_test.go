package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/polisai/stageflow/pkg/domain"
	"github.com/polisai/stageflow/pkg/engine"
	"github.com/polisai/stageflow/pkg/plan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pipelinesYAML = `
pipelines:
  totals:
    stages:
      - id: seed
        kind: const
        provides: [a]
        params: {value: 1}
      - id: inc
        kind: sum
        provides: [b]
        depends_on: [a]
        params: {add: 1}
  broken:
    fallback: {}
    plan:
      max_depth: 5
    stages:
      - id: boom
        kind: fail
        provides: [x]
`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParsePipelineFile(t *testing.T) {
	f, err := ParsePipelineFile([]byte(pipelinesYAML))
	require.NoError(t, err)
	assert.Equal(t, []string{"broken", "totals"}, f.Names())

	broken, ok := f.Get("broken")
	require.True(t, ok)
	assert.Equal(t, "broken", broken.Name)
	require.NotNil(t, broken.Fallback)
	assert.Equal(t, "broken_fallback", broken.Fallback.ID)
	assert.Equal(t, 5, broken.Plan.MaxDepth)

	_, ok = f.Get("absent")
	assert.False(t, ok)
}

func TestParsePipelineFileErrors(t *testing.T) {
	_, err := ParsePipelineFile([]byte("pipelines: {}"))
	assert.ErrorContains(t, err, "no pipelines")

	_, err = ParsePipelineFile([]byte("pipelines:\n  a:\n    name: b\n    stages: []\n"))
	assert.ErrorContains(t, err, "mismatched name")

	_, err = ParsePipelineFile([]byte("pipelines:\n  a:\n    plan: {max_edges: -1}\n"))
	assert.ErrorContains(t, err, "max_edges")
}

func TestCompileAllAndRun(t *testing.T) {
	f, err := ParsePipelineFile([]byte(pipelinesYAML))
	require.NoError(t, err)

	plans, err := f.CompileAll(nil, PlanConfig{}, quietLogger())
	require.NoError(t, err)
	require.Len(t, plans, 2)

	ex := engine.New(EngineConfig{StrictSlots: true}.Options(quietLogger()))
	res := ex.Execute(context.Background(), plans["totals"], nil)
	require.True(t, res.OK, "%v", res.Err())
	assert.Equal(t, domain.Slots{"a": 1, "b": 2}, res.Slots)

	fb, ok := plans["broken"].Fallback()
	require.True(t, ok)
	assert.Equal(t, domain.StageID("broken_fallback"), fb.ID)

	res = ex.Execute(context.Background(), plans["broken"], nil)
	require.NotNil(t, res.Failure)
	assert.Nil(t, res.Failure.Fallback, "logging fallback succeeds")
}

const cyclicYAML = `
pipelines:
  cyclic:
    stages:
      - id: left
        kind: sum
        provides: [l]
        depends_on: [r]
        params: {add: 1}
      - id: right
        kind: sum
        provides: [r]
        depends_on: [l]
        params: {add: 1}
`

func TestCompileReportsPlanErrors(t *testing.T) {
	f, err := ParsePipelineFile([]byte(cyclicYAML))
	require.NoError(t, err)
	cyclic, ok := f.Get("cyclic")
	require.True(t, ok)

	_, err = cyclic.Compile(nil, PlanConfig{}, nil)
	var perr *plan.PlanError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, plan.KindCircularDependency, perr.Kind)
	assert.Contains(t, perr.Path, domain.StageID("left"))
	assert.Contains(t, perr.Path, domain.StageID("right"))

	_, err = f.CompileAll(nil, PlanConfig{}, nil)
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, plan.KindCircularDependency, perr.Kind)

	_, err = PipelineSpec{Name: "empty", Stages: nil}.Compile(nil, PlanConfig{}, nil)
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, plan.KindNoPlugins, perr.Kind)

	_, err = PipelineSpec{Name: "bad", Stages: nil}.Compile(nil, PlanConfig{MaxStages: -1}, nil)
	require.Error(t, err)
}

func TestEngineOptionsConversion(t *testing.T) {
	opts := EngineConfig{Timeout: Duration(time.Second), Lazy: true, Targets: []string{"b"}, PartialRecompute: true, MaxConcurrency: 2, Parallel: true}.Options(nil)
	assert.Equal(t, time.Second, opts.Timeout)
	assert.True(t, opts.AllowLazy)
	assert.True(t, opts.AllowParallel)
	assert.True(t, opts.AllowPartialRecompute)
	assert.Equal(t, []domain.SlotID{"b"}, opts.Targets)
	assert.Equal(t, 2, opts.MaxConcurrency)

	pc := PlanConfig{MaxStages: 3, HeapThreshold: 2}.ToPlan(nil)
	assert.Equal(t, plan.Config{MaxStages: 3, HeapThreshold: 2}, pc)
}

func TestFileProviderReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "pipelines.yaml", pipelinesYAML)

	p, err := NewFileProvider(path, quietLogger())
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	updates := p.Subscribe()
	first := <-updates
	assert.Equal(t, int64(1), first.Generation)
	assert.Len(t, first.Pipelines.Names(), 2)

	// A broken edit is ignored.
	require.NoError(t, os.WriteFile(path, []byte("pipelines: ["), 0o600))
	select {
	case snap := <-updates:
		t.Fatalf("unexpected snapshot %d", snap.Generation)
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, int64(1), p.CurrentSnapshot().Generation)

	require.NoError(t, os.WriteFile(path, []byte(`
pipelines:
  only:
    stages:
      - {kind: const, provides: [z], params: {value: 0}}
`), 0o600))

	select {
	case snap := <-updates:
		assert.Equal(t, []string{"only"}, snap.Pipelines.Names())
		assert.Greater(t, snap.Generation, int64(1))
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestFileProviderRequiresInitialLoad(t *testing.T) {
	_, err := NewFileProvider(writeFile(t, t.TempDir(), "p.yaml", "nope: 1"), nil)
	assert.Error(t, err)
}
