package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/polisai/stageflow/pkg/domain"
	"github.com/polisai/stageflow/pkg/plan"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// manualClock only moves when the test advances it.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func compile(t *testing.T, stages ...domain.Stage) *plan.ExecutionPlan {
	t.Helper()
	p, err := plan.Compile(stages, plan.Config{})
	require.NoError(t, err)
	return p
}

func compileWith(t *testing.T, cfg plan.Config, stages ...domain.Stage) *plan.ExecutionPlan {
	t.Helper()
	p, err := plan.Compile(stages, cfg)
	require.NoError(t, err)
	return p
}

func slots(ids ...string) []domain.SlotID {
	out := make([]domain.SlotID, len(ids))
	for i, id := range ids {
		out[i] = domain.SlotID(id)
	}
	return out
}

func constStage(id string, slot string, v any, deps ...string) domain.Stage {
	return domain.Stage{
		ID:        domain.StageID(id),
		Provides:  slots(slot),
		DependsOn: slots(deps...),
		Run: func(context.Context, domain.StageContext) (domain.Slots, error) {
			return domain.Slots{domain.SlotID(slot): v}, nil
		},
	}
}

// recorder collects observer events.
type recorder struct {
	mu     sync.Mutex
	before []domain.StageEvent
	after  []domain.StageEvent
	runs   []domain.PipelineEvent
}

func (r *recorder) BeforeStage(_ context.Context, ev domain.StageEvent) {
	r.mu.Lock()
	r.before = append(r.before, ev)
	r.mu.Unlock()
}

func (r *recorder) AfterStage(_ context.Context, ev domain.StageEvent) {
	r.mu.Lock()
	r.after = append(r.after, ev)
	r.mu.Unlock()
}

func (r *recorder) AfterPipeline(_ context.Context, ev domain.PipelineEvent) {
	r.mu.Lock()
	r.runs = append(r.runs, ev)
	r.mu.Unlock()
}
