package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/polisai/stageflow/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// diamond: root -> {left, right} -> join
func diamond(left, right domain.RunFunc) []domain.Stage {
	return []domain.Stage{
		constStage("root", "r", 1),
		{ID: "left", Provides: slots("l"), DependsOn: slots("r"), Run: left},
		{ID: "right", Provides: slots("rt"), DependsOn: slots("r"), Run: right},
		{ID: "join", Provides: slots("j"), DependsOn: slots("l", "rt"), Run: func(_ context.Context, sc domain.StageContext) (domain.Slots, error) {
			l, _ := sc.Slots.Get("l")
			rt, _ := sc.Slots.Get("rt")
			return domain.Slots{"j": l.(int) + rt.(int)}, nil
		}},
	}
}

func TestParallelLevelRunsConcurrently(t *testing.T) {
	arrived := make(chan struct{}, 2)
	meet := func(v int) domain.RunFunc {
		return func(ctx context.Context, _ domain.StageContext) (domain.Slots, error) {
			arrived <- struct{}{}
			deadline := time.After(2 * time.Second)
			for len(arrived) < 2 {
				select {
				case <-deadline:
					return nil, errors.New("sibling never started")
				case <-time.After(time.Millisecond):
				}
			}
			if v == 10 {
				return domain.Slots{"l": v}, nil
			}
			return domain.Slots{"rt": v}, nil
		}
	}
	p := compile(t, diamond(meet(10), meet(20))...)

	res := New(Options{Logger: quietLogger(), AllowParallel: true, MaxConcurrency: 2}).Execute(context.Background(), p, nil)

	require.True(t, res.OK, "%v", res.Err())
	assert.Equal(t, 31, res.Slots["j"])
	assert.Equal(t, []domain.StageID{"root", "left", "right", "join"}, res.Executed)
}

func TestParallelRespectsConcurrencyCap(t *testing.T) {
	var running, peak atomic.Int32
	stages := []domain.Stage{}
	for i := 0; i < 6; i++ {
		slot := fmt.Sprintf("s%d", i)
		stages = append(stages, domain.Stage{ID: domain.StageID("w" + slot), Provides: slots(slot), Run: func(context.Context, domain.StageContext) (domain.Slots, error) {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return domain.Slots{domain.SlotID(slot): true}, nil
		}})
	}
	p := compile(t, stages...)

	res := New(Options{Logger: quietLogger(), AllowParallel: true, MaxConcurrency: 2}).Execute(context.Background(), p, nil)
	require.True(t, res.OK)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Len(t, res.Executed, 6)
}

func TestParallelHaltSettlesInIndexOrder(t *testing.T) {
	p := compile(t, diamond(
		func(context.Context, domain.StageContext) (domain.Slots, error) { return nil, errors.New("left broke") },
		func(context.Context, domain.StageContext) (domain.Slots, error) { return domain.Slots{"rt": 2}, nil },
	)...)

	res := New(Options{Logger: quietLogger(), AllowParallel: true}).Execute(context.Background(), p, nil)

	require.NotNil(t, res.Failure)
	assert.Equal(t, domain.StageID("left"), res.Failure.StageID)
	assert.Equal(t, []domain.StageID{"root"}, res.Executed)
	assert.NotContains(t, res.Slots, domain.SlotID("rt"), "later batch members are not merged")
	assert.Equal(t, domain.StateAborted, res.States["left"])
	assert.Equal(t, domain.StateDiscarded, res.States["right"])
	assert.Equal(t, domain.StatePending, res.States["join"])
	for id, st := range res.States {
		if st == domain.StateSucceeded || st == domain.StateRecovered {
			assert.Contains(t, res.Executed, id, "stage %s reported merged", id)
		}
	}
}

func TestParallelMatchesSequential(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 10).Draw(t, "n")
		stages := make([]domain.Stage, n)
		for i := 0; i < n; i++ {
			var deps []domain.SlotID
			for j := 0; j < i; j++ {
				if rapid.Bool().Draw(t, fmt.Sprintf("edge_%d_%d", j, i)) {
					deps = append(deps, domain.SlotID(fmt.Sprintf("s%d", j)))
				}
			}
			own := domain.SlotID(fmt.Sprintf("s%d", i))
			weight := i + 1
			stages[i] = domain.Stage{
				ID:        domain.StageID(fmt.Sprintf("st%02d", i)),
				Provides:  []domain.SlotID{own},
				DependsOn: deps,
				Run: func(_ context.Context, sc domain.StageContext) (domain.Slots, error) {
					total := weight
					for _, d := range deps {
						v, ok := sc.Slots.Get(d)
						if !ok {
							return nil, fmt.Errorf("dependency %s not visible", d)
						}
						total += v.(int)
					}
					return domain.Slots{own: total}, nil
				},
			}
		}
		p, err := compilePlan(stages)
		if err != nil {
			t.Fatalf("compile: %v", err)
		}

		seq := New(Options{Logger: quietLogger()}).Execute(context.Background(), p, nil)
		par := New(Options{Logger: quietLogger(), AllowParallel: true, MaxConcurrency: rapid.IntRange(1, 4).Draw(t, "cap")}).
			Execute(context.Background(), p, nil)

		if !seq.OK || !par.OK {
			t.Fatalf("runs failed: %v / %v", seq.Err(), par.Err())
		}
		if fmt.Sprint(seq.Slots) != fmt.Sprint(par.Slots) {
			t.Fatalf("slots differ: %v vs %v", seq.Slots, par.Slots)
		}
	})
}
