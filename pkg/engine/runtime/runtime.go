// Package runtime is the stage authoring kit: typed builders whose outputs
// are fixed at compile time to the keys they declare, plus adapters that wrap
// a stage without changing its contract.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/polisai/stageflow/pkg/domain"
)

// Option adjusts a stage produced by one of the builders.
type Option func(*domain.Stage)

// WithID sets an explicit stage id.
func WithID(id domain.StageID) Option {
	return func(s *domain.Stage) { s.ID = id }
}

// DependsOn adds required slots.
func DependsOn(slots ...domain.SlotID) Option {
	return func(s *domain.Stage) { s.DependsOn = append(s.DependsOn, slots...) }
}

// OnError installs a recovery hook.
func OnError(fn domain.RecoverFunc) Option {
	return func(s *domain.Stage) { s.OnError = fn }
}

// Produce builds a stage that provides exactly one slot. The returned map can
// only ever hold out.
func Produce[T any](out domain.Key[T], fn func(ctx context.Context, sc domain.StageContext) (T, error), opts ...Option) domain.Stage {
	s := domain.Stage{
		Provides: []domain.SlotID{out.ID()},
		Run: func(ctx context.Context, sc domain.StageContext) (domain.Slots, error) {
			v, err := fn(ctx, sc)
			if err != nil {
				return nil, err
			}
			return domain.Slots{out.ID(): v}, nil
		},
	}
	return apply(s, opts)
}

// Produce2 builds a stage that provides exactly two slots.
func Produce2[A, B any](outA domain.Key[A], outB domain.Key[B], fn func(ctx context.Context, sc domain.StageContext) (A, B, error), opts ...Option) domain.Stage {
	s := domain.Stage{
		Provides: []domain.SlotID{outA.ID(), outB.ID()},
		Run: func(ctx context.Context, sc domain.StageContext) (domain.Slots, error) {
			a, b, err := fn(ctx, sc)
			if err != nil {
				return nil, err
			}
			return domain.Slots{outA.ID(): a, outB.ID(): b}, nil
		},
	}
	return apply(s, opts)
}

// RecoverWith builds a recovery hook for a single-slot stage. Returning
// false halts the pipeline.
func RecoverWith[T any](out domain.Key[T], fn func(ctx context.Context, failure *domain.StageError, sc domain.StageContext) (T, bool)) domain.RecoverFunc {
	return func(ctx context.Context, failure *domain.StageError, sc domain.StageContext) (domain.Slots, bool) {
		v, ok := fn(ctx, failure, sc)
		if !ok {
			return nil, false
		}
		return domain.Slots{out.ID(): v}, true
	}
}

// Default recovers a single-slot stage with a fixed value.
func Default[T any](out domain.Key[T], value T) domain.RecoverFunc {
	return RecoverWith(out, func(context.Context, *domain.StageError, domain.StageContext) (T, bool) {
		return value, true
	})
}

// Fail returns an error that the engine reports with the given reason
// instead of EXECUTION_ERROR.
func Fail(kind domain.ReasonKind, format string, args ...any) error {
	return domain.NewStageError(kind, fmt.Errorf(format, args...))
}

// Need reads a required slot, failing with MISSING_DEPENDENCY when it is
// absent or has the wrong type.
func Need[T any](sc domain.StageContext, key domain.Key[T]) (T, error) {
	v, ok := key.From(sc.Slots)
	if !ok {
		var zero T
		return zero, Fail(domain.ReasonMissingDependency, "slot %q missing or not %T", key.ID(), zero)
	}
	return v, nil
}

// WithTimeout bounds a single stage. The engine's overall budget is
// cooperative; this adapter gives the stage a context deadline and reports
// TIMEOUT when the stage does not return in time. A stage that ignores its
// context keeps running in the background and its result is discarded.
func WithTimeout(s domain.Stage, timeout time.Duration) domain.Stage {
	inner := s.Run
	s.Provides = append([]domain.SlotID(nil), s.Provides...)
	s.DependsOn = append([]domain.SlotID(nil), s.DependsOn...)
	s.Run = func(ctx context.Context, sc domain.StageContext) (domain.Slots, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		type result struct {
			out domain.Slots
			err error
		}
		done := make(chan result, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- result{err: Fail(domain.ReasonIsolationError, "panic: %v", r)}
				}
			}()
			out, err := inner(ctx, sc)
			done <- result{out: out, err: err}
		}()

		select {
		case r := <-done:
			return r.out, r.err
		case <-ctx.Done():
			return nil, Fail(domain.ReasonTimeout, "stage exceeded %s", timeout)
		}
	}
	return s
}

func apply(s domain.Stage, opts []Option) domain.Stage {
	for _, opt := range opts {
		opt(&s)
	}
	return s
}
