package governance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/stageflow/pkg/domain"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)}
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

func succeeded() domain.PipelineResult {
	return domain.PipelineResult{OK: true, Outcome: domain.OutcomeSucceeded}
}

func failed(kind domain.FailureKind, reason domain.ReasonKind) domain.PipelineResult {
	res := domain.PipelineResult{Outcome: domain.OutcomeFailed, Failure: &domain.PipelineFailure{Kind: kind, StageID: "A"}}
	if reason != "" {
		res.Failure.Reason = &domain.StageError{Kind: reason, StageID: "A"}
	}
	if kind == domain.FailureCancelled {
		res.Outcome = domain.OutcomeCancelled
	}
	if kind == domain.FailureExecutionTimeout {
		res.Outcome = domain.OutcomeTimedOut
	}
	return res
}

func TestGuardTripsOnFailureRate(t *testing.T) {
	clock := newManualClock()
	g := NewGuard(GuardConfig{MinRuns: 4, FailureThreshold: 0.5, Cooldown: time.Minute, Clock: clock})

	assert.False(t, g.Observe(succeeded()))
	assert.False(t, g.Observe(failed(domain.FailureStageFailed, domain.ReasonExecutionError)))
	assert.False(t, g.Observe(succeeded()))
	assert.False(t, g.ShouldRollback())

	// Fourth run reaches MinRuns with a 50% failure rate.
	assert.True(t, g.Observe(failed(domain.FailureExecutionTimeout, "")))
	assert.True(t, g.ShouldRollback())
	assert.Equal(t, StateTripped, g.State())

	stats := g.Stats()
	assert.Equal(t, 1, stats.Trips)
	assert.Equal(t, 4, stats.Runs)
	assert.Equal(t, 2, stats.Failures)
	assert.Equal(t, 1, stats.ByKind["STAGE_FAILED"])
	assert.Equal(t, 1, stats.ByKind["EXECUTION_TIMEOUT"])
	assert.NotEmpty(t, stats.TrippedUntil)
}

func TestGuardCooldownRearms(t *testing.T) {
	clock := newManualClock()
	g := NewGuard(GuardConfig{MinRuns: 1, FailureThreshold: 1, Cooldown: time.Minute, Clock: clock})

	require.True(t, g.Observe(failed(domain.FailureStageFailed, domain.ReasonExecutionError)))
	// Observations while tripped are ignored.
	assert.False(t, g.Observe(failed(domain.FailureStageFailed, domain.ReasonExecutionError)))

	clock.Advance(59 * time.Second)
	assert.True(t, g.ShouldRollback())

	clock.Advance(time.Second)
	assert.False(t, g.ShouldRollback())
	assert.Equal(t, StateArmed, g.State())

	// The window was cleared, so one success keeps the guard armed.
	assert.False(t, g.Observe(succeeded()))
	assert.Equal(t, 0.0, g.Stats().FailureRate)
}

func TestGuardIgnoresCancelledRuns(t *testing.T) {
	g := NewGuard(GuardConfig{MinRuns: 1, FailureThreshold: 0.1, Clock: newManualClock()})
	for range 10 {
		assert.False(t, g.Observe(failed(domain.FailureCancelled, domain.ReasonCancelled)))
	}
	assert.Equal(t, 0, g.Stats().Runs)
	assert.False(t, g.ShouldRollback())
}

func TestGuardCountsOnlyConfiguredKinds(t *testing.T) {
	g := NewGuard(GuardConfig{
		MinRuns:          2,
		FailureThreshold: 0.5,
		Kinds:            []domain.FailureKind{domain.FailureExecutionTimeout},
		Clock:            newManualClock(),
	})

	assert.False(t, g.Observe(failed(domain.FailureStageFailed, domain.ReasonExecutionError)))
	assert.False(t, g.Observe(failed(domain.FailureStageFailed, domain.ReasonExecutionError)))
	stats := g.Stats()
	assert.Equal(t, 0, stats.Failures)
	assert.Equal(t, 2, stats.ByKind["STAGE_FAILED"])

	assert.True(t, g.Observe(failed(domain.FailureExecutionTimeout, "")))
}

func TestGuardWindowExpiresOldRuns(t *testing.T) {
	clock := newManualClock()
	g := NewGuard(GuardConfig{Window: 10 * time.Second, BucketCount: 10, MinRuns: 3, FailureThreshold: 0.5, Clock: clock})

	g.Observe(failed(domain.FailureStageFailed, domain.ReasonExecutionError))
	g.Observe(failed(domain.FailureStageFailed, domain.ReasonExecutionError))
	clock.Advance(30 * time.Second)

	// The earlier failures fell out of the window.
	assert.False(t, g.Observe(succeeded()))
	assert.False(t, g.Observe(succeeded()))
	assert.False(t, g.Observe(succeeded()))
	assert.Equal(t, 3, g.Stats().WindowRuns)
}

func TestGuardDoesNotModifyResult(t *testing.T) {
	g := NewGuard(GuardConfig{MinRuns: 1, FailureThreshold: 1, Clock: newManualClock()})
	res := failed(domain.FailureStageFailed, domain.ReasonExecutionError)
	before := *res.Failure
	beforeReason := *res.Failure.Reason

	g.Observe(res)
	assert.Equal(t, before.Kind, res.Failure.Kind)
	assert.Equal(t, beforeReason, *res.Failure.Reason)
	assert.Equal(t, domain.OutcomeFailed, res.Outcome)
}

func TestGuardReset(t *testing.T) {
	g := NewGuard(GuardConfig{MinRuns: 1, FailureThreshold: 1, Clock: newManualClock()})
	require.True(t, g.Observe(failed(domain.FailureStageFailed, domain.ReasonExecutionError)))

	g.Reset()
	assert.False(t, g.ShouldRollback())
	assert.Equal(t, 0, g.Stats().Runs)
	assert.Empty(t, g.Stats().ByKind)
}

func TestGuards(t *testing.T) {
	m := NewGuards(GuardConfig{MinRuns: 1, FailureThreshold: 1, Clock: newManualClock()})
	a := m.Get("checkout")
	assert.Same(t, a, m.Get("checkout"))

	a.Observe(failed(domain.FailureStageFailed, domain.ReasonExecutionError))
	assert.True(t, m.Get("checkout").ShouldRollback())
	assert.False(t, m.Get("search").ShouldRollback())
	assert.Equal(t, []string{"checkout", "search"}, m.Names())
	assert.Equal(t, "tripped", m.Stats()["checkout"].State)

	m.ResetAll()
	assert.False(t, a.ShouldRollback())
}

func TestRateLimiter(t *testing.T) {
	clock := newManualClock()
	rl := NewRateLimiter(map[string]RateLimiterConfig{"checkout": {RequestsPerSecond: 2, BurstSize: 2}}, clock)

	assert.True(t, rl.Allow("checkout"))
	assert.True(t, rl.Allow("checkout"))
	assert.False(t, rl.Allow("checkout"))
	assert.True(t, rl.Allow("unlimited"))

	clock.Advance(500 * time.Millisecond)
	assert.True(t, rl.Allow("checkout"))
	assert.False(t, rl.Allow("checkout"))

	stats := rl.Stats()["checkout"]
	assert.Equal(t, 2, stats.Limit)
	assert.Equal(t, 2, stats.BurstSize)
	assert.InDelta(t, 0.0, stats.Available, 0.001)
}

func TestRateLimiterConfigure(t *testing.T) {
	clock := newManualClock()
	rl := NewRateLimiter(map[string]RateLimiterConfig{"a": {RequestsPerSecond: 1, BurstSize: 1}}, clock)
	require.True(t, rl.Allow("a"))
	require.False(t, rl.Allow("a"))

	rl.Configure(map[string]RateLimiterConfig{"a": {RequestsPerSecond: 1, BurstSize: 3}})
	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	rl.Configure(nil)
	assert.True(t, rl.Allow("a"))
}

func TestRateLimiterAllowContext(t *testing.T) {
	rl := NewRateLimiter(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	assert.True(t, rl.AllowContext(ctx, "a"))
	cancel()
	assert.False(t, rl.AllowContext(ctx, "a"))
}

func TestRetryPolicyShouldRetry(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 2})

	tests := []struct {
		name    string
		res     domain.PipelineResult
		attempt int
		want    bool
	}{
		{"success", succeeded(), 0, false},
		{"budget exceeded", failed(domain.FailureExecutionTimeout, ""), 0, true},
		{"stage timeout", failed(domain.FailureStageFailed, domain.ReasonTimeout), 1, true},
		{"stage error", failed(domain.FailureStageFailed, domain.ReasonExecutionError), 0, false},
		{"cancelled", failed(domain.FailureCancelled, domain.ReasonCancelled), 0, false},
		{"invalid plan", failed(domain.FailureInvalidExecutionPlan, domain.ReasonInvalidPlugin), 0, false},
		{"attempts exhausted", failed(domain.FailureExecutionTimeout, ""), 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rp.ShouldRetry(tt.res, tt.attempt))
		})
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, BackoffMultiplier: 2})
	assert.Equal(t, 100*time.Millisecond, rp.CalculateBackoff(0))
	assert.Equal(t, 400*time.Millisecond, rp.CalculateBackoff(2))
	assert.Equal(t, time.Second, rp.CalculateBackoff(10))

	jittered := NewRetryPolicy(RetryConfig{InitialBackoff: 100 * time.Millisecond, Jitter: true})
	for i := 0; i < 200; i++ {
		d := jittered.CalculateBackoff(0)
		require.GreaterOrEqual(t, d, 100*time.Millisecond)
		require.Less(t, d, 125*time.Millisecond)
	}
}

func TestRetryPolicyExecute(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 3})
	var slept []time.Duration
	rp.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	calls := 0
	res, attempts := rp.Execute(context.Background(), func(context.Context) domain.PipelineResult {
		calls++
		if calls < 3 {
			return failed(domain.FailureExecutionTimeout, "")
		}
		return succeeded()
	})

	assert.True(t, res.OK)
	assert.Equal(t, 3, attempts)
	assert.Len(t, slept, 2)
}

func TestRetryPolicyExecuteStopsOnCancel(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 5, InitialBackoff: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, attempts := rp.Execute(ctx, func(context.Context) domain.PipelineResult {
		return failed(domain.FailureExecutionTimeout, "")
	})
	assert.False(t, res.OK)
	assert.Equal(t, 1, attempts)
}
