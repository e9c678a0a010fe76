package governance

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/polisai/stageflow/pkg/domain"
)

// RetryConfig defines how a dispatcher re-runs failed pipelines. The engine
// itself never retries.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int
	// InitialBackoff is the initial delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff is the maximum delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier float64
	// Jitter adds up to 25% random delay to each backoff.
	Jitter bool
	// RetryableReasons lists the stage failure reasons worth retrying.
	// EXECUTION_TIMEOUT runs are retryable regardless.
	RetryableReasons []domain.ReasonKind
}

// DefaultRetryConfig returns sensible defaults for retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        0,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryableReasons:  []domain.ReasonKind{domain.ReasonTimeout},
	}
}

// RetryPolicy determines whether a finished run should be attempted again.
type RetryPolicy struct {
	config    RetryConfig
	retryable map[domain.ReasonKind]bool
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy creates a retry policy with the given configuration.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	defaults := DefaultRetryConfig()
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if config.RetryableReasons == nil {
		config.RetryableReasons = defaults.RetryableReasons
	}

	retryable := make(map[domain.ReasonKind]bool, len(config.RetryableReasons))
	for _, r := range config.RetryableReasons {
		retryable[r] = true
	}
	return &RetryPolicy{config: config, retryable: retryable, sleep: sleepContext}
}

// Config returns a copy of the current retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// ShouldRetry reports whether res warrants another attempt after attempt
// retries. Cancelled runs and invalid plans are never retried.
func (rp *RetryPolicy) ShouldRetry(res domain.PipelineResult, attempt int) bool {
	if res.OK || res.Failure == nil || attempt >= rp.config.MaxRetries {
		return false
	}
	switch res.Failure.Kind {
	case domain.FailureExecutionTimeout:
		return true
	case domain.FailureStageFailed:
		return res.Failure.Reason != nil && rp.retryable[res.Failure.Reason.Kind]
	default:
		return false
	}
}

// CalculateBackoff returns the delay before the next retry attempt.
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))
	if backoff > rp.config.MaxBackoff {
		backoff = rp.config.MaxBackoff
	}

	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int64N(int64(backoff / 4)))
	}
	return backoff
}

// Execute runs fn until it succeeds, ShouldRetry declines, or ctx ends. It
// returns the last result and the number of attempts made.
func (rp *RetryPolicy) Execute(ctx context.Context, fn func(context.Context) domain.PipelineResult) (domain.PipelineResult, int) {
	var res domain.PipelineResult
	for attempt := 0; ; attempt++ {
		res = fn(ctx)
		if !rp.ShouldRetry(res, attempt) {
			return res, attempt + 1
		}
		if err := rp.sleep(ctx, rp.CalculateBackoff(attempt)); err != nil {
			return res, attempt + 1
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
