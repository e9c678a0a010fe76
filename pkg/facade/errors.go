package facade

import (
	"errors"
	"fmt"

	"github.com/polisai/stageflow/pkg/policy"
)

var (
	// ErrUnknownCommand is returned for command types the dispatcher does not handle.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrUnknownPipeline is returned when no plan or definition exists for a name.
	ErrUnknownPipeline = errors.New("unknown pipeline")
	// ErrUnauthorized is returned when the policy blocks a command.
	ErrUnauthorized = errors.New("command not authorized")
	// ErrRateLimited is returned when a pipeline's rate limit is exhausted.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrReplayVersionMismatch is returned when a record was captured against
	// a different plan version than the one currently registered.
	ErrReplayVersionMismatch = errors.New("replay plan version mismatch")
)

// DeniedError carries the blocking policy decision.
type DeniedError struct {
	Decision policy.Decision
}

func (e *DeniedError) Error() string {
	if e.Decision.Reason == "" {
		return ErrUnauthorized.Error()
	}
	return fmt.Sprintf("%s: %s", ErrUnauthorized, e.Decision.Reason)
}

func (e *DeniedError) Unwrap() error { return ErrUnauthorized }

// VersionMismatchError names both versions of a refused replay.
type VersionMismatchError struct {
	RecordID string
	Recorded string
	Current  string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("%s: record %s was captured on %s, current plan is %s",
		ErrReplayVersionMismatch, e.RecordID, e.Recorded, e.Current)
}

func (e *VersionMismatchError) Unwrap() error { return ErrReplayVersionMismatch }
