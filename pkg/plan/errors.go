package plan

import (
	"errors"
	"fmt"
	"strings"

	"github.com/polisai/stageflow/pkg/domain"
)

// ErrorKind classifies compile failures.
type ErrorKind string

// Compile failure kinds.
const (
	KindNoPlugins          ErrorKind = "NO_PLUGINS"
	KindDuplicateProviders ErrorKind = "DUPLICATE_PROVIDERS"
	KindUnknownSlot        ErrorKind = "UNKNOWN_SLOT"
	KindCircularDependency ErrorKind = "CIRCULAR_DEPENDENCY"
	KindInvalidPlugin      ErrorKind = "INVALID_PLUGIN"
	KindInvalidConfig      ErrorKind = "INVALID_CONFIG"
)

// Sentinels matched by PlanError.Is.
var (
	ErrNoPlugins          = errors.New("no stages")
	ErrDuplicateProviders = errors.New("duplicate providers")
	ErrUnknownSlot        = errors.New("unknown slot")
	ErrCircularDependency = errors.New("circular dependency")
	ErrInvalidPlugin      = errors.New("invalid stage")
	ErrInvalidConfig      = errors.New("invalid config")
)

var kindSentinels = map[ErrorKind]error{
	KindNoPlugins:          ErrNoPlugins,
	KindDuplicateProviders: ErrDuplicateProviders,
	KindUnknownSlot:        ErrUnknownSlot,
	KindCircularDependency: ErrCircularDependency,
	KindInvalidPlugin:      ErrInvalidPlugin,
	KindInvalidConfig:      ErrInvalidConfig,
}

// PlanError reports why a stage set could not be compiled. Only the fields
// relevant to Kind are set.
//
//nolint:revive // plan.PlanError reads better at call sites than plan.Error
type PlanError struct {
	Kind    ErrorKind
	Message string

	// StageID is the offending stage, if one can be named.
	StageID domain.StageID
	// StageIDs lists every stage involved, sorted.
	StageIDs []domain.StageID
	// Slot is the offending slot. Slots lists all of them when there are
	// several.
	Slot  domain.SlotID
	Slots []domain.SlotID
	// Path is a closed cycle (first id repeated last).
	Path []domain.StageID
	// Provides holds the provides lists of colliding stages.
	Provides [][]domain.SlotID

	// Limit, Max and Actual describe a violated structural bound.
	Limit  string
	Max    int
	Actual int
}

func (e *PlanError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "plan: %s", e.Kind)
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Path) > 0 {
		parts := make([]string, len(e.Path))
		for i, id := range e.Path {
			parts[i] = string(id)
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, " -> "))
	}
	return b.String()
}

// Is matches the sentinel for the error kind.
func (e *PlanError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func planErrorf(kind ErrorKind, format string, args ...any) *PlanError {
	return &PlanError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
