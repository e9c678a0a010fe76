package policy

import (
	"context"
	"fmt"
	"strings"
)

// Mode indicates whether evaluation errors allow or block the command.
type Mode string

const (
	// ModeFailClosed blocks commands when the policy cannot be evaluated.
	ModeFailClosed Mode = "fail-closed"
	// ModeFailOpen allows commands when the policy cannot be evaluated.
	ModeFailOpen Mode = "fail-open"
)

// ParseMode normalises a posture string. Empty selects fail-closed.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeFailClosed:
		return ModeFailClosed, nil
	case ModeFailOpen:
		return ModeFailOpen, nil
	default:
		return "", fmt.Errorf("policy: unknown failure posture %q", raw)
	}
}

// Postured applies a failure posture to an inner filter.
type Postured struct {
	Filter Filter
	Mode   Mode
}

// Evaluate converts evaluation errors into a decision according to Mode.
func (p Postured) Evaluate(ctx context.Context, input Input) (Decision, error) {
	decision, err := p.Filter.Evaluate(ctx, input)
	if err == nil {
		return decision, nil
	}
	meta := map[string]string{"posture": string(p.Mode), "error": err.Error()}
	if p.Mode == ModeFailOpen {
		return Decision{Action: ActionAllow, Reason: "policy unavailable, failing open", Metadata: meta}, nil
	}
	return Decision{Action: ActionBlock, Reason: "policy unavailable", Metadata: meta}, nil
}
