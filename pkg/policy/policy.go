package policy

import (
	"context"
	"errors"
)

// Action defines the outcome of a policy evaluation.
type Action string

const (
	// ActionAllow permits the command to proceed.
	ActionAllow Action = "allow"
	// ActionBlock rejects the command.
	ActionBlock Action = "block"
)

// Decision captures the result of an evaluation.
type Decision struct {
	Action   Action
	Reason   string
	Metadata map[string]string
	Outputs  map[string]any
}

// Allowed reports whether the decision lets the command through.
func (d Decision) Allowed() bool { return d.Action == ActionAllow }

// Input describes the command being authorized.
type Input struct {
	Command     string
	Pipeline    string
	PlanVersion string
	Principal   string
	Attributes  map[string]any
	// Entrypoint overrides the engine's default decision path.
	Entrypoint   string
	DisableCache bool
}

// Filter evaluates a policy decision for a given input.
type Filter interface {
	Evaluate(ctx context.Context, input Input) (Decision, error)
}

// AllowAll is the filter used when no policy is configured.
type AllowAll struct{}

// Evaluate always allows.
func (AllowAll) Evaluate(context.Context, Input) (Decision, error) {
	return Decision{Action: ActionAllow, Metadata: map[string]string{}}, nil
}

// Chain composes multiple filters, short-circuiting on a block.
type Chain struct {
	filters []Filter
}

// NewChain constructs a filter chain.
func NewChain(filters ...Filter) Chain {
	return Chain{filters: append([]Filter(nil), filters...)}
}

// Evaluate executes the chain until a terminal decision is produced.
func (c Chain) Evaluate(ctx context.Context, input Input) (Decision, error) {
	for _, filter := range c.filters {
		decision, err := filter.Evaluate(ctx, input)
		if err != nil {
			return Decision{}, err
		}
		if decision.Metadata == nil {
			decision.Metadata = map[string]string{}
		}
		if decision.Outputs == nil {
			decision.Outputs = map[string]any{}
		}
		switch decision.Action {
		case ActionAllow:
			// continue evaluating subsequent filters
		case ActionBlock:
			return decision, nil
		default:
			return Decision{}, errors.New("unknown policy action")
		}
	}

	return Decision{Action: ActionAllow, Metadata: map[string]string{}}, nil
}
