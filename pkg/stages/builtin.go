package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/polisai/stageflow/pkg/domain"
	"github.com/polisai/stageflow/pkg/engine/runtime"
)

var builtins = map[string]Factory{
	"const":  constKind,
	"sum":    sumKind,
	"concat": concatKind,
	"copy":   copyKind,
	"fail":   failKind,
	"sleep":  sleepKind,
}

// constKind emits params.values, or params.value into a single slot.
func constKind(def Definition) (domain.RunFunc, error) {
	values := make(domain.Slots)
	if raw, ok := def.Params["values"]; ok {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, errors.New("params.values must be a map")
		}
		for k, v := range m {
			values[domain.SlotID(k)] = v
		}
	} else if v, ok := def.Params["value"]; ok {
		if len(def.Provides) != 1 {
			return nil, errors.New("params.value needs exactly one provided slot")
		}
		values[domain.SlotID(def.Provides[0])] = v
	} else {
		return nil, errors.New("params.value or params.values is required")
	}

	declared := make(map[string]bool, len(def.Provides))
	for _, p := range def.Provides {
		declared[p] = true
	}
	for k := range values {
		if !declared[string(k)] {
			return nil, fmt.Errorf("value %q is not a provided slot", k)
		}
	}

	return func(context.Context, domain.StageContext) (domain.Slots, error) {
		return values.Clone(), nil
	}, nil
}

// sumKind adds its numeric dependencies. The result is an int when every
// input is integral, otherwise a float64.
func sumKind(def Definition) (domain.RunFunc, error) {
	out, err := single(def)
	if err != nil {
		return nil, err
	}
	deps := toSlots(def.DependsOn)
	var base number
	if raw, ok := def.Params["add"]; ok {
		if base, ok = toNumber(raw); !ok {
			return nil, fmt.Errorf("params.add must be a number, got %T", raw)
		}
	}

	return func(_ context.Context, sc domain.StageContext) (domain.Slots, error) {
		total := base
		for _, slot := range deps {
			v, _ := sc.Slots.Get(slot)
			n, ok := toNumber(v)
			if !ok {
				return nil, fmt.Errorf("slot %s holds %T, not a number", slot, v)
			}
			total = total.add(n)
		}
		return domain.Slots{out: total.value()}, nil
	}, nil
}

// concatKind joins the text form of its dependencies with params.separator.
func concatKind(def Definition) (domain.RunFunc, error) {
	out, err := single(def)
	if err != nil {
		return nil, err
	}
	sep, err := stringParam(def.Params, "separator", "")
	if err != nil {
		return nil, err
	}
	deps := toSlots(def.DependsOn)

	return func(_ context.Context, sc domain.StageContext) (domain.Slots, error) {
		parts := make([]string, 0, len(deps))
		for _, slot := range deps {
			v, _ := sc.Slots.Get(slot)
			parts = append(parts, fmt.Sprint(v))
		}
		return domain.Slots{out: strings.Join(parts, sep)}, nil
	}, nil
}

// copyKind forwards DependsOn[i] to Provides[i].
func copyKind(def Definition) (domain.RunFunc, error) {
	if len(def.Provides) != len(def.DependsOn) {
		return nil, errors.New("copy needs one dependency per provided slot")
	}
	from := toSlots(def.DependsOn)
	to := toSlots(def.Provides)

	return func(_ context.Context, sc domain.StageContext) (domain.Slots, error) {
		out := make(domain.Slots, len(to))
		for i := range from {
			v, _ := sc.Slots.Get(from[i])
			out[to[i]] = v
		}
		return out, nil
	}, nil
}

// failKind always fails, with params.reason when set.
func failKind(def Definition) (domain.RunFunc, error) {
	msg, err := stringParam(def.Params, "message", "stage failed")
	if err != nil {
		return nil, err
	}
	rawReason, err := stringParam(def.Params, "reason", "")
	if err != nil {
		return nil, err
	}
	reason := domain.ReasonKind(strings.ToUpper(rawReason))
	if rawReason != "" && !reason.Valid() {
		return nil, fmt.Errorf("unknown reason %q", rawReason)
	}

	return func(context.Context, domain.StageContext) (domain.Slots, error) {
		if reason == "" {
			return nil, errors.New(msg)
		}
		return nil, runtime.Fail(reason, "%s", msg)
	}, nil
}

// sleepKind waits params.duration, then writes params.value (default true)
// to every provided slot. It returns early on cancellation.
func sleepKind(def Definition) (domain.RunFunc, error) {
	d, err := durationParam(def.Params, "duration", 0)
	if err != nil {
		return nil, err
	}
	value, ok := def.Params["value"]
	if !ok {
		value = true
	}
	to := toSlots(def.Provides)

	return func(ctx context.Context, sc domain.StageContext) (domain.Slots, error) {
		timer := time.NewTimer(d)
		defer timer.Stop()

		var aborted <-chan struct{}
		if sc.Cancellation != nil {
			aborted = sc.Cancellation.Done()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-aborted:
			return nil, runtime.Fail(domain.ReasonCancelled, "aborted while sleeping")
		case <-timer.C:
		}

		out := make(domain.Slots, len(to))
		for _, slot := range to {
			out[slot] = value
		}
		return out, nil
	}, nil
}

func single(def Definition) (domain.SlotID, error) {
	if len(def.Provides) != 1 {
		return "", fmt.Errorf("%s needs exactly one provided slot, got %d", def.Kind, len(def.Provides))
	}
	return domain.SlotID(def.Provides[0]), nil
}
