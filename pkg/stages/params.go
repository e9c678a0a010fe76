package stages

import (
	"fmt"
	"math"
	"time"
)

// number keeps integer arithmetic exact until a float shows up.
type number struct {
	i       int64
	f       float64
	isFloat bool
}

func (n number) add(o number) number {
	if !n.isFloat && !o.isFloat {
		return number{i: n.i + o.i}
	}
	return number{f: n.float() + o.float(), isFloat: true}
}

func (n number) float() float64 {
	if n.isFloat {
		return n.f
	}
	return float64(n.i)
}

func (n number) value() any {
	if n.isFloat {
		return n.f
	}
	return int(n.i)
}

//nolint:gocyclo // Type-switch branches enumerate supported numeric types.
func toNumber(v any) (number, bool) {
	switch x := v.(type) {
	case int:
		return number{i: int64(x)}, true
	case int8:
		return number{i: int64(x)}, true
	case int16:
		return number{i: int64(x)}, true
	case int32:
		return number{i: int64(x)}, true
	case int64:
		return number{i: x}, true
	case uint:
		return number{i: int64(x)}, true
	case uint8:
		return number{i: int64(x)}, true
	case uint16:
		return number{i: int64(x)}, true
	case uint32:
		return number{i: int64(x)}, true
	case float32:
		return fromFloat(float64(x)), true
	case float64:
		return fromFloat(x), true
	default:
		return number{}, false
	}
}

// fromFloat folds whole floats back to integers so JSON input sums like
// YAML input.
func fromFloat(f float64) number {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return number{i: int64(f)}
	}
	return number{f: f, isFloat: true}
}

func stringParam(params map[string]any, key, fallback string) (string, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("params.%s must be a string, got %T", key, raw)
	}
	return s, nil
}

func durationParam(params map[string]any, key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	switch v := raw.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("params.%s: %w", key, err)
		}
		if d < 0 {
			return 0, fmt.Errorf("params.%s must not be negative", key)
		}
		return d, nil
	default:
		n, ok := toNumber(raw)
		if !ok || n.float() < 0 {
			return 0, fmt.Errorf("params.%s must be a duration string or milliseconds", key)
		}
		return time.Duration(n.float() * float64(time.Millisecond)), nil
	}
}
