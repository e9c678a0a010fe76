// Package storage captures pipeline runs for offline replay. A Record keeps
// the command, the initial slots and the result of one run together with the
// plan version it ran against, which replay treats as its compatibility key.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/stageflow/pkg/domain"
)

// ErrNotFound is returned when a requested record does not exist in the store.
var ErrNotFound = errors.New("replay record not found")

// Record is one captured run.
type Record struct {
	ID          string         `json:"id"`
	Command     string         `json:"command"`
	Pipeline    string         `json:"pipeline"`
	PlanVersion string         `json:"plan_version"`
	Principal   string         `json:"principal,omitempty"`
	Inputs      map[string]any `json:"inputs"`
	Result      Result         `json:"result"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Result is the serialisable part of a domain.PipelineResult.
type Result struct {
	OK             bool              `json:"ok" yaml:"ok"`
	Outcome        string            `json:"outcome" yaml:"outcome"`
	Slots          map[string]any    `json:"slots" yaml:"slots"`
	ExecutionOrder []string          `json:"execution_order" yaml:"execution_order"`
	Executed       []string          `json:"executed" yaml:"executed"`
	States         map[string]string `json:"states" yaml:"states"`
	Failure        *Failure          `json:"failure,omitempty" yaml:"failure,omitempty"`
	DurationMS     int64             `json:"duration_ms" yaml:"duration_ms"`
}

// Failure is the serialisable part of a domain.PipelineFailure. Causes are
// kept as text.
type Failure struct {
	Kind     string   `json:"kind" yaml:"kind"`
	StageID  string   `json:"stage_id,omitempty" yaml:"stage_id,omitempty"`
	Reason   string   `json:"reason,omitempty" yaml:"reason,omitempty"`
	Slots    []string `json:"slots,omitempty" yaml:"slots,omitempty"`
	Cause    string   `json:"cause,omitempty" yaml:"cause,omitempty"`
	Fallback string   `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// Capture converts a run result into its stored form.
func Capture(res domain.PipelineResult) Result {
	out := Result{
		OK:             res.OK,
		Outcome:        string(res.Outcome),
		Slots:          SlotsToMap(res.Slots),
		ExecutionOrder: stageIDs(res.ExecutionOrder),
		Executed:       stageIDs(res.Executed),
		States:         make(map[string]string, len(res.States)),
		DurationMS:     res.Duration.Milliseconds(),
	}
	for id, st := range res.States {
		out.States[string(id)] = string(st)
	}
	if f := res.Failure; f != nil {
		out.Failure = &Failure{Kind: string(f.Kind), StageID: string(f.StageID)}
		if f.Reason != nil {
			out.Failure.Reason = string(f.Reason.Kind)
			for _, s := range f.Reason.Slots {
				out.Failure.Slots = append(out.Failure.Slots, string(s))
			}
			if f.Reason.Cause != nil {
				out.Failure.Cause = f.Reason.Cause.Error()
			}
		}
		if f.Fallback != nil {
			out.Failure.Fallback = string(f.Fallback.Kind)
		}
	}
	return out
}

// SlotsToMap converts slots to a plain map keyed by slot name.
func SlotsToMap(s domain.Slots) map[string]any {
	out := make(map[string]any, len(s))
	for k, v := range s {
		out[string(k)] = v
	}
	return out
}

// MapToSlots is the inverse of SlotsToMap.
func MapToSlots(m map[string]any) domain.Slots {
	out := make(domain.Slots, len(m))
	for k, v := range m {
		out[domain.SlotID(k)] = v
	}
	return out
}

func stageIDs(ids []domain.StageID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

// ListOptions filters List results.
type ListOptions struct {
	Pipeline string
	// Limit caps the number of records, 0 means no cap.
	Limit int
}

// ReplayStore persists captured runs. List returns newest records first.
type ReplayStore interface {
	Save(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, opts ListOptions) ([]*Record, error)
	Close() error
}

// Prepare assigns an id and creation time when missing. Creation times are
// kept in UTC.
func Prepare(rec *Record, now time.Time) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
}

// Normalize round-trips v through JSON so values compare the same way they
// will after a store reload.
func Normalize(v map[string]any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode slots: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode slots: %w", err)
	}
	return out, nil
}
