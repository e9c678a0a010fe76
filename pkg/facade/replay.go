package facade

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"

	"github.com/polisai/stageflow/pkg/domain"
	"github.com/polisai/stageflow/pkg/storage"
)

// SlotDrift is one slot whose replayed value differs from the recording.
// A nil side means the slot was absent on that side.
type SlotDrift struct {
	Slot     string `json:"slot" yaml:"slot"`
	Recorded any    `json:"recorded" yaml:"recorded"`
	Replayed any    `json:"replayed" yaml:"replayed"`
}

// ReplayReport compares a replayed run with its recording.
type ReplayReport struct {
	RecordID        string
	PlanVersion     string
	RecordedOutcome string
	Outcome         string
	Drift           []SlotDrift
	Result          domain.PipelineResult
}

// Drifted reports whether the replay diverged from the recording.
func (r *ReplayReport) Drifted() bool {
	return len(r.Drift) > 0 || r.RecordedOutcome != r.Outcome
}

// Replay re-executes rec against the plan currently registered for its
// pipeline. A version mismatch is returned as *VersionMismatchError and the
// plan is not run.
func (d *Dispatcher) Replay(ctx context.Context, rec *storage.Record) (*ReplayReport, error) {
	p, err := d.registered("", rec.Pipeline)
	if err != nil {
		return nil, err
	}
	if p.Version() != rec.PlanVersion {
		return nil, &VersionMismatchError{RecordID: rec.ID, Recorded: rec.PlanVersion, Current: p.Version()}
	}

	res := d.opts.Executor.Execute(ctx, p, storage.MapToSlots(rec.Inputs))
	report := &ReplayReport{
		RecordID:        rec.ID,
		PlanVersion:     p.Version(),
		RecordedOutcome: rec.Result.Outcome,
		Outcome:         string(res.Outcome),
		Result:          res,
	}

	drift, err := compareSlots(rec.Result.Slots, storage.SlotsToMap(res.Slots))
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", rec.ID, err)
	}
	report.Drift = drift

	if report.Drifted() {
		d.logger.Warn("replay drift detected",
			slog.String("record_id", rec.ID),
			slog.String("plan_version", p.Version()),
			slog.Int("drifted_slots", len(drift)),
			slog.String("recorded_outcome", report.RecordedOutcome),
			slog.String("outcome", report.Outcome))
	}
	return report, nil
}

// ReplayByID loads a record from the configured store and replays it.
func (d *Dispatcher) ReplayByID(ctx context.Context, id string) (*ReplayReport, error) {
	if d.opts.Store == nil {
		return nil, fmt.Errorf("replay %s: %w", id, storage.ErrNotFound)
	}
	rec, err := d.opts.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return d.Replay(ctx, rec)
}

func compareSlots(recorded, replayed map[string]any) ([]SlotDrift, error) {
	a, err := storage.Normalize(recorded)
	if err != nil {
		return nil, err
	}
	b, err := storage.Normalize(replayed)
	if err != nil {
		return nil, err
	}

	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var drift []SlotDrift
	for _, k := range sorted {
		if !reflect.DeepEqual(a[k], b[k]) {
			drift = append(drift, SlotDrift{Slot: k, Recorded: a[k], Replayed: b[k]})
		}
	}
	return drift, nil
}
