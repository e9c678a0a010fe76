package main

import (
	"github.com/polisai/stageflow/pkg/domain"
	"github.com/polisai/stageflow/pkg/facade"
	"github.com/polisai/stageflow/pkg/plan"
	"github.com/polisai/stageflow/pkg/storage"
)

type planView struct {
	Pipeline       string      `yaml:"pipeline" json:"pipeline"`
	Version        string      `yaml:"version" json:"version"`
	StructuralHash string      `yaml:"structural_hash" json:"structural_hash"`
	Depth          int         `yaml:"depth" json:"depth"`
	Edges          int         `yaml:"edges" json:"edges"`
	Order          []string    `yaml:"order" json:"order"`
	Levels         [][]string  `yaml:"levels" json:"levels"`
	Stages         []stageView `yaml:"stages" json:"stages"`
	Fallback       string      `yaml:"fallback,omitempty" json:"fallback,omitempty"`
}

type stageView struct {
	ID        string   `yaml:"id" json:"id"`
	Level     int      `yaml:"level" json:"level"`
	Provides  []string `yaml:"provides" json:"provides"`
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	After     []string `yaml:"after,omitempty" json:"after,omitempty"`
}

func describePlan(pipeline string, p *plan.ExecutionPlan) planView {
	view := planView{
		Pipeline:       pipeline,
		Version:        p.Version(),
		StructuralHash: p.StructuralHash(),
		Depth:          p.Depth(),
		Edges:          p.EdgeCount(),
		Order:          stageIDs(p.ExecutionOrder()),
	}
	for _, level := range p.Levels() {
		view.Levels = append(view.Levels, stageIDs(level))
	}
	for _, id := range p.ExecutionOrder() {
		st, _ := p.Stage(id)
		lvl, _ := p.Level(id)
		view.Stages = append(view.Stages, stageView{
			ID:        string(id),
			Level:     lvl,
			Provides:  slotIDs(st.Provides),
			DependsOn: slotIDs(st.DependsOn),
			After:     stageIDs(p.Dependencies(id)),
		})
	}
	if fb, ok := p.Fallback(); ok {
		view.Fallback = string(fb.ID)
	}
	return view
}

type responseView struct {
	Command    string          `yaml:"command" json:"command"`
	Pipeline   string          `yaml:"pipeline" json:"pipeline"`
	Flag       string          `yaml:"flag,omitempty" json:"flag,omitempty"`
	Candidate  string          `yaml:"candidate,omitempty" json:"candidate,omitempty"`
	RolledBack bool            `yaml:"rolled_back,omitempty" json:"rolled_back,omitempty"`
	Version    string          `yaml:"plan_version,omitempty" json:"plan_version,omitempty"`
	Decision   string          `yaml:"decision,omitempty" json:"decision,omitempty"`
	Attempts   int             `yaml:"attempts,omitempty" json:"attempts,omitempty"`
	RecordID   string          `yaml:"record_id,omitempty" json:"record_id,omitempty"`
	Tripped    bool            `yaml:"guard_tripped,omitempty" json:"guard_tripped,omitempty"`
	Result     *storage.Result `yaml:"result,omitempty" json:"result,omitempty"`
	Plan       *planView       `yaml:"plan,omitempty" json:"plan,omitempty"`
}

func describeResponse(resp *facade.Response) responseView {
	view := responseView{
		Command:    string(resp.Command),
		Pipeline:   resp.Pipeline,
		Flag:       resp.Selection.Flag,
		Candidate:  resp.Selection.Candidate,
		RolledBack: resp.Selection.RolledBack,
		Decision:   string(resp.Decision.Action),
		Attempts:   resp.Attempts,
		RecordID:   resp.RecordID,
		Tripped:    resp.GuardTripped,
	}
	if resp.Plan != nil {
		view.Version = resp.Plan.Version()
	}
	if resp.Result != nil {
		captured := storage.Capture(*resp.Result)
		view.Result = &captured
	} else if resp.Plan != nil {
		pv := describePlan(resp.Pipeline, resp.Plan)
		view.Plan = &pv
	}
	return view
}

type replayView struct {
	RecordID        string             `yaml:"record_id" json:"record_id"`
	PlanVersion     string             `yaml:"plan_version" json:"plan_version"`
	RecordedOutcome string             `yaml:"recorded_outcome" json:"recorded_outcome"`
	Outcome         string             `yaml:"outcome" json:"outcome"`
	Drifted         bool               `yaml:"drifted" json:"drifted"`
	Drift           []facade.SlotDrift `yaml:"drift,omitempty" json:"drift,omitempty"`
}

func describeReplay(r *facade.ReplayReport) replayView {
	return replayView{
		RecordID:        r.RecordID,
		PlanVersion:     r.PlanVersion,
		RecordedOutcome: r.RecordedOutcome,
		Outcome:         r.Outcome,
		Drifted:         r.Drifted(),
		Drift:           r.Drift,
	}
}

func stageIDs(ids []domain.StageID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func slotIDs(ids []domain.SlotID) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
