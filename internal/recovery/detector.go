// Package recovery finds runs whose driver went away and brings them back
// under control.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/mpataki/foreman/internal/host"
	"github.com/mpataki/foreman/internal/models"
)

type Condition string

const (
	CrashedMidPhase      Condition = "crashed_mid_phase"
	StaleAttached        Condition = "stale_attached"
	CrashedAwaitingHuman Condition = "crashed_awaiting_human"
)

type Strategy string

const (
	StrategyRetryPhase      Strategy = "retry_phase"
	StrategyReattachAndWait Strategy = "reattach_and_wait"
	StrategyAwaitVCR        Strategy = "await_vcr"
)

// Record describes one interrupted run and what to do about it. History is
// the length of the run's history when it was classified.
type Record struct {
	RunID      string
	Phase      models.Phase
	Agent      string
	Iteration  int
	History    int
	Condition  Condition
	Strategy   Strategy
	Reason     string
	PendingCRP string
	UpdatedAt  time.Time
}

type RunLister interface {
	ListActiveRuns(ctx context.Context) ([]*models.RunState, error)
}

type Detector struct {
	runs       RunLister
	hosts      host.Provider
	staleAfter time.Duration
	now        func() time.Time
}

func NewDetector(runs RunLister, hosts host.Provider, staleAfter time.Duration) *Detector {
	return &Detector{
		runs:       runs,
		hosts:      hosts,
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// DetectInterruptedRuns classifies every run that is neither completed nor
// failed. Healthy runs and runs parked at ready_for_merge are left out.
func (d *Detector) DetectInterruptedRuns(ctx context.Context) ([]Record, error) {
	runs, err := d.runs.ListActiveRuns(ctx)
	if err != nil {
		return nil, err
	}

	var records []Record
	for _, run := range runs {
		if rec, ok := d.classify(run); ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (d *Detector) classify(run *models.RunState) (Record, bool) {
	rec := Record{
		RunID:     run.ID,
		Phase:     run.Phase,
		Iteration: run.Iteration,
		History:   len(run.History),
		UpdatedAt: run.UpdatedAt,
	}
	if run.Phase.IsTerminal() || run.Phase == models.PhaseReadyForMerge {
		return rec, false
	}

	h := d.hosts(run.ID)

	if run.Phase == models.PhaseWaitingHuman {
		if h.SessionExists() {
			return rec, false
		}
		rec.Condition = CrashedAwaitingHuman
		rec.Strategy = StrategyAwaitVCR
		rec.PendingCRP = run.PendingCRP()
		if run.Waiting != nil {
			rec.Agent = run.Waiting.Origin.Agent()
		}
		rec.Reason = fmt.Sprintf("session gone while CRP %s is pending", rec.PendingCRP)
		return rec, true
	}

	if !run.Phase.IsAgentPhase() {
		return rec, false
	}
	rec.Agent = run.Phase.Agent()

	if h.IsPaneActive(rec.Agent) {
		idle := d.now().Sub(run.UpdatedAt)
		if idle <= d.staleAfter {
			return rec, false
		}
		rec.Condition = StaleAttached
		rec.Strategy = StrategyReattachAndWait
		rec.Reason = fmt.Sprintf("%s still running, no progress for %s", rec.Agent, idle.Round(time.Second))
		return rec, true
	}

	rec.Condition = CrashedMidPhase
	rec.Strategy = StrategyRetryPhase
	rec.Reason = fmt.Sprintf("no live %s process", rec.Agent)
	return rec, true
}
