package orchestrator

import (
	"context"

	"github.com/mpataki/foreman/internal/log"
	"github.com/mpataki/foreman/internal/models"
)

// Event is one of PhaseEntered, PhaseFinished, RunPaused, RunFailed or
// RunReady.
type Event interface {
	isOrchestratorEvent()
}

type PhaseEntered struct {
	RunID     string
	Phase     models.Phase
	Iteration int
}

type PhaseFinished struct {
	RunID  string
	Phase  models.Phase
	Result string
}

// RunPaused is published when a run blocks on a CRP.
type RunPaused struct {
	RunID  string
	CRPID  string
	Origin models.Phase
}

type RunFailed struct {
	RunID string
	Phase models.Phase
	Err   error
}

// RunReady is published when the gate passes.
type RunReady struct {
	RunID string
}

func (PhaseEntered) isOrchestratorEvent()  {}
func (PhaseFinished) isOrchestratorEvent() {}
func (RunPaused) isOrchestratorEvent()     {}
func (RunFailed) isOrchestratorEvent()     {}
func (RunReady) isOrchestratorEvent()      {}

// LogEvents writes orchestrator events to logger until ch closes or ctx is
// done.
func LogEvents(ctx context.Context, ch <-chan Event, logger *log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case PhaseEntered:
				logger.Info("phase entered", "run_id", e.RunID, "phase", string(e.Phase), "iteration", e.Iteration)
			case PhaseFinished:
				logger.Info("phase finished", "run_id", e.RunID, "phase", string(e.Phase), "result", e.Result)
			case RunPaused:
				logger.Info("run waiting for human", "run_id", e.RunID, "crp_id", e.CRPID, "origin", string(e.Origin))
			case RunFailed:
				logger.WithError(e.Err).Warn("run failed", "run_id", e.RunID, "phase", string(e.Phase))
			case RunReady:
				logger.Info("run ready for merge", "run_id", e.RunID)
			}
		}
	}
}
