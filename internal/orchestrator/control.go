package orchestrator

import (
	"context"
	"time"

	"github.com/mpataki/foreman/internal/crp"
	"github.com/mpataki/foreman/internal/errors"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/retry"
)

// stopWait bounds how long StopRun waits for an in-process driver to exit.
const stopWait = 10 * time.Second

// ResumeRun re-enters the origin phase of a run whose CRP was answered and
// drives it with the recorded decision.
func (o *Orchestrator) ResumeRun(ctx context.Context, runID string) (*models.RunState, error) {
	if o.IsDriving(runID) {
		return nil, errors.Precondition("run %s is already being driven", runID)
	}
	run, err := o.storage.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if pending := run.PendingCRP(); pending != "" {
		return nil, errors.Precondition("run %s is waiting on CRP %s", run.ID, pending).
			WithSuggestion("run `foreman answer " + run.ID + "` to record a decision first")
	}
	if run.Resume == nil {
		return nil, errors.Precondition("run %s has no recorded decision to resume with", run.ID)
	}
	if !run.Phase.IsAgentPhase() {
		return nil, errors.Precondition("run %s cannot resume from phase %s", run.ID, run.Phase)
	}

	run.Record(run.Phase, models.ResultResumed, o.now())
	if err := o.storage.SaveRun(ctx, run); err != nil {
		return nil, err
	}
	o.logger.Info("resuming run", "run_id", run.ID, "phase", string(run.Phase), "decision", run.Resume.Decision)

	return o.Drive(ctx, run.ID)
}

// SubmitVCR answers the run's pending CRP. With resume the run is driven
// onward immediately; otherwise it is left in its origin phase.
func (o *Orchestrator) SubmitVCR(ctx context.Context, sub crp.Submission, resume bool) (*models.RunState, *models.VCR, error) {
	res, err := o.protocol.Submit(ctx, sub)
	if err != nil {
		return nil, nil, err
	}
	if !resume {
		return res.Run, res.VCR, nil
	}

	run, err := o.ResumeRun(ctx, sub.RunID)
	if err != nil {
		return res.Run, res.VCR, err
	}
	return run, res.VCR, nil
}

// RetryPhase re-enters the phase that failed, or the current phase of a
// run whose driver died, with fresh retry counters.
func (o *Orchestrator) RetryPhase(ctx context.Context, runID string) (*models.RunState, error) {
	if o.IsDriving(runID) {
		return nil, errors.Precondition("run %s is already being driven", runID)
	}
	run, err := o.storage.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	switch {
	case run.Phase == models.PhaseFailed:
		phase := run.LastFailedPhase()
		if phase == "" {
			return nil, errors.Precondition("run %s has no failed phase to retry", run.ID)
		}
		if run.Iteration > run.MaxIterations {
			return nil, errors.Precondition("run %s used all %d iterations", run.ID, run.MaxIterations).
				WithSuggestion("start a new run with a higher --max-iterations")
		}
		run.Phase = phase
	case run.Phase.IsAgentPhase():
	default:
		return nil, errors.Precondition("run %s cannot be retried from phase %s", run.ID, run.Phase)
	}

	o.retry.Reset(retry.Context{RunID: run.ID, Agent: run.Phase.Agent()})
	run.Agent(run.Phase.Agent()).Status = models.AgentStatusPending
	run.Record(run.Phase, models.ResultRetried, o.now())
	if err := o.storage.SaveRun(ctx, run); err != nil {
		return nil, err
	}
	o.logger.Info("retrying phase", "run_id", run.ID, "phase", string(run.Phase), "iteration", run.Iteration)

	return o.Drive(ctx, run.ID)
}

// StopRun halts a run: the in-process driver is cancelled, a live agent is
// interrupted and the run is marked failed.
func (o *Orchestrator) StopRun(ctx context.Context, runID string) (*models.RunState, error) {
	run, err := o.storage.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Phase.IsTerminal() {
		return nil, errors.Precondition("run %s is already %s", run.ID, run.Phase)
	}

	if run.Phase.IsAgentPhase() {
		h := o.hosts(run.ID)
		if agentName := run.Phase.Agent(); h.IsPaneActive(agentName) {
			if err := h.Interrupt(agentName); err != nil {
				o.logger.WithError(err).Warn("failed to interrupt agent", "run_id", run.ID, "agent", agentName)
			}
		}
	}

	o.mu.Lock()
	d := o.drivers[runID]
	o.mu.Unlock()
	if d != nil {
		d.cancel()
		select {
		case <-d.done:
		case <-time.After(stopWait):
			o.logger.Warn("driver did not stop in time", "run_id", runID)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// Reload; the driver may have written before it stopped.
	run, err = o.storage.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Phase.IsTerminal() {
		return run, nil
	}

	if exec, err := o.storage.GetRunningExecutionForRun(ctx, runID); err == nil && exec != nil {
		now := o.now()
		exec.Status = models.ExecStatusFailed
		exec.CompletedAt = &now
		exec.Error = "stopped by user"
		if err := o.storage.UpdateExecution(ctx, exec); err != nil {
			o.logger.WithError(err).Warn("failed to update execution", "run_id", runID, "execution_id", exec.ID)
		}
	}

	phase := run.Phase
	if run.Waiting != nil {
		phase = run.Waiting.Origin
	}
	now := o.now()
	if phase.IsAgentPhase() {
		a := run.Agent(phase.Agent())
		if a.Status == models.AgentStatusRunning {
			a.Status = models.AgentStatusFailed
			a.CompletedAt = &now
		}
	}
	run.Record(phase, models.ResultStoppedByUser, now)
	run.Fail(models.ErrorRecord{
		Phase:     phase,
		Message:   "stopped by user",
		Kind:      models.ResultStoppedByUser,
		Timestamp: now,
	})
	if err := o.storage.SaveRun(ctx, run); err != nil {
		return nil, err
	}

	o.bus.PublishFinal(RunFailed{RunID: run.ID, Phase: phase, Err: errors.New(errors.KindPreconditionFailed, "stopped by user")})
	o.logger.Info("run stopped", "run_id", run.ID, "phase", string(phase))
	return run, nil
}

// MarkMerged completes a run whose gate passed.
func (o *Orchestrator) MarkMerged(ctx context.Context, runID string) (*models.RunState, error) {
	run, err := o.storage.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Phase != models.PhaseReadyForMerge {
		return nil, errors.Precondition("run %s is %s, not ready_for_merge", run.ID, run.Phase)
	}

	run.Record(run.Phase, models.ResultMerged, o.now())
	run.Phase = models.PhaseCompleted
	if err := o.storage.SaveRun(ctx, run); err != nil {
		return nil, err
	}
	o.logger.Info("run merged", "run_id", run.ID)
	return run, nil
}
