package orchestrator

import (
	"context"
	"fmt"

	"github.com/mpataki/foreman/internal/agent"
	"github.com/mpataki/foreman/internal/crp"
	"github.com/mpataki/foreman/internal/errors"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/retry"
	"github.com/mpataki/foreman/internal/workspace"
)

// claim registers an in-process driver for the run. Only one driver may
// advance a run at a time.
func (o *Orchestrator) claim(ctx context.Context, runID string) (context.Context, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.drivers[runID]; ok {
		return nil, nil, errors.Precondition("run %s is already being driven", runID)
	}
	ctx, cancel := context.WithCancel(ctx)
	d := &driver{cancel: cancel, done: make(chan struct{})}
	o.drivers[runID] = d

	release := func() {
		o.mu.Lock()
		delete(o.drivers, runID)
		o.mu.Unlock()
		cancel()
		close(d.done)
	}
	return ctx, release, nil
}

// Drive advances the run phase by phase until it is waiting on a human,
// ready for merge, completed or failed. Agent failures end in the failed
// phase with a nil error; the error return is reserved for storage
// problems and cancellation, which leave the run where it was.
func (o *Orchestrator) Drive(ctx context.Context, runID string) (*models.RunState, error) {
	ctx, release, err := o.claim(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer release()

	run, err := o.storage.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	for {
		switch {
		case run.Phase == models.PhaseWaitingHuman, run.Phase.IsTerminal(), run.Phase == models.PhaseReadyForMerge:
			return run, nil
		case !run.Phase.IsAgentPhase():
			return run, errors.Precondition("run %s is in unexpected phase %s", run.ID, run.Phase)
		}

		ws, err := workspace.At(run.WorkspacePath)
		if err != nil {
			return o.failRun(ctx, run, run.Phase, errors.Wrap(errors.KindPreconditionFailed, err, "workspace unavailable"))
		}

		run, err = o.step(ctx, run, ws)
		if err != nil {
			return run, err
		}
	}
}

// step executes the run's current phase once, including any re-executions
// triggered by standing decisions, and applies the outcome.
func (o *Orchestrator) step(ctx context.Context, run *models.RunState, ws *workspace.Workspace) (*models.RunState, error) {
	phase := run.Phase
	agentName := phase.Agent()
	autoResolved := 0

	for {
		decision := run.Resume
		run.Resume = nil

		now := o.now()
		rec := run.Agent(agentName)
		rec.Status = models.AgentStatusRunning
		rec.StartedAt = &now
		rec.CompletedAt = nil
		run.Record(phase, models.ResultStarted, now)
		if err := o.storage.SaveRun(ctx, run); err != nil {
			return run, err
		}
		o.bus.Publish(PhaseEntered{RunID: run.ID, Phase: phase, Iteration: run.Iteration})
		o.logger.Info("running agent", "run_id", run.ID, "agent", agentName, "iteration", run.Iteration)

		attempt := 0
		out, err := retry.Execute(ctx, o.retry, retry.Context{RunID: run.ID, Agent: agentName},
			func(ctx context.Context) (*agent.Outcome, error) {
				attempt++
				return o.invoke(ctx, run, ws, decision, attempt)
			})
		if err != nil {
			if ctx.Err() != nil {
				return run, ctx.Err()
			}
			return o.failRun(ctx, run, phase, err)
		}

		done := o.now()
		rec.CompletedAt = &done

		switch out.Signal.Status {
		case agent.StatusPass:
			rec.Status = models.AgentStatusCompleted
			run.Record(phase, models.ResultPassed, done)
			run.Phase = phase.Next()
			if err := o.storage.SaveRun(ctx, run); err != nil {
				return run, err
			}
			o.bus.Publish(PhaseFinished{RunID: run.ID, Phase: phase, Result: models.ResultPassed})
			if run.Phase == models.PhaseReadyForMerge {
				o.bus.Publish(RunReady{RunID: run.ID})
			}
			return run, nil

		case agent.StatusRevise:
			rec.Status = models.AgentStatusCompleted
			run.Record(phase, models.ResultRevise, done)
			o.bus.Publish(PhaseFinished{RunID: run.ID, Phase: phase, Result: models.ResultRevise})
			return o.endCycle(ctx, run, phase)

		case agent.StatusNeedsHuman:
			rec.Status = models.AgentStatusPending
			if err := o.storage.SaveRun(ctx, run); err != nil {
				return run, err
			}
			res, err := o.protocol.Raise(ctx, run.ID, out.Signal.Question, out.Signal.Options,
				crp.RaiseOptions{NoAuto: autoResolved >= maxAutoResolutions})
			if err != nil {
				if ctx.Err() != nil {
					return run, ctx.Err()
				}
				return o.failRun(ctx, run, phase, err)
			}
			run = res.Run
			if res.Auto == nil {
				o.bus.Publish(RunPaused{RunID: run.ID, CRPID: res.CRP.ID, Origin: phase})
				return run, nil
			}
			autoResolved++
			o.bus.Publish(PhaseFinished{RunID: run.ID, Phase: phase, Result: models.ResultCRPAutoApply})
			// The standing decision is in run.Resume; re-enter the phase with it.
			continue
		}

		return o.failRun(ctx, run, phase, errors.New(errors.KindValidation, "unhandled signal status %q", out.Signal.Status))
	}
}

// endCycle closes a refine-to-gate cycle that asked for revision.
func (o *Orchestrator) endCycle(ctx context.Context, run *models.RunState, phase models.Phase) (*models.RunState, error) {
	run.Iteration++
	if run.Iteration > run.MaxIterations {
		e := errors.New(errors.KindRetryExhausted, "max iterations reached (%d)", run.MaxIterations)
		e.Attempts = run.MaxIterations
		return o.failRun(ctx, run, phase, e)
	}

	run.Phase = models.PhaseRefine
	for _, p := range models.AgentPhases {
		run.Agent(p.Agent()).Status = models.AgentStatusPending
	}
	if err := o.storage.SaveRun(ctx, run); err != nil {
		return run, err
	}
	o.logger.Info("starting next iteration", "run_id", run.ID, "iteration", run.Iteration)
	return run, nil
}

// invoke runs one agent attempt and records it as an execution.
func (o *Orchestrator) invoke(ctx context.Context, run *models.RunState, ws *workspace.Workspace, decision *models.ResumeInput, attempt int) (*agent.Outcome, error) {
	agentName := run.Phase.Agent()

	seq, err := o.storage.NextSequenceNum(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	started := o.now()
	exec := &models.Execution{
		RunID:       run.ID,
		AgentName:   agentName,
		Phase:       run.Phase,
		Iteration:   run.Iteration,
		Attempt:     attempt,
		Status:      models.ExecStatusRunning,
		StartedAt:   &started,
		SequenceNum: seq,
	}
	exec.ID, err = o.storage.CreateExecution(ctx, exec)
	if err != nil {
		return nil, err
	}

	out, runErr := o.runner.Run(ctx, agent.Request{
		RunID:         run.ID,
		Goal:          run.Goal,
		Phase:         run.Phase,
		Agent:         agentName,
		Iteration:     run.Iteration,
		MaxIterations: run.MaxIterations,
		Attempt:       attempt,
		Decision:      decision,
		Workspace:     ws,
		ExecutionID:   exec.ID,
	})

	completed := o.now()
	exec.CompletedAt = &completed
	exec.Status = models.ExecStatusComplete
	if out != nil {
		code := out.ExitCode
		exec.ExitCode = &code
		exec.ClaudeSessionID = out.SessionID
		exec.OutputSignal = out.Raw
	}
	if runErr != nil {
		exec.Status = models.ExecStatusFailed
		exec.Error = runErr.Error()
	}
	// Recorded even when ctx was cancelled mid-run.
	if err := o.storage.UpdateExecution(context.WithoutCancel(ctx), exec); err != nil {
		o.logger.WithError(err).Warn("failed to update execution", "run_id", run.ID, "execution_id", exec.ID)
	}

	if runErr != nil {
		o.logger.WithError(runErr).Warn("agent attempt failed",
			"run_id", run.ID, "agent", agentName, "attempt", attempt, "kind", string(errors.KindOf(runErr)))
	}
	return out, runErr
}

// failRun moves the run to failed, keeping the phase that failed in the
// error log so RetryPhase can re-enter it.
func (o *Orchestrator) failRun(ctx context.Context, run *models.RunState, phase models.Phase, cause error) (*models.RunState, error) {
	now := o.now()
	rec := models.ErrorRecord{
		Phase:     phase,
		Message:   cause.Error(),
		Kind:      string(errors.KindOf(cause)),
		Attempts:  1,
		Timestamp: now,
	}
	var ce *errors.Error
	if errors.As(cause, &ce) && ce.Attempts > 0 {
		rec.Attempts = ce.Attempts
	}

	if phase.IsAgentPhase() {
		a := run.Agent(phase.Agent())
		a.Status = models.AgentStatusFailed
		a.CompletedAt = &now
	}
	run.Record(phase, models.ResultFailed, now)
	run.Fail(rec)

	if err := o.storage.SaveRun(ctx, run); err != nil {
		return run, fmt.Errorf("failed to record failure of run %s: %w", run.ID, err)
	}
	o.bus.PublishFinal(RunFailed{RunID: run.ID, Phase: phase, Err: cause})
	o.logger.WithError(cause).Error("run failed", "run_id", run.ID, "phase", string(phase), "attempts", rec.Attempts)
	return run, nil
}
