package mission

import (
	"context"

	"github.com/mpataki/foreman/internal/errors"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/retry"
)

type RunPhaseOptions struct {
	// ContinueOnFailure runs the remaining tasks after one fails.
	ContinueOnFailure bool
}

type PhaseResult struct {
	Phase          int
	Status         models.PhaseStatus
	TasksCompleted int
	TasksFailed    int
	// FailedTask is the first task that failed, if any.
	FailedTask string
}

type TaskResult struct {
	TaskID string
	Status models.TaskStatus
	RunID  string
	Error  string
}

// RunPhase executes the tasks of one phase in order. Every lower-numbered
// phase must be completed. Passed tasks are not run again and count as
// completed.
func (e *Engine) RunPhase(ctx context.Context, missionID string, number int, opts RunPhaseOptions) (*PhaseResult, error) {
	m, err := e.runnable(ctx, missionID)
	if err != nil {
		return nil, err
	}
	p := m.Phase(number)
	if p == nil {
		return nil, phaseNotFound(m, number)
	}
	for _, earlier := range m.Phases {
		if earlier.Number < number && earlier.Status != models.PhaseStatusCompleted {
			return nil, errors.Precondition("phase %d of mission %s is %s", earlier.Number, m.ID, earlier.Status).
				WithSuggestion("run phases in order, or use `foreman mission next`")
		}
	}

	ctx, d, release, err := e.claim(ctx, missionID)
	if err != nil {
		return nil, err
	}
	defer release()

	p.Status = models.PhaseStatusInProgress
	m.Status = models.MissionInProgress
	if err := e.save(ctx, m); err != nil {
		return nil, err
	}
	e.logger.Info("running phase", "mission_id", m.ID, "phase", number, "tasks", len(p.TaskIDs))

	res := &PhaseResult{Phase: number}
	for _, t := range m.PhaseTasks(p) {
		if t.Status == models.TaskPassed {
			res.TasksCompleted++
			continue
		}
		if ctx.Err() != nil {
			break
		}

		e.runTask(ctx, d, m, t)
		if t.Status == models.TaskPassed {
			res.TasksCompleted++
			continue
		}
		res.TasksFailed++
		if res.FailedTask == "" {
			res.FailedTask = t.ID
		}
		if !opts.ContinueOnFailure {
			break
		}
	}

	settle(m, p)
	res.Status = p.Status
	if err := e.save(ctx, m); err != nil {
		return res, err
	}
	e.logger.Info("phase finished", "mission_id", m.ID, "phase", number, "status", string(p.Status),
		"completed", res.TasksCompleted, "failed", res.TasksFailed)
	return res, ctx.Err()
}

// RunTask executes a single task regardless of phase order, typically to
// retry one that failed.
func (e *Engine) RunTask(ctx context.Context, missionID, taskID string) (*TaskResult, error) {
	m, err := e.runnable(ctx, missionID)
	if err != nil {
		return nil, err
	}
	t, ok := m.Tasks[taskID]
	if !ok {
		return nil, errors.NotFound("task", taskID)
	}

	ctx, d, release, err := e.claim(ctx, missionID)
	if err != nil {
		return nil, err
	}
	defer release()

	m.Status = models.MissionInProgress
	e.runTask(ctx, d, m, t)
	settle(m, m.Phase(t.Phase))
	if err := e.save(ctx, m); err != nil {
		return nil, err
	}

	return &TaskResult{TaskID: t.ID, Status: t.Status, RunID: t.RunID, Error: t.Error}, ctx.Err()
}

// Next runs the phase FindNextPhase selects. It returns nil when every
// phase is completed.
func (e *Engine) Next(ctx context.Context, missionID string, opts RunPhaseOptions) (*PhaseResult, error) {
	m, err := e.storage.GetMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	p := FindNextPhase(m)
	if p == nil {
		return nil, nil
	}
	return e.RunPhase(ctx, missionID, p.Number, opts)
}

// runTask runs t under the retry executor and records the outcome on it.
func (e *Engine) runTask(ctx context.Context, d *driver, m *models.Mission, t *models.Task) {
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.setTask(t.ID, cancel)
	defer d.setTask("", nil)

	e.logger.Info("running task", "mission_id", m.ID, "task_id", t.ID)
	_, err := retry.Execute(tctx, e.retry, retry.Context{RunID: m.ID, Agent: t.ID},
		func(ctx context.Context) (string, error) {
			t.Attempts++
			runID, err := e.runner.RunTask(ctx, m, t)
			if runID != "" {
				t.RunID = runID
			}
			return runID, err
		})

	t.UpdatedAt = e.now()
	switch {
	case err == nil:
		t.Status = models.TaskPassed
		t.Error = ""
	case tctx.Err() != nil:
		t.Status = models.TaskFailed
		t.Error = models.ResultStoppedByUser
		e.logger.Info("task stopped", "mission_id", m.ID, "task_id", t.ID)
	default:
		t.Status = models.TaskFailed
		t.Error = err.Error()
		e.logger.WithError(err).Warn("task failed", "mission_id", m.ID, "task_id", t.ID, "attempts", t.Attempts)
	}

	// Each task outcome is persisted before the next task starts.
	if err := e.save(ctx, m); err != nil {
		e.logger.WithError(err).Error("failed to save mission", "mission_id", m.ID)
	}
}

// save refreshes derived fields and persists m even when ctx was
// cancelled.
func (e *Engine) save(ctx context.Context, m *models.Mission) error {
	m.RefreshStats()
	m.RefreshStatus()
	m.UpdatedAt = e.now()
	return e.storage.SaveMission(context.WithoutCancel(ctx), m)
}
