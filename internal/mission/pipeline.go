package mission

import (
	"context"
	"fmt"
	"strings"

	"github.com/mpataki/foreman/internal/errors"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/orchestrator"
)

// PipelineRunner executes each task as a full refine/build/verify/gate run.
type PipelineRunner struct {
	orch *orchestrator.Orchestrator
	opts orchestrator.StartOptions
}

func NewPipelineRunner(orch *orchestrator.Orchestrator, opts orchestrator.StartOptions) *PipelineRunner {
	return &PipelineRunner{orch: orch, opts: opts}
}

// RunTask starts a run for the task and drives it. A run that reaches
// ready_for_merge passes the task; a run that blocks on a human or fails
// is reported with a non-recoverable error, since the orchestrator has
// already applied its own retries.
func (p *PipelineRunner) RunTask(ctx context.Context, m *models.Mission, t *models.Task) (string, error) {
	run, err := p.orch.StartRun(ctx, taskGoal(m, t), p.opts)
	if err != nil {
		return "", err
	}
	runID := run.ID

	run, err = p.orch.Drive(ctx, runID)
	if err != nil {
		if ctx.Err() != nil {
			if _, serr := p.orch.StopRun(context.WithoutCancel(ctx), runID); serr != nil && !errors.IsKind(serr, errors.KindPreconditionFailed) {
				return runID, fmt.Errorf("%w (stopping run %s: %v)", err, runID, serr)
			}
		}
		return runID, err
	}

	switch run.Phase {
	case models.PhaseReadyForMerge, models.PhaseCompleted:
		return runID, nil
	case models.PhaseWaitingHuman:
		return runID, errors.Precondition("run %s is waiting on CRP %s", runID, run.PendingCRP()).
			WithSuggestion(fmt.Sprintf("answer it with `foreman answer %s`, then rerun the task", runID))
	}

	e := errors.New(errors.KindRetryExhausted, "run %s failed", runID)
	if n := len(run.Errors); n > 0 {
		last := run.Errors[n-1]
		e.Message = fmt.Sprintf("run %s failed in %s: %s", runID, last.Phase, last.Message)
	}
	return runID, e
}

func taskGoal(m *models.Mission, t *models.Task) string {
	var b strings.Builder
	b.WriteString(t.Description)
	fmt.Fprintf(&b, "\n\nThis is task %s (%s) of mission %q.", t.ID, t.Title, m.Title)
	if m.Goal != "" {
		fmt.Fprintf(&b, "\nMission goal: %s", m.Goal)
	}
	return b.String()
}
