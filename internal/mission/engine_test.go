package mission

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/foreman/internal/agent"
	"github.com/mpataki/foreman/internal/errors"
	"github.com/mpataki/foreman/internal/host"
	"github.com/mpataki/foreman/internal/log"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/orchestrator"
	"github.com/mpataki/foreman/internal/retry"
	"github.com/mpataki/foreman/internal/storage"
)

var clock = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

// fakeTasks fails a task once per queued error, then passes it.
type fakeTasks struct {
	mu      sync.Mutex
	errs    map[string][]error
	block   map[string]bool
	calls   []string
	started chan string
}

func (f *fakeTasks) RunTask(ctx context.Context, _ *models.Mission, t *models.Task) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, t.ID)
	var err error
	if q := f.errs[t.ID]; len(q) > 0 {
		err = q[0]
		f.errs[t.ID] = q[1:]
	}
	block := f.block[t.ID]
	f.mu.Unlock()

	if block {
		f.started <- t.ID
		<-ctx.Done()
		return "run-" + t.ID, ctx.Err()
	}
	return "run-" + t.ID, err
}

func (f *fakeTasks) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newStore(t *testing.T) *storage.Storage {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "foreman.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func noSleep() *retry.Executor {
	return retry.NewExecutor(retry.DefaultPolicy(),
		retry.WithSleep(func(context.Context, time.Duration) error { return nil }))
}

func setup(t *testing.T, tasks *fakeTasks) *Engine {
	t.Helper()
	if tasks.errs == nil {
		tasks.errs = map[string][]error{}
	}
	if tasks.started == nil {
		tasks.started = make(chan string, 1)
	}
	return New(newStore(t), tasks,
		WithRetry(noSleep()),
		WithLogger(log.Nop()),
		WithClock(func() time.Time { return clock }),
	)
}

func threeTaskPlan() *models.MissionPlan {
	return &models.MissionPlan{
		Title: "Caching",
		Goal:  "speed up reads",
		Phases: []*models.PhasePlan{
			{Title: "Groundwork", Tasks: []*models.TaskPlan{{Title: "a"}, {Title: "b"}, {Title: "c"}}},
			{Title: "Rollout", Tasks: []*models.TaskPlan{{Title: "d"}}},
		},
	}
}

func approved(t *testing.T, e *Engine) *models.Mission {
	t.Helper()
	ctx := context.Background()
	m, err := e.CreateMission(ctx, threeTaskPlan())
	require.NoError(t, err)
	m, err = e.ApprovePlan(ctx, m.ID)
	require.NoError(t, err)
	return m
}

func crash() error { return errors.New(errors.KindCrash, "agent exited with code 1") }

func TestCreateAndApproveMission(t *testing.T) {
	ctx := context.Background()
	e := setup(t, &fakeTasks{})

	m, err := e.CreateMission(ctx, threeTaskPlan())
	require.NoError(t, err)
	assert.Equal(t, models.MissionPlanReview, m.Status)
	assert.Equal(t, []string{"task-1.1", "task-1.2", "task-1.3"}, m.Phases[0].TaskIDs)
	assert.Equal(t, 4, m.Stats.TotalTasks)

	_, err = e.RunPhase(ctx, m.ID, 1, RunPhaseOptions{})
	assert.True(t, errors.IsKind(err, errors.KindPreconditionFailed))

	m, err = e.ApprovePlan(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MissionReady, m.Status)

	_, err = e.ApprovePlan(ctx, m.ID)
	assert.True(t, errors.IsKind(err, errors.KindPreconditionFailed))

	_, err = e.CreateMission(ctx, &models.MissionPlan{Goal: "g"})
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestRunPhaseStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	tasks := &fakeTasks{errs: map[string][]error{"task-1.2": {crash(), crash()}}}
	e := setup(t, tasks)
	m := approved(t, e)

	res, err := e.RunPhase(ctx, m.ID, 1, RunPhaseOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.PhaseStatusFailed, res.Status)
	assert.Equal(t, 1, res.TasksCompleted)
	assert.Equal(t, 1, res.TasksFailed)
	assert.Equal(t, "task-1.2", res.FailedTask)

	m, err = e.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPassed, m.Tasks["task-1.1"].Status)
	assert.Equal(t, models.TaskFailed, m.Tasks["task-1.2"].Status)
	assert.Equal(t, 2, m.Tasks["task-1.2"].Attempts)
	assert.Contains(t, m.Tasks["task-1.2"].Error, "agent exited with code 1")
	assert.Equal(t, "run-task-1.2", m.Tasks["task-1.2"].RunID)
	assert.Equal(t, models.TaskPending, m.Tasks["task-1.3"].Status)
	assert.Equal(t, models.MissionFailed, m.Status)
	assert.Equal(t, 1, m.Stats.CompletedTasks)
	assert.NotContains(t, tasks.called(), "task-1.3")
}

func TestRunPhaseContinueOnFailure(t *testing.T) {
	ctx := context.Background()
	tasks := &fakeTasks{errs: map[string][]error{"task-1.2": {crash(), crash()}}}
	e := setup(t, tasks)
	m := approved(t, e)

	res, err := e.RunPhase(ctx, m.ID, 1, RunPhaseOptions{ContinueOnFailure: true})
	require.NoError(t, err)
	assert.Equal(t, models.PhaseStatusFailed, res.Status)
	assert.Equal(t, 2, res.TasksCompleted)
	assert.Equal(t, 1, res.TasksFailed)
	assert.Equal(t, "task-1.2", res.FailedTask)
}

func TestRunPhaseRetriesRecoverableFailure(t *testing.T) {
	ctx := context.Background()
	tasks := &fakeTasks{errs: map[string][]error{"task-1.1": {crash()}}}
	e := setup(t, tasks)
	m := approved(t, e)

	res, err := e.RunPhase(ctx, m.ID, 1, RunPhaseOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.PhaseStatusCompleted, res.Status)
	assert.Equal(t, 3, res.TasksCompleted)

	m, err = e.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Tasks["task-1.1"].Attempts)
	assert.Equal(t, models.MissionInProgress, m.Status)
}

func TestRunPhaseRejectsOutOfOrderAndUnknown(t *testing.T) {
	ctx := context.Background()
	e := setup(t, &fakeTasks{})
	m := approved(t, e)

	_, err := e.RunPhase(ctx, m.ID, 2, RunPhaseOptions{})
	assert.True(t, errors.IsKind(err, errors.KindPreconditionFailed))

	_, err = e.RunPhase(ctx, m.ID, 9, RunPhaseOptions{})
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	_, err = e.RunPhase(ctx, "mission-missing", 1, RunPhaseOptions{})
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	_, err = e.RunTask(ctx, m.ID, "task-7.7")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestRetryFailedTaskThenAdvance(t *testing.T) {
	ctx := context.Background()
	tasks := &fakeTasks{errs: map[string][]error{"task-1.2": {errors.Precondition("run is waiting on CRP")}}}
	e := setup(t, tasks)
	m := approved(t, e)

	res, err := e.RunPhase(ctx, m.ID, 1, RunPhaseOptions{})
	require.NoError(t, err)
	require.Equal(t, "task-1.2", res.FailedTask)

	tr, err := e.RunTask(ctx, m.ID, "task-1.2")
	require.NoError(t, err)
	assert.Equal(t, models.TaskPassed, tr.Status)
	assert.Equal(t, "run-task-1.2", tr.RunID)

	m, err = e.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseStatusInProgress, m.Phases[0].Status)
	assert.Equal(t, 1, FindNextPhase(m).Number)

	res, err = e.Next(ctx, m.ID, RunPhaseOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Phase)
	assert.Equal(t, models.PhaseStatusCompleted, res.Status)
	assert.Equal(t, 3, res.TasksCompleted)

	res, err = e.Next(ctx, m.ID, RunPhaseOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Phase)

	res, err = e.Next(ctx, m.ID, RunPhaseOptions{})
	require.NoError(t, err)
	assert.Nil(t, res)

	m, err = e.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MissionCompleted, m.Status)
	assert.Equal(t, 4, m.Stats.CompletedTasks)

	// task-1.1 ran once: passed tasks are skipped on re-runs.
	n := 0
	for _, id := range tasks.called() {
		if id == "task-1.1" {
			n++
		}
	}
	assert.Equal(t, 1, n)

	_, err = e.RunPhase(ctx, m.ID, 1, RunPhaseOptions{})
	assert.True(t, errors.IsKind(err, errors.KindPreconditionFailed))
}

func TestFindNextPhasePrefersLowestNonCompleted(t *testing.T) {
	m := &models.Mission{Phases: []*models.MissionPhase{
		{Number: 1, Status: models.PhaseStatusCompleted},
		{Number: 2, Status: models.PhaseStatusFailed},
		{Number: 3, Status: models.PhaseStatusPending},
	}}
	assert.Equal(t, 2, FindNextPhase(m).Number)

	m.Phases[1].Status = models.PhaseStatusCompleted
	assert.Equal(t, 3, FindNextPhase(m).Number)

	m.Phases[2].Status = models.PhaseStatusCompleted
	assert.Nil(t, FindNextPhase(m))
}

func TestCancelRunningTask(t *testing.T) {
	ctx := context.Background()
	tasks := &fakeTasks{block: map[string]bool{"task-1.1": true}}
	e := setup(t, tasks)
	m := approved(t, e)

	type result struct {
		res *PhaseResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := e.RunPhase(ctx, m.ID, 1, RunPhaseOptions{})
		done <- result{res, err}
	}()

	select {
	case <-tasks.started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}

	_, err := e.CancelTask(ctx, m.ID, "task-1.2")
	assert.True(t, errors.IsKind(err, errors.KindPreconditionFailed))

	_, err = e.CancelTask(ctx, m.ID, "task-1.1")
	require.NoError(t, err)

	var r result
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("phase did not finish")
	}
	require.NoError(t, r.err)
	assert.Equal(t, "task-1.1", r.res.FailedTask)

	m, err = e.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, m.Tasks["task-1.1"].Status)
	assert.Equal(t, models.ResultStoppedByUser, m.Tasks["task-1.1"].Error)
}

func TestCancelPendingTask(t *testing.T) {
	ctx := context.Background()
	e := setup(t, &fakeTasks{})
	m := approved(t, e)

	m, err := e.CancelTask(ctx, m.ID, "task-2.1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, m.Tasks["task-2.1"].Status)
	assert.Equal(t, models.PhaseStatusFailed, m.Phases[1].Status)

	_, err = e.CancelTask(ctx, m.ID, "task-2.1")
	assert.True(t, errors.IsKind(err, errors.KindPreconditionFailed))
}

func TestCancelMission(t *testing.T) {
	ctx := context.Background()
	e := setup(t, &fakeTasks{})
	m := approved(t, e)

	m, err := e.CancelMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MissionCancelled, m.Status)

	_, err = e.RunPhase(ctx, m.ID, 1, RunPhaseOptions{})
	assert.True(t, errors.IsKind(err, errors.KindPreconditionFailed))

	_, err = e.CancelMission(ctx, m.ID)
	assert.True(t, errors.IsKind(err, errors.KindPreconditionFailed))
}

type scriptedAgent struct {
	status agent.Status
}

func (s scriptedAgent) Run(_ context.Context, req agent.Request) (*agent.Outcome, error) {
	sig := &agent.Signal{Status: agent.StatusPass}
	if req.Agent == models.AgentBuilder && s.status != "" {
		sig.Status = s.status
		sig.Question = "which database?"
		sig.Options = []models.Option{{ID: "pg"}, {ID: "lite"}}
	}
	return &agent.Outcome{Signal: sig}, nil
}

type noHost struct{}

func (noHost) SessionName() string      { return "" }
func (noHost) SessionExists() bool      { return false }
func (noHost) IsPaneActive(string) bool { return false }
func (noHost) Interrupt(string) error   { return nil }

func TestPipelineRunner(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		agent  scriptedAgent
		status models.TaskStatus
		phase  models.Phase
	}{
		{"gate passes", scriptedAgent{}, models.TaskPassed, models.PhaseReadyForMerge},
		{"builder needs a human", scriptedAgent{status: agent.StatusNeedsHuman}, models.TaskFailed, models.PhaseWaitingHuman},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			orch := orchestrator.New(store, t.TempDir(),
				orchestrator.WithRunner(tt.agent),
				orchestrator.WithRetry(noSleep()),
				orchestrator.WithHosts(func(string) host.Host { return noHost{} }),
				orchestrator.WithLogger(log.Nop()),
			)
			e := New(store, NewPipelineRunner(orch, orchestrator.StartOptions{MaxIterations: 2}),
				WithRetry(noSleep()), WithLogger(log.Nop()))

			m, err := e.CreateMission(ctx, threeTaskPlan())
			require.NoError(t, err)
			_, err = e.ApprovePlan(ctx, m.ID)
			require.NoError(t, err)

			res, err := e.RunTask(ctx, m.ID, "task-2.1")
			require.NoError(t, err)
			assert.Equal(t, tt.status, res.Status)
			require.NotEmpty(t, res.RunID)

			run, err := orch.GetRun(ctx, res.RunID)
			require.NoError(t, err)
			assert.Equal(t, tt.phase, run.Phase)
			assert.Contains(t, run.Goal, "task-2.1")
		})
	}
}
