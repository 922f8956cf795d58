// Package mission executes multi-phase missions task by task.
package mission

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/mpataki/foreman/internal/errors"
	"github.com/mpataki/foreman/internal/log"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/plan"
	"github.com/mpataki/foreman/internal/retry"
	"github.com/mpataki/foreman/internal/storage"
)

// TaskRunner executes one task and returns the id of the run that did the
// work, if any. Errors are classified like agent errors so the engine can
// retry recoverable ones.
type TaskRunner interface {
	RunTask(ctx context.Context, m *models.Mission, t *models.Task) (string, error)
}

type Engine struct {
	storage *storage.Storage
	runner  TaskRunner
	retry   *retry.Executor
	logger  *log.Logger
	now     func() time.Time

	mu      sync.Mutex
	drivers map[string]*driver
}

// driver is an in-process RunPhase or RunTask call working on a mission.
type driver struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	taskID     string
	cancelTask context.CancelFunc
}

func (d *driver) setTask(id string, cancel context.CancelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.taskID, d.cancelTask = id, cancel
}

type Option func(*Engine)

func WithRetry(e *retry.Executor) Option { return func(en *Engine) { en.retry = e } }

func WithLogger(l *log.Logger) Option { return func(en *Engine) { en.logger = l } }

func WithClock(now func() time.Time) Option { return func(en *Engine) { en.now = now } }

func New(store *storage.Storage, runner TaskRunner, opts ...Option) *Engine {
	e := &Engine{
		storage: store,
		runner:  runner,
		drivers: make(map[string]*driver),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.retry == nil {
		e.retry = retry.NewExecutor(retry.DefaultPolicy())
	}
	if e.logger == nil {
		e.logger = log.Default()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e
}

// CreateMission stores a mission built from p, awaiting plan approval.
func (e *Engine) CreateMission(ctx context.Context, p *models.MissionPlan) (*models.Mission, error) {
	if err := plan.Validate(p); err != nil {
		return nil, err
	}
	m := models.NewMission(models.NewID("mission"), p, e.now())
	if err := e.storage.SaveMission(ctx, m); err != nil {
		return nil, err
	}
	e.logger.Info("mission created", "mission_id", m.ID, "phases", len(m.Phases), "tasks", m.Stats.TotalTasks)
	return m, nil
}

func (e *Engine) GetMission(ctx context.Context, id string) (*models.Mission, error) {
	return e.storage.GetMission(ctx, id)
}

func (e *Engine) ListMissions(ctx context.Context) ([]*models.Mission, error) {
	return e.storage.ListMissions(ctx)
}

// ApprovePlan moves a reviewed mission to ready.
func (e *Engine) ApprovePlan(ctx context.Context, id string) (*models.Mission, error) {
	m, err := e.storage.GetMission(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status != models.MissionPlanReview {
		return nil, errors.Precondition("mission %s is %s, not plan_review", m.ID, m.Status)
	}
	m.Status = models.MissionReady
	m.UpdatedAt = e.now()
	if err := e.storage.SaveMission(ctx, m); err != nil {
		return nil, err
	}
	e.logger.Info("mission plan approved", "mission_id", m.ID)
	return m, nil
}

// CancelMission stops any task the mission is running in this process and
// marks the mission cancelled.
func (e *Engine) CancelMission(ctx context.Context, id string) (*models.Mission, error) {
	m, err := e.storage.GetMission(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status == models.MissionCompleted || m.Status == models.MissionCancelled {
		return nil, errors.Precondition("mission %s is already %s", m.ID, m.Status)
	}

	e.mu.Lock()
	d := e.drivers[id]
	e.mu.Unlock()
	if d != nil {
		d.cancel()
		select {
		case <-d.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		// The driver saved its final state; start from that.
		if m, err = e.storage.GetMission(ctx, id); err != nil {
			return nil, err
		}
	}

	m.Status = models.MissionCancelled
	m.UpdatedAt = e.now()
	if err := e.storage.SaveMission(ctx, m); err != nil {
		return nil, err
	}
	e.logger.Info("mission cancelled", "mission_id", m.ID)
	return m, nil
}

// CancelTask stops a task. A task running in this process is interrupted
// and fails with stopped_by_user; a pending task is failed directly.
func (e *Engine) CancelTask(ctx context.Context, missionID, taskID string) (*models.Mission, error) {
	e.mu.Lock()
	d := e.drivers[missionID]
	e.mu.Unlock()

	if d != nil {
		d.mu.Lock()
		running, cancel := d.taskID == taskID, d.cancelTask
		d.mu.Unlock()
		if running && cancel != nil {
			cancel()
			e.logger.Info("task cancelled", "mission_id", missionID, "task_id", taskID)
			return e.storage.GetMission(ctx, missionID)
		}
		return nil, errors.Precondition("mission %s is running another task", missionID)
	}

	m, err := e.storage.GetMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	t, ok := m.Tasks[taskID]
	if !ok {
		return nil, errors.NotFound("task", taskID)
	}
	if t.Status != models.TaskPending {
		return nil, errors.Precondition("task %s is %s", taskID, t.Status)
	}

	now := e.now()
	t.Status = models.TaskFailed
	t.Error = models.ResultStoppedByUser
	t.UpdatedAt = now
	settle(m, m.Phase(t.Phase))
	m.RefreshStats()
	m.RefreshStatus()
	m.UpdatedAt = now
	if err := e.storage.SaveMission(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (e *Engine) claim(ctx context.Context, missionID string) (context.Context, *driver, func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.drivers[missionID]; ok {
		return nil, nil, nil, errors.Precondition("mission %s is already running", missionID)
	}
	ctx, cancel := context.WithCancel(ctx)
	d := &driver{cancel: cancel, done: make(chan struct{})}
	e.drivers[missionID] = d

	release := func() {
		e.mu.Lock()
		delete(e.drivers, missionID)
		e.mu.Unlock()
		cancel()
		close(d.done)
	}
	return ctx, d, release, nil
}

// runnable loads a mission that may execute work.
func (e *Engine) runnable(ctx context.Context, id string) (*models.Mission, error) {
	m, err := e.storage.GetMission(ctx, id)
	if err != nil {
		return nil, err
	}
	switch m.Status {
	case models.MissionReady, models.MissionInProgress, models.MissionFailed:
		return m, nil
	}
	return nil, errors.Precondition("mission %s is %s", m.ID, m.Status).
		WithSuggestion("missions run once their plan is approved and until they complete or are cancelled")
}

func phaseNotFound(m *models.Mission, number int) error {
	return errors.NotFound("phase", m.ID+"/"+strconv.Itoa(number))
}

// settle derives a phase's status after task work. A phase with pending
// tasks is failed if any task failed, otherwise in progress.
func settle(m *models.Mission, p *models.MissionPhase) {
	if p == nil || m.ResolvePhase(p) {
		return
	}
	for _, t := range m.PhaseTasks(p) {
		if t.Status == models.TaskFailed {
			p.Status = models.PhaseStatusFailed
			return
		}
	}
	p.Status = models.PhaseStatusInProgress
}

// FindNextPhase returns the lowest-numbered phase that is not completed,
// or nil when every phase is.
func FindNextPhase(m *models.Mission) *models.MissionPhase {
	var next *models.MissionPhase
	for _, p := range m.Phases {
		if p.Status == models.PhaseStatusCompleted {
			continue
		}
		if next == nil || p.Number < next.Number {
			next = p
		}
	}
	return next
}
