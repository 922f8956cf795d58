package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mpataki/foreman/internal/agent"
	"github.com/mpataki/foreman/internal/config"
	"github.com/mpataki/foreman/internal/crp"
	"github.com/mpataki/foreman/internal/errors"
	"github.com/mpataki/foreman/internal/events"
	"github.com/mpataki/foreman/internal/host"
	"github.com/mpataki/foreman/internal/log"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/retry"
	"github.com/mpataki/foreman/internal/storage"
	"github.com/mpataki/foreman/internal/workspace"
)

// maxAutoResolutions bounds how often standing decisions may answer CRPs
// within one entry into a phase before the CRP blocks anyway.
const maxAutoResolutions = 3

type Orchestrator struct {
	storage       *storage.Storage
	workspaceDir  string
	maxIterations int

	protocol *crp.Protocol
	retry    *retry.Executor
	runner   agent.Runner
	hosts    host.Provider
	logger   *log.Logger
	bus      *events.Bus[Event]
	now      func() time.Time

	mu      sync.Mutex
	drivers map[string]*driver
}

// driver is an in-process goroutine advancing one run.
type driver struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Orchestrator)

func WithRunner(r agent.Runner) Option      { return func(o *Orchestrator) { o.runner = r } }
func WithProtocol(p *crp.Protocol) Option   { return func(o *Orchestrator) { o.protocol = p } }
func WithRetry(e *retry.Executor) Option    { return func(o *Orchestrator) { o.retry = e } }
func WithHosts(p host.Provider) Option      { return func(o *Orchestrator) { o.hosts = p } }
func WithLogger(l *log.Logger) Option       { return func(o *Orchestrator) { o.logger = l } }
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }
func WithMaxIterations(n int) Option        { return func(o *Orchestrator) { o.maxIterations = n } }

func New(store *storage.Storage, workspaceDir string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		storage:       store,
		workspaceDir:  workspaceDir,
		maxIterations: 3,
		drivers:       make(map[string]*driver),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = log.Default()
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	if o.bus == nil {
		o.bus = events.NewBus[Event]()
	}
	if o.protocol == nil {
		o.protocol = crp.New(store, o.logger, crp.WithClock(o.now))
	}
	if o.retry == nil {
		o.retry = retry.NewExecutor(retry.DefaultPolicy())
	}
	if o.hosts == nil {
		o.hosts = host.NewProcessProvider(store)
	}
	if o.runner == nil {
		o.runner = agent.NewClaudeRunner(config.Defaults("").Agents, store, o.logger)
	}
	return o
}

func (o *Orchestrator) Events() *events.Bus[Event] { return o.bus }

func (o *Orchestrator) Protocol() *crp.Protocol { return o.protocol }

func (o *Orchestrator) Hosts() host.Provider { return o.hosts }

type StartOptions struct {
	// SourceRepo, when set, is checked out as a git worktree for the run.
	SourceRepo    string
	MaxIterations int
}

// StartRun creates a run in the refine phase of iteration 1 together with
// its workspace. It does not drive the run.
func (o *Orchestrator) StartRun(ctx context.Context, goal string, opts StartOptions) (*models.RunState, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		e := errors.New(errors.KindValidation, "goal is required")
		e.Field = "goal"
		return nil, e
	}
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = o.maxIterations
	}

	now := o.now()
	run := models.NewRunState(models.NewRunID(now), goal, maxIter, now)

	ws, err := workspace.Create(o.workspaceDir, run.ID, opts.SourceRepo)
	if err != nil {
		return nil, errors.Wrap(errors.KindPreconditionFailed, err, "failed to create workspace")
	}
	run.WorkspacePath = ws.Path
	run.LastEvent = "created"

	if err := o.storage.CreateRun(ctx, run); err != nil {
		workspace.Remove(ws.Path)
		return nil, err
	}

	o.logger.Info("run started", "run_id", run.ID, "max_iterations", maxIter, "workspace", ws.Path)
	return run, nil
}

func (o *Orchestrator) GetRun(ctx context.Context, id string) (*models.RunState, error) {
	return o.storage.GetRun(ctx, id)
}

func (o *Orchestrator) ListRuns(ctx context.Context, limit int) ([]*models.RunState, error) {
	return o.storage.ListRuns(ctx, limit)
}

func (o *Orchestrator) ListCRPs(ctx context.Context, runID string) ([]*models.CRP, error) {
	return o.protocol.List(ctx, runID)
}

func (o *Orchestrator) ListVCRs(ctx context.Context, runID string) ([]*models.VCR, error) {
	return o.protocol.Responses(ctx, runID)
}

func (o *Orchestrator) PendingCRP(ctx context.Context, runID string) (*models.CRP, error) {
	return o.protocol.Pending(ctx, runID)
}

func (o *Orchestrator) GetExecutionsForRun(ctx context.Context, runID string) ([]*models.Execution, error) {
	return o.storage.GetExecutionsForRun(ctx, runID)
}

// IsDriving reports whether this process is currently advancing the run.
func (o *Orchestrator) IsDriving(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.drivers[runID]
	return ok
}

// DeleteRun removes the run's workspace and every record of it.
func (o *Orchestrator) DeleteRun(ctx context.Context, runID string) error {
	if o.IsDriving(runID) {
		return errors.Precondition("run %s is being driven", runID).WithSuggestion("stop the run before deleting it")
	}
	run, err := o.storage.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	if err := workspace.Remove(run.WorkspacePath); err != nil {
		o.logger.WithError(err).Warn("failed to remove workspace", "run_id", runID, "path", run.WorkspacePath)
	}

	if err := o.storage.DeleteRun(ctx, runID); err != nil {
		return err
	}
	o.logger.Info("run deleted", "run_id", runID)
	return nil
}
