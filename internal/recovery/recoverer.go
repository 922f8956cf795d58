package recovery

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mpataki/foreman/internal/errors"
	"github.com/mpataki/foreman/internal/host"
	"github.com/mpataki/foreman/internal/log"
	"github.com/mpataki/foreman/internal/models"
)

// PhaseRetrier reads runs and re-enters their phase.
// *orchestrator.Orchestrator satisfies it.
type PhaseRetrier interface {
	GetRun(ctx context.Context, runID string) (*models.RunState, error)
	RetryPhase(ctx context.Context, runID string) (*models.RunState, error)
}

// ConfirmFunc asks whether a record's strategy should be applied. It is
// never called concurrently.
type ConfirmFunc func(rec Record) (bool, error)

type Options struct {
	AutoRecover     bool
	Confirm         ConfirmFunc
	ReattachTimeout time.Duration
	PollInterval    time.Duration
	Concurrency     int
}

type Action string

const (
	ActionRetried     Action = "retried"
	ActionSkipped     Action = "skipped"
	ActionAwaitingVCR Action = "awaiting_vcr"
	ActionFailed      Action = "failed"

	// ActionProgressed means the run's own driver moved it on while
	// recovery waited, so it was left alone.
	ActionProgressed Action = "progressed"
)

type Outcome struct {
	Record Record
	Action Action
	Run    *models.RunState
	Err    error
}

type Recoverer struct {
	runs   PhaseRetrier
	hosts  host.Provider
	logger *log.Logger
	opts   Options
}

func NewRecoverer(runs PhaseRetrier, hosts host.Provider, logger *log.Logger, opts Options) *Recoverer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.ReattachTimeout <= 0 {
		opts.ReattachTimeout = 30 * time.Minute
	}
	return &Recoverer{runs: runs, hosts: hosts, logger: logger, opts: opts}
}

// Recover applies each record's strategy and returns one outcome per
// record, in order. Per-run failures are reported in the outcomes; the
// error return is for confirmation failures and cancellation.
func (r *Recoverer) Recover(ctx context.Context, records []Record) ([]Outcome, error) {
	outcomes := make([]Outcome, len(records))
	apply := make([]bool, len(records))

	for i, rec := range records {
		outcomes[i] = Outcome{Record: rec, Action: ActionSkipped}
		if rec.Strategy == StrategyAwaitVCR {
			outcomes[i].Action = ActionAwaitingVCR
			continue
		}
		if r.opts.AutoRecover || r.opts.Confirm == nil {
			apply[i] = r.opts.AutoRecover
			continue
		}
		ok, err := r.opts.Confirm(rec)
		if err != nil {
			return outcomes, err
		}
		apply[i] = ok
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for i := range records {
		if !apply[i] {
			continue
		}
		g.Go(func() error {
			run, action, err := r.recoverOne(gctx, records[i])
			outcomes[i].Run = run
			if err != nil {
				outcomes[i].Action = ActionFailed
				outcomes[i].Err = err
				r.logger.WithError(err).Warn("recovery failed", "run_id", records[i].RunID, "strategy", string(records[i].Strategy))
				return nil
			}
			outcomes[i].Action = action
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return outcomes, err
	}
	return outcomes, ctx.Err()
}

func (r *Recoverer) recoverOne(ctx context.Context, rec Record) (*models.RunState, Action, error) {
	r.logger.Info("recovering run", "run_id", rec.RunID, "condition", string(rec.Condition), "strategy", string(rec.Strategy))

	switch rec.Strategy {
	case StrategyReattachAndWait:
		if err := r.waitForExit(ctx, rec); err != nil {
			return nil, ActionFailed, err
		}
		run, err := r.runs.GetRun(ctx, rec.RunID)
		if err != nil {
			return nil, ActionFailed, err
		}
		if r.progressed(rec, run) {
			r.logger.Info("run progressed while waiting, leaving it to its driver", "run_id", rec.RunID, "phase", string(run.Phase))
			return run, ActionProgressed, nil
		}
		run, err = r.runs.RetryPhase(ctx, rec.RunID)
		return run, ActionRetried, err
	case StrategyRetryPhase:
		run, err := r.runs.RetryPhase(ctx, rec.RunID)
		return run, ActionRetried, err
	}
	return nil, ActionFailed, errors.Precondition("no recovery strategy %q", rec.Strategy)
}

// progressed reports whether run moved past the state rec was taken from,
// or has a live agent again.
func (r *Recoverer) progressed(rec Record, run *models.RunState) bool {
	if run.Phase != rec.Phase || len(run.History) != rec.History {
		return true
	}
	return run.Phase.IsAgentPhase() && r.hosts(rec.RunID).IsPaneActive(run.Phase.Agent())
}

// waitForExit polls until the attached agent exits or ReattachTimeout
// passes.
func (r *Recoverer) waitForExit(ctx context.Context, rec Record) error {
	h := r.hosts(rec.RunID)
	deadline := time.NewTimer(r.opts.ReattachTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(r.opts.PollInterval)
	defer tick.Stop()

	for h.IsPaneActive(rec.Agent) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errors.New(errors.KindTimeout, "agent %s of run %s still running after %s", rec.Agent, rec.RunID, r.opts.ReattachTimeout).
				WithSuggestion("stop the run with `foreman stop " + rec.RunID + "`")
		case <-tick.C:
		}
	}
	return nil
}
