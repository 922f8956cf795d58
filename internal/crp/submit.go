package crp

import (
	"context"

	"github.com/mpataki/foreman/internal/errors"
	"github.com/mpataki/foreman/internal/models"
)

type Submission struct {
	RunID           string
	CRPID           string
	Decision        string
	Rationale       string
	Notes           string
	AppliesToFuture bool
}

type SubmitResult struct {
	Run *models.RunState
	VCR *models.VCR
}

// Submit records the human answer to the run's pending CRP and returns the
// run to the phase that raised it. The run is not driven further here.
func (p *Protocol) Submit(ctx context.Context, sub Submission) (*SubmitResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	run, err := p.store.GetRun(ctx, sub.RunID)
	if err != nil {
		return nil, err
	}
	crp, err := p.store.GetCRP(ctx, sub.CRPID)
	if err != nil {
		return nil, err
	}
	if crp.RunID != run.ID {
		return nil, errors.NotFound("CRP", sub.CRPID).
			WithSuggestion("run `foreman crps " + run.ID + "` to list the run's CRPs")
	}

	existing, err := p.store.GetVCRForCRP(ctx, crp.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.Precondition("CRP %s already answered by %s", crp.ID, existing.ID)
	}
	if run.PendingCRP() != crp.ID {
		return nil, errors.Precondition("CRP %s is not pending on run %s", crp.ID, run.ID)
	}
	if !crp.HasOption(sub.Decision) {
		return nil, errors.InvalidDecision(sub.Decision, crp.OptionIDs())
	}

	now := p.now()
	vcr := &models.VCR{
		ID:              models.NewID("vcr"),
		RunID:           run.ID,
		CRPID:           crp.ID,
		Decision:        sub.Decision,
		Rationale:       sub.Rationale,
		Notes:           sub.Notes,
		AppliesToFuture: sub.AppliesToFuture,
		CreatedAt:       now,
	}

	origin, err := run.Release()
	if err != nil {
		return nil, errors.Wrap(errors.KindPreconditionFailed, err, "cannot release run")
	}
	run.Resume = resumeInput(vcr)
	run.Record(origin, models.ResultVCRRecorded, now)

	if err := p.store.AnswerCRP(ctx, run, vcr); err != nil {
		return nil, err
	}

	p.logger.Info("VCR recorded",
		"run_id", run.ID, "crp_id", crp.ID, "vcr_id", vcr.ID, "decision", vcr.Decision, "applies_to_future", vcr.AppliesToFuture)
	p.bus.Publish(Resolved{CRP: crp, VCR: vcr, Origin: origin})
	return &SubmitResult{Run: run, VCR: vcr}, nil
}

// List returns the CRPs raised by a run, oldest first.
func (p *Protocol) List(ctx context.Context, runID string) ([]*models.CRP, error) {
	if _, err := p.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return p.store.ListCRPs(ctx, runID)
}

// Responses returns the VCRs recorded for a run, oldest first.
func (p *Protocol) Responses(ctx context.Context, runID string) ([]*models.VCR, error) {
	if _, err := p.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return p.store.ListVCRs(ctx, runID)
}

// Pending returns the run's unanswered CRP, or nil.
func (p *Protocol) Pending(ctx context.Context, runID string) (*models.CRP, error) {
	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.PendingCRP() == "" {
		return nil, nil
	}
	return p.store.GetCRP(ctx, run.PendingCRP())
}
