// Package crp implements the human checkpoint protocol: a run raises a
// change request prompt (CRP) and blocks until a human records a verified
// change response (VCR) choosing one of its options.
package crp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mpataki/foreman/internal/config"
	"github.com/mpataki/foreman/internal/errors"
	"github.com/mpataki/foreman/internal/events"
	"github.com/mpataki/foreman/internal/log"
	"github.com/mpataki/foreman/internal/models"
)

// Store is the persistence the protocol needs. RaiseCRP and AnswerCRP must
// write the CRP or VCR and the run atomically.
type Store interface {
	GetRun(ctx context.Context, id string) (*models.RunState, error)
	GetCRP(ctx context.Context, id string) (*models.CRP, error)
	GetVCRForCRP(ctx context.Context, crpID string) (*models.VCR, error)
	ListCRPs(ctx context.Context, runID string) ([]*models.CRP, error)
	ListVCRs(ctx context.Context, runID string) ([]*models.VCR, error)
	RaiseCRP(ctx context.Context, run *models.RunState, crp *models.CRP, vcr *models.VCR) error
	AnswerCRP(ctx context.Context, run *models.RunState, vcr *models.VCR) error
}

type Protocol struct {
	store  Store
	logger *log.Logger
	bus    *events.Bus[Event]
	mode   string
	now    func() time.Time

	mu sync.Mutex
}

type Option func(*Protocol)

// WithFingerprint selects how questions are compared for standing
// decisions: config.FingerprintExact or config.FingerprintNormalized.
func WithFingerprint(mode string) Option {
	return func(p *Protocol) { p.mode = mode }
}

func WithClock(now func() time.Time) Option {
	return func(p *Protocol) { p.now = now }
}

func New(store Store, logger *log.Logger, opts ...Option) *Protocol {
	p := &Protocol{
		store:  store,
		logger: logger,
		bus:    events.NewBus[Event](),
		mode:   config.FingerprintExact,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Protocol) Events() *events.Bus[Event] { return p.bus }

// Fingerprint hashes a question for standing-decision matching.
func Fingerprint(mode, question string) string {
	if mode == config.FingerprintNormalized {
		question = strings.Join(strings.Fields(strings.ToLower(question)), " ")
	}
	sum := blake3.Sum256([]byte(question))
	return fmt.Sprintf("%x", sum[:])
}

type RaiseOptions struct {
	// NoAuto forces the CRP to block even if a standing decision matches.
	NoAuto bool
}

type RaiseResult struct {
	Run *models.RunState
	CRP *models.CRP
	// Auto is set when a standing decision answered the CRP. The run was
	// not blocked and carries the decision in Run.Resume.
	Auto *models.VCR
}

// Raise records a new CRP for the run. Unless a standing decision applies,
// the run moves to waiting_human with the CRP pending.
func (p *Protocol) Raise(ctx context.Context, runID, question string, options []models.Option, ro RaiseOptions) (*RaiseResult, error) {
	if err := validateCRP(question, options); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if pending := run.PendingCRP(); pending != "" {
		return nil, errors.Precondition("run %s already has pending CRP %s", run.ID, pending)
	}
	if !run.Phase.IsAgentPhase() {
		return nil, errors.Precondition("run %s cannot raise a CRP in phase %s", run.ID, run.Phase)
	}

	now := p.now()
	crp := &models.CRP{
		ID:          models.NewID("crp"),
		RunID:       run.ID,
		Phase:       run.Phase,
		Question:    question,
		Options:     append([]models.Option(nil), options...),
		Fingerprint: Fingerprint(p.mode, question),
		CreatedAt:   now,
	}

	if !ro.NoAuto {
		standing, err := p.standingDecision(ctx, run.ID, crp)
		if err != nil {
			return nil, err
		}
		if standing != nil {
			return p.autoResolve(ctx, run, crp, standing, now)
		}
	}

	run.Record(run.Phase, models.ResultCRPRaised, now)
	if err := run.Await(crp.ID); err != nil {
		return nil, errors.Wrap(errors.KindPreconditionFailed, err, "cannot block run")
	}
	run.Resume = nil
	if err := p.store.RaiseCRP(ctx, run, crp, nil); err != nil {
		return nil, err
	}

	p.logger.Info("CRP raised", "run_id", run.ID, "crp_id", crp.ID, "phase", string(crp.Phase))
	p.bus.Publish(Raised{CRP: crp})
	return &RaiseResult{Run: run, CRP: crp}, nil
}

func (p *Protocol) autoResolve(ctx context.Context, run *models.RunState, crp *models.CRP, standing *models.VCR, now time.Time) (*RaiseResult, error) {
	vcr := &models.VCR{
		ID:        models.NewID("vcr"),
		RunID:     run.ID,
		CRPID:     crp.ID,
		Decision:  standing.Decision,
		Rationale: fmt.Sprintf("standing decision from %s: %s", standing.ID, standing.Rationale),
		Notes:     standing.Notes,
		Auto:      true,
		CreatedAt: now,
	}
	run.Record(run.Phase, models.ResultCRPAutoApply, now)
	run.Resume = resumeInput(vcr)
	if err := p.store.RaiseCRP(ctx, run, crp, vcr); err != nil {
		return nil, err
	}

	p.logger.Info("CRP auto-resolved by standing decision",
		"run_id", run.ID, "crp_id", crp.ID, "vcr_id", vcr.ID, "standing_vcr_id", standing.ID, "decision", vcr.Decision)
	p.bus.Publish(AutoResolved{CRP: crp, VCR: vcr, Standing: standing})
	return &RaiseResult{Run: run, CRP: crp, Auto: vcr}, nil
}

// standingDecision returns the newest human VCR in the run that applies to
// future CRPs, was given for an equivalent question, and whose decision is
// still one of the offered options.
func (p *Protocol) standingDecision(ctx context.Context, runID string, crp *models.CRP) (*models.VCR, error) {
	vcrs, err := p.store.ListVCRs(ctx, runID)
	if err != nil {
		return nil, err
	}
	for i := len(vcrs) - 1; i >= 0; i-- {
		v := vcrs[i]
		if !v.AppliesToFuture || v.Auto || !crp.HasOption(v.Decision) {
			continue
		}
		prior, err := p.store.GetCRP(ctx, v.CRPID)
		if err != nil {
			return nil, err
		}
		if Fingerprint(p.mode, prior.Question) == crp.Fingerprint {
			return v, nil
		}
	}
	return nil, nil
}

func validateCRP(question string, options []models.Option) error {
	if strings.TrimSpace(question) == "" {
		e := errors.New(errors.KindValidation, "CRP question is required")
		e.Field = "question"
		return e
	}
	if len(options) == 0 {
		e := errors.New(errors.KindValidation, "CRP needs at least one option")
		e.Field = "options"
		return e
	}
	seen := make(map[string]bool, len(options))
	for _, o := range options {
		if o.ID == "" {
			e := errors.New(errors.KindValidation, "CRP option id is required")
			e.Field = "options"
			return e
		}
		if seen[o.ID] {
			e := errors.New(errors.KindValidation, "duplicate CRP option %q", o.ID)
			e.Field = "options"
			return e
		}
		seen[o.ID] = true
	}
	return nil
}

func resumeInput(vcr *models.VCR) *models.ResumeInput {
	return &models.ResumeInput{
		VCRID:     vcr.ID,
		CRPID:     vcr.CRPID,
		Decision:  vcr.Decision,
		Rationale: vcr.Rationale,
		Notes:     vcr.Notes,
	}
}
