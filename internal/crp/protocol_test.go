package crp

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/foreman/internal/config"
	"github.com/mpataki/foreman/internal/errors"
	"github.com/mpataki/foreman/internal/log"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/storage"
)

var clock = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

var dbOptions = []models.Option{
	{ID: "pg", Description: "use postgres"},
	{ID: "lite", Description: "use sqlite"},
}

func setup(t *testing.T, opts ...Option) (*Protocol, *storage.Storage, *models.RunState) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "foreman.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	run := models.NewRunState("run-a", "add persistence", 3, clock)
	run.Phase = models.PhaseBuild
	require.NoError(t, store.CreateRun(context.Background(), run))

	opts = append([]Option{WithClock(func() time.Time { return clock })}, opts...)
	return New(store, log.Nop(), opts...), store, run
}

func TestRaiseBlocksRun(t *testing.T) {
	ctx := context.Background()
	p, store, run := setup(t)

	res, err := p.Raise(ctx, run.ID, "which database?", dbOptions, RaiseOptions{})
	require.NoError(t, err)
	assert.Nil(t, res.Auto)
	assert.Equal(t, models.PhaseWaitingHuman, res.Run.Phase)
	assert.Equal(t, res.CRP.ID, res.Run.PendingCRP())

	stored, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, res.CRP.ID, stored.PendingCRP())
	assert.Equal(t, models.PhaseBuild, stored.Waiting.Origin)
	assert.Equal(t, models.ResultCRPRaised, stored.History[len(stored.History)-1].Result)
}

func TestRaiseRejectsSecondPendingCRP(t *testing.T) {
	ctx := context.Background()
	p, _, run := setup(t)

	_, err := p.Raise(ctx, run.ID, "which database?", dbOptions, RaiseOptions{})
	require.NoError(t, err)

	_, err = p.Raise(ctx, run.ID, "which cache?", dbOptions, RaiseOptions{})
	assert.True(t, errors.IsKind(err, errors.KindPreconditionFailed), "got %v", err)
}

func TestRaiseValidation(t *testing.T) {
	ctx := context.Background()
	p, _, run := setup(t)

	tests := []struct {
		name     string
		question string
		options  []models.Option
		field    string
	}{
		{"empty question", "  ", dbOptions, "question"},
		{"no options", "q?", nil, "options"},
		{"duplicate ids", "q?", []models.Option{{ID: "a"}, {ID: "a"}}, "options"},
		{"blank id", "q?", []models.Option{{ID: ""}}, "options"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Raise(ctx, run.ID, tt.question, tt.options, RaiseOptions{})
			var ce *errors.Error
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, errors.KindValidation, ce.Kind)
			assert.Equal(t, tt.field, ce.Field)
		})
	}

	_, err := p.Raise(ctx, "run-missing", "q?", dbOptions, RaiseOptions{})
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestSubmitInvalidDecisionLeavesRunUntouched(t *testing.T) {
	ctx := context.Background()
	p, store, run := setup(t)
	res, err := p.Raise(ctx, run.ID, "which database?", dbOptions, RaiseOptions{})
	require.NoError(t, err)

	_, err = p.Submit(ctx, Submission{RunID: run.ID, CRPID: res.CRP.ID, Decision: "mongo"})
	require.True(t, errors.IsKind(err, errors.KindInvalidDecision))
	assert.Contains(t, err.Error(), "decision must be one of: pg, lite")

	stored, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, res.CRP.ID, stored.PendingCRP())
	assert.Equal(t, models.PhaseWaitingHuman, stored.Phase)
}

func TestSubmitReleasesRunToOrigin(t *testing.T) {
	ctx := context.Background()
	p, store, run := setup(t)
	res, err := p.Raise(ctx, run.ID, "which database?", dbOptions, RaiseOptions{})
	require.NoError(t, err)

	ch, stop := p.Events().Subscribe(4)
	defer stop()

	out, err := p.Submit(ctx, Submission{RunID: run.ID, CRPID: res.CRP.ID, Decision: "lite", Rationale: "local only"})
	require.NoError(t, err)
	assert.Equal(t, "lite", out.VCR.Decision)

	stored, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.PendingCRP())
	assert.Equal(t, models.PhaseBuild, stored.Phase)
	require.NotNil(t, stored.Resume)
	assert.Equal(t, "lite", stored.Resume.Decision)
	assert.Equal(t, out.VCR.ID, stored.Resume.VCRID)

	ev := <-ch
	resolved, ok := ev.(Resolved)
	require.True(t, ok)
	assert.Equal(t, models.PhaseBuild, resolved.Origin)

	_, err = p.Submit(ctx, Submission{RunID: run.ID, CRPID: res.CRP.ID, Decision: "pg"})
	assert.True(t, errors.IsKind(err, errors.KindPreconditionFailed))
}

func TestSubmitNotFound(t *testing.T) {
	ctx := context.Background()
	p, store, run := setup(t)

	_, err := p.Submit(ctx, Submission{RunID: run.ID, CRPID: "crp-nope", Decision: "pg"})
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	_, err = p.Submit(ctx, Submission{RunID: "run-nope", CRPID: "crp-nope", Decision: "pg"})
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	other := models.NewRunState("run-b", "other", 3, clock)
	other.Phase = models.PhaseVerify
	require.NoError(t, store.CreateRun(ctx, other))
	res, err := p.Raise(ctx, other.ID, "which database?", dbOptions, RaiseOptions{})
	require.NoError(t, err)

	_, err = p.Submit(ctx, Submission{RunID: run.ID, CRPID: res.CRP.ID, Decision: "pg"})
	assert.True(t, errors.IsKind(err, errors.KindNotFound), "CRP of another run")
}

func answer(t *testing.T, p *Protocol, runID, question, decision string, future bool) {
	t.Helper()
	ctx := context.Background()
	res, err := p.Raise(ctx, runID, question, dbOptions, RaiseOptions{})
	require.NoError(t, err)
	_, err = p.Submit(ctx, Submission{RunID: runID, CRPID: res.CRP.ID, Decision: decision, Rationale: "r", AppliesToFuture: future})
	require.NoError(t, err)
}

func TestStandingDecisionAutoResolves(t *testing.T) {
	ctx := context.Background()
	p, store, run := setup(t)
	answer(t, p, run.ID, "Which database?", "lite", true)

	res, err := p.Raise(ctx, run.ID, "Which database?", dbOptions, RaiseOptions{})
	require.NoError(t, err)
	require.NotNil(t, res.Auto)
	assert.True(t, res.Auto.Auto)
	assert.Equal(t, "lite", res.Auto.Decision)
	assert.Equal(t, models.PhaseBuild, res.Run.Phase, "run does not block")
	assert.Empty(t, res.Run.PendingCRP())
	require.NotNil(t, res.Run.Resume)
	assert.Equal(t, "lite", res.Run.Resume.Decision)

	vcrs, err := store.ListVCRs(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, vcrs, 2)
}

func TestStandingDecisionRequiresFlagAndMatch(t *testing.T) {
	ctx := context.Background()

	p, _, run := setup(t)
	answer(t, p, run.ID, "Which database?", "lite", false)
	res, err := p.Raise(ctx, run.ID, "Which database?", dbOptions, RaiseOptions{})
	require.NoError(t, err)
	assert.Nil(t, res.Auto, "no standing decision without applies_to_future")

	p, _, run = setup(t)
	answer(t, p, run.ID, "Which database?", "lite", true)
	res, err = p.Raise(ctx, run.ID, "which   DATABASE?", dbOptions, RaiseOptions{})
	require.NoError(t, err)
	assert.Nil(t, res.Auto, "exact fingerprints differ")

	p, _, run = setup(t)
	answer(t, p, run.ID, "Which database?", "lite", true)
	res, err = p.Raise(ctx, run.ID, "Which database?", []models.Option{{ID: "pg"}, {ID: "mysql"}}, RaiseOptions{})
	require.NoError(t, err)
	assert.Nil(t, res.Auto, "standing decision is not among the new options")

	p, _, run = setup(t)
	answer(t, p, run.ID, "Which database?", "lite", true)
	res, err = p.Raise(ctx, run.ID, "Which database?", dbOptions, RaiseOptions{NoAuto: true})
	require.NoError(t, err)
	assert.Nil(t, res.Auto)
}

func TestNormalizedFingerprint(t *testing.T) {
	ctx := context.Background()
	p, _, run := setup(t, WithFingerprint(config.FingerprintNormalized))
	answer(t, p, run.ID, "Which database?", "pg", true)

	res, err := p.Raise(ctx, run.ID, "  which   DATABASE? ", dbOptions, RaiseOptions{})
	require.NoError(t, err)
	require.NotNil(t, res.Auto)
	assert.Equal(t, "pg", res.Auto.Decision)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint(config.FingerprintExact, "Which database?")
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, Fingerprint(config.FingerprintExact, "which database?"))
	assert.Equal(t,
		Fingerprint(config.FingerprintNormalized, "Which  database?"),
		Fingerprint(config.FingerprintNormalized, "which database?"))
}

func TestListAndPending(t *testing.T) {
	ctx := context.Background()
	p, _, run := setup(t)
	res, err := p.Raise(ctx, run.ID, "which database?", dbOptions, RaiseOptions{})
	require.NoError(t, err)

	pending, err := p.Pending(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, res.CRP.ID, pending.ID)

	crps, err := p.List(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, crps, 1)

	_, err = p.Responses(ctx, "run-missing")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}
