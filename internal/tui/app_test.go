package tui

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/foreman/internal/agent"
	"github.com/mpataki/foreman/internal/log"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/orchestrator"
	"github.com/mpataki/foreman/internal/retry"
	"github.com/mpataki/foreman/internal/storage"
)

// askOnce has the refiner ask one question, then passes everything.
type askOnce struct {
	mu    sync.Mutex
	asked bool
}

func (a *askOnce) Run(ctx context.Context, req agent.Request) (*agent.Outcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if req.Agent == models.AgentRefiner && !a.asked {
		a.asked = true
		return &agent.Outcome{Signal: &agent.Signal{
			Status:   agent.StatusNeedsHuman,
			Question: "Which database?",
			Options: []models.Option{
				{ID: "pg", Description: "use postgres"},
				{ID: "lite", Description: "use sqlite"},
			},
		}}, nil
	}
	return &agent.Outcome{Signal: &agent.Signal{Status: agent.StatusPass, Summary: "ok"}}, nil
}

func newApp(t *testing.T) (*App, *orchestrator.Orchestrator, *storage.Storage) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "foreman.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	executor := retry.NewExecutor(retry.DefaultPolicy(),
		retry.WithSleep(func(context.Context, time.Duration) error { return nil }))
	o := orchestrator.New(store, t.TempDir(),
		orchestrator.WithRunner(&askOnce{}),
		orchestrator.WithRetry(executor),
		orchestrator.WithLogger(log.Nop()),
	)

	app := NewApp(context.Background(), o)
	t.Cleanup(app.Close)
	return app, o, store
}

func waitingRun(t *testing.T, o *orchestrator.Orchestrator) *models.RunState {
	t.Helper()
	ctx := context.Background()
	run, err := o.StartRun(ctx, "add caching", orchestrator.StartOptions{})
	require.NoError(t, err)
	run, err = o.Drive(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.PhaseWaitingHuman, run.Phase)
	return run
}

func press(app *App, key string) tea.Cmd {
	var msg tea.KeyMsg
	switch key {
	case "enter":
		msg = tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		msg = tea.KeyMsg{Type: tea.KeyEsc}
	case "up":
		msg = tea.KeyMsg{Type: tea.KeyUp}
	case "down":
		msg = tea.KeyMsg{Type: tea.KeyDown}
	case "tab":
		msg = tea.KeyMsg{Type: tea.KeyTab}
	default:
		msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)}
	}
	_, cmd := app.Update(msg)
	return cmd
}

func TestAnswerPendingCRPFromDashboard(t *testing.T) {
	app, o, store := newApp(t)
	run := waitingRun(t, o)

	app.Update(app.loadRuns())
	require.Len(t, app.runs, 1)
	assert.Contains(t, app.View(), run.ID)

	press(app, "a")
	assert.Equal(t, ViewAnswer, app.view)
	app.Update(app.loadRunDetail(run.ID)())
	require.NotNil(t, app.pending)
	assert.Contains(t, app.View(), "Which database?")

	press(app, "enter")
	assert.Equal(t, "a rationale is required", app.status)
	assert.Equal(t, ViewAnswer, app.view)

	press(app, "down")
	press(app, "smaller footprint")
	press(app, "tab")
	assert.Equal(t, "smaller footprint", app.rationale.Value())

	cmd := press(app, "enter")
	require.NotNil(t, cmd)
	assert.Equal(t, ViewRunDetail, app.view)
	app.Update(cmd())
	require.NoError(t, app.err)
	assert.Contains(t, app.status, string(models.PhaseReadyForMerge))

	got, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseReadyForMerge, got.Phase)

	vcrs, err := store.ListVCRs(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, vcrs, 1)
	assert.Equal(t, "lite", vcrs[0].Decision)
	assert.Equal(t, "smaller footprint", vcrs[0].Rationale)
	assert.True(t, vcrs[0].AppliesToFuture)
}

func TestCRPEventRefreshesDetail(t *testing.T) {
	app, o, _ := newApp(t)
	run := waitingRun(t, o)

	msg := app.waitForCRPEvent()
	assert.Equal(t, crpEventMsg{runID: run.ID}, msg)

	app.view = ViewRunDetail
	app.selectedRun = run
	_, cmd := app.Update(msg)
	assert.NotNil(t, cmd)
}

func TestAnswerRequiresWaitingRun(t *testing.T) {
	app, o, _ := newApp(t)
	run, err := o.StartRun(context.Background(), "add caching", orchestrator.StartOptions{})
	require.NoError(t, err)

	app.Update(app.loadRuns())
	press(app, "a")
	assert.Equal(t, ViewRunList, app.view)
	assert.Contains(t, app.status, run.ID+" is not waiting")
}

func TestStopFromRunDetail(t *testing.T) {
	app, o, store := newApp(t)
	run := waitingRun(t, o)

	app.Update(app.loadRuns())
	cmd := press(app, "enter")
	require.NotNil(t, cmd)
	app.Update(cmd())
	require.Equal(t, ViewRunDetail, app.view)
	view := app.View()
	assert.Contains(t, view, "Which database?")
	assert.Contains(t, view, "crp_raised")

	cmd = press(app, "x")
	require.NotNil(t, cmd)
	app.Update(cmd())
	require.NoError(t, app.err)

	got, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseFailed, got.Phase)

	press(app, "esc")
	assert.Equal(t, ViewRunList, app.view)
	assert.Nil(t, app.selectedRun)
}

func TestListNavigation(t *testing.T) {
	app := &App{runs: []*models.RunState{{ID: "a"}, {ID: "b"}}}

	press(app, "down")
	press(app, "down")
	assert.Equal(t, 1, app.selectedIdx)
	press(app, "up")
	press(app, "up")
	assert.Equal(t, 0, app.selectedIdx)

	app.Update(runsLoadedMsg{})
	assert.Equal(t, 0, app.selectedIdx)
	assert.Nil(t, app.selected())
}

func TestLastAssistantText(t *testing.T) {
	transcript := strings.Join([]string{
		`{"type":"summary","summary":"caching work"}`,
		`{"type":"user","message":{"content":"go"}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"first"}]}}`,
		`not json`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use"},{"type":"text","text":"done, "},{"type":"text","text":"all tests pass"}]}}`,
	}, "\n")

	got, err := lastAssistantText(strings.NewReader(transcript))
	require.NoError(t, err)
	assert.Equal(t, "done, all tests pass", got)

	got, err = lastAssistantText(strings.NewReader(`{"type":"summary","summary":"caching work"}`))
	require.NoError(t, err)
	assert.Equal(t, "caching work", got)
}

func TestSessionFile(t *testing.T) {
	got := sessionFile("/home/me", "/home/me/.foreman/workspaces/run-1/repo", "abc")
	assert.Equal(t, "/home/me/.claude/projects/-home-me--foreman-workspaces-run-1-repo/abc.jsonl", got)
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "now", formatAge(30*time.Second))
	assert.Equal(t, "5m", formatAge(5*time.Minute))
	assert.Equal(t, "3h", formatAge(3*time.Hour))
	assert.Equal(t, "2d", formatAge(50*time.Hour))

	assert.Equal(t, "450ms", formatDuration(450*time.Millisecond))
	assert.Equal(t, "1m5s", formatDuration(65*time.Second))
	assert.Equal(t, "2h3m", formatDuration(2*time.Hour+3*time.Minute))

	assert.Equal(t, "abc...", truncate("abcdefghij", 6))
	assert.Equal(t, "first", firstLine("first\nsecond"))
	assert.Contains(t, formatPhase(models.PhaseWaitingHuman), "waiting")
}
