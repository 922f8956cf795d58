// Package tui is the interactive run dashboard.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mpataki/foreman/internal/crp"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/orchestrator"
)

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
	ViewAnswer
	ViewOutput
)

const listLimit = 30

type App struct {
	ctx          context.Context
	orchestrator *orchestrator.Orchestrator
	events       <-chan orchestrator.Event
	crpEvents    <-chan crp.Event
	unsubscribe  func()

	view            View
	runs            []*models.RunState
	selectedIdx     int
	selectedRun     *models.RunState
	executions      []*models.Execution
	pending         *models.CRP
	selectedExecIdx int
	outputContent   string

	optionIdx       int
	appliesToFuture bool
	rationale       textinput.Model

	width  int
	height int
	status string
	err    error
}

// NewApp builds the dashboard. Runs resumed from the dashboard are driven
// under ctx.
func NewApp(ctx context.Context, orch *orchestrator.Orchestrator) *App {
	ti := textinput.New()
	ti.Placeholder = "why this option"
	ti.CharLimit = 500
	ti.Width = 60

	ch, unsubRuns := orch.Events().Subscribe(64)
	crpCh, unsubCRPs := orch.Protocol().Events().Subscribe(16)
	return &App{
		ctx:          ctx,
		orchestrator: orch,
		events:       ch,
		crpEvents:    crpCh,
		unsubscribe:  func() { unsubRuns(); unsubCRPs() },
		view:         ViewRunList,
		rationale:    ti,
	}
}

// Close ends the dashboard's event subscription.
func (a *App) Close() {
	a.unsubscribe()
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRuns, a.tickCmd(), a.waitForEvent, a.waitForCRPEvent)
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasActiveRuns() bool {
	for _, run := range a.runs {
		if run.Phase.IsAgentPhase() {
			return true
		}
	}
	return false
}

func (a *App) selected() *models.RunState {
	if a.selectedIdx < 0 || a.selectedIdx >= len(a.runs) {
		return nil
	}
	return a.runs[a.selectedIdx]
}

// current is the run an action applies to: the detail run, or the list
// selection.
func (a *App) current() *models.RunState {
	if a.view != ViewRunList && a.selectedRun != nil {
		return a.selectedRun
	}
	return a.selected()
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		if a.selectedIdx >= len(a.runs) {
			a.selectedIdx = max(len(a.runs)-1, 0)
		}
		return a, nil

	case tickMsg:
		// Other processes may be driving runs; poll while any look active.
		if a.hasActiveRuns() {
			cmds := []tea.Cmd{a.loadRuns, a.tickCmd()}
			if a.view == ViewRunDetail && a.selectedRun != nil {
				cmds = append(cmds, a.loadRunDetail(a.selectedRun.ID))
			}
			return a, tea.Batch(cmds...)
		}
		return a, a.tickCmd()

	case runEventMsg:
		cmds := []tea.Cmd{a.loadRuns, a.waitForEvent}
		if a.view == ViewRunDetail && a.selectedRun != nil && eventRunID(msg.event) == a.selectedRun.ID {
			cmds = append(cmds, a.loadRunDetail(a.selectedRun.ID))
		}
		return a, tea.Batch(cmds...)

	case crpEventMsg:
		// Answers recorded elsewhere release runs without a phase event.
		cmds := []tea.Cmd{a.loadRuns, a.waitForCRPEvent}
		if a.view == ViewRunDetail && a.selectedRun != nil && msg.runID == a.selectedRun.ID {
			cmds = append(cmds, a.loadRunDetail(a.selectedRun.ID))
		}
		return a, tea.Batch(cmds...)

	case runDetailMsg:
		a.err = msg.err
		if msg.err != nil {
			return a, nil
		}
		a.selectedRun = msg.run
		a.executions = msg.executions
		a.pending = msg.pending
		if a.selectedExecIdx >= len(a.executions) {
			a.selectedExecIdx = max(len(a.executions)-1, 0)
		}
		if a.view == ViewRunList {
			a.view = ViewRunDetail
		}
		return a, nil

	case actionDoneMsg:
		a.err = msg.err
		if msg.err == nil {
			a.status = msg.status
		}
		cmds := []tea.Cmd{a.loadRuns}
		if a.view != ViewRunList && a.selectedRun != nil && !msg.deleted {
			cmds = append(cmds, a.loadRunDetail(a.selectedRun.ID))
		}
		if msg.deleted {
			a.view = ViewRunList
			a.selectedRun = nil
		}
		return a, tea.Batch(cmds...)

	case outputLoadedMsg:
		if msg.err != nil {
			a.err = msg.err
		} else {
			a.outputContent = msg.content
			a.view = ViewOutput
		}
		return a, nil
	}

	if a.view == ViewAnswer {
		var cmd tea.Cmd
		a.rationale, cmd = a.rationale.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return a, tea.Quit
	}
	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewRunDetail:
		return a.handleRunDetailKey(msg)
	case ViewAnswer:
		return a.handleAnswerKey(msg)
	case ViewOutput:
		return a.handleOutputKey(msg)
	}
	return a, nil
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}

	case "enter":
		if run := a.selected(); run != nil {
			a.selectedExecIdx = 0
			return a, a.loadRunDetail(run.ID)
		}

	case "r":
		return a, a.loadRuns

	default:
		return a.handleRunAction(msg)
	}

	return a, nil
}

func (a *App) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList
		a.selectedRun = nil
		a.executions = nil
		a.pending = nil
		a.selectedExecIdx = 0

	case "up", "k":
		if a.selectedExecIdx > 0 {
			a.selectedExecIdx--
		}

	case "down", "j":
		if a.selectedExecIdx < len(a.executions)-1 {
			a.selectedExecIdx++
		}

	case "o":
		if a.selectedExecIdx < len(a.executions) && a.selectedRun != nil {
			exec := a.executions[a.selectedExecIdx]
			if exec.ClaudeSessionID != "" {
				return a, a.loadOutput(exec.ClaudeSessionID, a.selectedRun.WorkspacePath)
			}
			a.status = "no session recorded for this execution"
		}

	default:
		return a.handleRunAction(msg)
	}

	return a, nil
}

// handleRunAction handles the keys shared by the list and detail views.
func (a *App) handleRunAction(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	run := a.current()
	if run == nil {
		return a, nil
	}

	switch msg.String() {
	case "a":
		if run.Phase != models.PhaseWaitingHuman {
			a.status = fmt.Sprintf("%s is not waiting on a human", run.ID)
			return a, nil
		}
		return a, a.openAnswer(run.ID)

	case "x":
		return a, a.stopRun(run.ID)

	case "t":
		return a, a.retryPhase(run.ID)

	case "R":
		return a, a.resumeRun(run.ID)

	case "m":
		return a, a.markMerged(run.ID)

	case "d":
		return a, a.deleteRun(run.ID)
	}
	return a, nil
}

func (a *App) handleAnswerKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		a.view = ViewRunDetail
		a.rationale.Blur()
		return a, nil

	case "up":
		if a.optionIdx > 0 {
			a.optionIdx--
		}
		return a, nil

	case "down":
		if a.pending != nil && a.optionIdx < len(a.pending.Options)-1 {
			a.optionIdx++
		}
		return a, nil

	case "tab":
		a.appliesToFuture = !a.appliesToFuture
		return a, nil

	case "enter":
		if a.pending == nil || a.selectedRun == nil {
			return a, nil
		}
		rationale := strings.TrimSpace(a.rationale.Value())
		if rationale == "" {
			a.status = "a rationale is required"
			return a, nil
		}
		sub := crp.Submission{
			RunID:           a.selectedRun.ID,
			CRPID:           a.pending.ID,
			Decision:        a.pending.Options[a.optionIdx].ID,
			Rationale:       rationale,
			AppliesToFuture: a.appliesToFuture,
		}
		a.view = ViewRunDetail
		a.rationale.Blur()
		return a, a.submitVCR(sub)
	}

	var cmd tea.Cmd
	a.rationale, cmd = a.rationale.Update(msg)
	return a, cmd
}

func (a *App) handleOutputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunDetail
		a.outputContent = ""
	}
	return a, nil
}

// openAnswer loads the run with its pending CRP and switches to the answer
// form.
func (a *App) openAnswer(runID string) tea.Cmd {
	a.optionIdx = 0
	a.appliesToFuture = false
	a.rationale.Reset()
	a.view = ViewAnswer
	return tea.Batch(a.loadRunDetail(runID), a.rationale.Focus(), textinput.Blink)
}

func (a *App) View() string {
	var s string
	switch a.view {
	case ViewRunList:
		s = a.viewRunList()
	case ViewRunDetail:
		s = a.viewRunDetail()
	case ViewAnswer:
		s = a.viewAnswer()
	case ViewOutput:
		s = a.viewOutput()
	}
	return s + a.viewFooter()
}

// Messages

type runsLoadedMsg struct {
	runs []*models.RunState
	err  error
}

type runDetailMsg struct {
	run        *models.RunState
	executions []*models.Execution
	pending    *models.CRP
	err        error
}

type runEventMsg struct {
	event orchestrator.Event
}

type crpEventMsg struct {
	runID string
}

type actionDoneMsg struct {
	status  string
	deleted bool
	err     error
}

type outputLoadedMsg struct {
	content string
	err     error
}

func eventRunID(ev orchestrator.Event) string {
	switch e := ev.(type) {
	case orchestrator.PhaseEntered:
		return e.RunID
	case orchestrator.PhaseFinished:
		return e.RunID
	case orchestrator.RunPaused:
		return e.RunID
	case orchestrator.RunFailed:
		return e.RunID
	case orchestrator.RunReady:
		return e.RunID
	}
	return ""
}

// Commands

func (a *App) loadRuns() tea.Msg {
	runs, err := a.orchestrator.ListRuns(a.ctx, listLimit)
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) waitForEvent() tea.Msg {
	ev, ok := <-a.events
	if !ok {
		return nil
	}
	return runEventMsg{event: ev}
}

func (a *App) waitForCRPEvent() tea.Msg {
	ev, ok := <-a.crpEvents
	if !ok {
		return nil
	}
	switch e := ev.(type) {
	case crp.Raised:
		return crpEventMsg{runID: e.CRP.RunID}
	case crp.AutoResolved:
		return crpEventMsg{runID: e.CRP.RunID}
	case crp.Resolved:
		return crpEventMsg{runID: e.CRP.RunID}
	}
	return crpEventMsg{}
}

func (a *App) loadRunDetail(id string) tea.Cmd {
	return func() tea.Msg {
		run, err := a.orchestrator.GetRun(a.ctx, id)
		if err != nil {
			return runDetailMsg{err: err}
		}
		execs, err := a.orchestrator.GetExecutionsForRun(a.ctx, id)
		if err != nil {
			return runDetailMsg{err: err}
		}
		pending, err := a.orchestrator.PendingCRP(a.ctx, id)
		return runDetailMsg{run: run, executions: execs, pending: pending, err: err}
	}
}

func (a *App) stopRun(id string) tea.Cmd {
	return func() tea.Msg {
		_, err := a.orchestrator.StopRun(a.ctx, id)
		return actionDoneMsg{status: "stopped " + id, err: err}
	}
}

func (a *App) deleteRun(id string) tea.Cmd {
	return func() tea.Msg {
		err := a.orchestrator.DeleteRun(a.ctx, id)
		return actionDoneMsg{status: "deleted " + id, deleted: err == nil, err: err}
	}
}

func (a *App) markMerged(id string) tea.Cmd {
	return func() tea.Msg {
		_, err := a.orchestrator.MarkMerged(a.ctx, id)
		return actionDoneMsg{status: "merged " + id, err: err}
	}
}

// The driving commands below block until the run pauses or finishes;
// progress reaches the dashboard through orchestrator events meanwhile.

func (a *App) retryPhase(id string) tea.Cmd {
	return func() tea.Msg {
		run, err := a.orchestrator.RetryPhase(a.ctx, id)
		return driven(run, err)
	}
}

func (a *App) resumeRun(id string) tea.Cmd {
	return func() tea.Msg {
		run, err := a.orchestrator.ResumeRun(a.ctx, id)
		return driven(run, err)
	}
}

func (a *App) submitVCR(sub crp.Submission) tea.Cmd {
	return func() tea.Msg {
		run, _, err := a.orchestrator.SubmitVCR(a.ctx, sub, true)
		return driven(run, err)
	}
}

func driven(run *models.RunState, err error) tea.Msg {
	if err != nil {
		return actionDoneMsg{err: err}
	}
	return actionDoneMsg{status: fmt.Sprintf("%s is now %s", run.ID, run.Phase)}
}
