package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/foreman/internal/models"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	phaseActive   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	phaseReady    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	phaseComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	phaseFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	phaseWaiting  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	signalPass   = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	signalRevise = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	signalHuman  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	questionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("208")).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

const historyShown = 8

func (a *App) viewRunList() string {
	s := titleStyle.Render("Foreman") + "\n\n"

	if len(a.runs) == 0 {
		s += "No runs yet. Start one with `foreman run <goal>`.\n"
	} else {
		s += "Recent Runs\n"
		s += "───────────\n"

		for i, run := range a.runs {
			line := a.formatRunLine(run)
			switch {
			case i == a.selectedIdx:
				line = selectedStyle.Render("▶ " + line)
			case run.Phase.IsTerminal():
				line = "  " + dimStyle.Render(line)
			default:
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] view  [a] answer  [R] resume  [t] retry  [x] stop  [m] merged  [d] delete  [r] refresh  [q] quit")
	return s
}

func (a *App) formatRunLine(run *models.RunState) string {
	phase := formatPhase(run.Phase)
	age := formatAge(time.Since(run.CreatedAt))
	iter := fmt.Sprintf("%d/%d", run.Iteration, run.MaxIterations)
	return fmt.Sprintf("%-32s %-20s %-5s %-5s %s", run.ID, phase, iter, age, truncate(firstLine(run.Goal), 40))
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func formatPhase(p models.Phase) string {
	switch {
	case p.IsAgentPhase():
		return phaseActive.Render("● " + string(p))
	case p == models.PhaseWaitingHuman:
		return phaseWaiting.Render("? waiting")
	case p == models.PhaseReadyForMerge:
		return phaseReady.Render("◆ ready")
	case p == models.PhaseCompleted:
		return phaseComplete.Render("✓ completed")
	case p == models.PhaseFailed:
		return phaseFailed.Render("✗ failed")
	}
	return string(p)
}

func (a *App) viewRunDetail() string {
	run := a.selectedRun
	if run == nil {
		return "No run selected\n"
	}

	s := titleStyle.Render(run.ID) + "  " + formatPhase(run.Phase) + "\n\n"
	s += run.Goal + "\n\n"

	s += labelStyle.Render("Iteration: ") + fmt.Sprintf("%d/%d", run.Iteration, run.MaxIterations) + "\n"
	s += labelStyle.Render("Workspace: ") + dimStyle.Render(run.WorkspacePath) + "\n"
	if run.Waiting != nil {
		s += labelStyle.Render("Waiting:   ") + fmt.Sprintf("%s raised in %s", run.Waiting.CRPID, run.Waiting.Origin) + "\n"
	}
	if run.Resume != nil {
		s += labelStyle.Render("Decision:  ") + fmt.Sprintf("%s (%s)", run.Resume.Decision, run.Resume.VCRID) + "\n"
	}
	if n := len(run.Errors); n > 0 {
		last := run.Errors[n-1]
		s += labelStyle.Render("Error:     ") + errorStyle.Render(fmt.Sprintf("[%s] %s", last.Kind, last.Message)) + "\n"
	}
	s += "\n"

	if a.pending != nil {
		s += questionStyle.Render(formatCRP(a.pending)) + "\n\n"
	}

	s += "History\n"
	s += "───────\n"
	history := run.History
	if len(history) > historyShown {
		s += dimStyle.Render(fmt.Sprintf("  (%d earlier)", len(history)-historyShown)) + "\n"
		history = history[len(history)-historyShown:]
	}
	for _, h := range history {
		s += fmt.Sprintf("  %s  %-16s %s\n", dimStyle.Render(h.Timestamp.Local().Format("15:04:05")), h.Phase, h.Result)
	}

	s += "\nExecutions\n"
	s += "──────────\n"
	if len(a.executions) == 0 {
		s += "(no executions yet)\n"
	}
	for i, exec := range a.executions {
		line := formatExecution(exec)
		if i == a.selectedExecIdx {
			line = selectedStyle.Render("▶ " + line)
		} else {
			line = "  " + line
		}
		s += line + "\n"
	}

	s += "\n" + helpStyle.Render("[↑/↓] select  [o] output  [a] answer  [R] resume  [t] retry  [x] stop  [m] merged  [esc] back")
	return s
}

func formatCRP(c *models.CRP) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)\n%s\n", c.ID, c.Phase, c.Question)
	for _, o := range c.Options {
		fmt.Fprintf(&b, "\n  %s  %s", o.ID, o.Description)
	}
	return b.String()
}

func formatExecution(exec *models.Execution) string {
	status := "○"
	switch exec.Status {
	case models.ExecStatusComplete:
		status = phaseComplete.Render("✓")
	case models.ExecStatusRunning:
		status = phaseActive.Render("●")
	case models.ExecStatusFailed:
		status = phaseFailed.Render("✗")
	}

	line := fmt.Sprintf("%d. %-10s i%d a%d %s", exec.SequenceNum, exec.AgentName, exec.Iteration, exec.Attempt, status)

	if exec.ExitCode != nil {
		if *exec.ExitCode == 0 {
			line += "  " + dimStyle.Render("exit:0")
		} else {
			line += "  " + phaseFailed.Render(fmt.Sprintf("exit:%d", *exec.ExitCode))
		}
	}

	if exec.StartedAt != nil && exec.CompletedAt != nil {
		line += "  " + fmt.Sprintf("%6s", dimStyle.Render(formatDuration(exec.CompletedAt.Sub(*exec.StartedAt))))
	} else if exec.StartedAt != nil && exec.Status == models.ExecStatusRunning {
		line += "  " + phaseActive.Render(formatDuration(time.Since(*exec.StartedAt))+"...")
	}

	if sig, ok := exec.OutputSignal["status"].(string); ok {
		line += "   " + formatSignalStatus(sig)
	} else if exec.Error != "" {
		line += "   " + errorStyle.Render(truncate(exec.Error, 50))
	}
	return line
}

func formatSignalStatus(status string) string {
	switch status {
	case "PASS":
		return signalPass.Render(status)
	case "REVISE":
		return signalRevise.Render(status)
	case "NEEDS_HUMAN":
		return signalHuman.Render(status)
	default:
		return status
	}
}

func (a *App) viewAnswer() string {
	s := titleStyle.Render("Answer CRP") + "\n\n"

	if a.pending == nil {
		return s + "(no pending CRP)\n\n" + helpStyle.Render("[esc] back")
	}

	s += a.pending.Question + "\n\n"
	for i, o := range a.pending.Options {
		line := fmt.Sprintf("%s  %s", o.ID, o.Description)
		if i == a.optionIdx {
			line = selectedStyle.Render("▶ " + line)
		} else {
			line = "  " + line
		}
		s += line + "\n"
	}

	s += "\n" + labelStyle.Render("Rationale") + "\n" + a.rationale.View() + "\n\n"

	future := "[ ]"
	if a.appliesToFuture {
		future = "[x]"
	}
	s += future + " apply to future identical questions in this run\n"

	s += "\n" + helpStyle.Render("[↑/↓] option  [tab] toggle future  [enter] submit and resume  [esc] cancel")
	return s
}

func (a *App) viewOutput() string {
	s := titleStyle.Render("Output") + "\n\n"

	if a.outputContent == "" {
		s += "(no output)\n"
	} else {
		s += a.outputContent + "\n"
	}

	s += "\n" + helpStyle.Render("[esc] back")
	return s
}

func (a *App) viewFooter() string {
	switch {
	case a.err != nil:
		return "\n\n" + errorStyle.Render("Error: "+a.err.Error())
	case a.status != "":
		return "\n\n" + dimStyle.Render(a.status)
	}
	return ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
