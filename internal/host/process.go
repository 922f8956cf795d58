package host

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/mpataki/foreman/internal/models"
)

// ExecutionSource finds the execution currently running for a run.
type ExecutionSource interface {
	GetRunningExecutionForRun(ctx context.Context, runID string) (*models.Execution, error)
}

// Process hosts agents as child processes whose PIDs are recorded on the
// run's executions. Agents are started in their own process group.
type Process struct {
	runID string
	execs ExecutionSource

	alive  func(pid int) bool
	signal func(pid int, sig syscall.Signal) error
}

func NewProcessProvider(execs ExecutionSource) Provider {
	return func(runID string) Host {
		return &Process{
			runID:  runID,
			execs:  execs,
			alive:  pidAlive,
			signal: syscall.Kill,
		}
	}
}

func (p *Process) SessionName() string { return SessionName(p.runID) }

func (p *Process) SessionExists() bool {
	_, ok := p.running("")
	return ok
}

func (p *Process) IsPaneActive(agent string) bool {
	_, ok := p.running(agent)
	return ok
}

// Interrupt sends SIGINT to the agent's process group.
func (p *Process) Interrupt(agent string) error {
	pid, ok := p.running(agent)
	if !ok {
		return fmt.Errorf("no live %s process for run %s", agent, p.runID)
	}
	return p.signal(-pid, syscall.SIGINT)
}

// running returns the PID of the live running execution, optionally
// restricted to one agent.
func (p *Process) running(agent string) (int, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	exec, err := p.execs.GetRunningExecutionForRun(ctx, p.runID)
	if err != nil || exec == nil || exec.PID == nil {
		return 0, false
	}
	if agent != "" && exec.AgentName != agent {
		return 0, false
	}
	if !p.alive(*exec.PID) {
		return 0, false
	}
	return *exec.PID, true
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
