// Package agent invokes the pipeline agents and turns what they leave
// behind into a classified outcome.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/mpataki/foreman/internal/config"
	"github.com/mpataki/foreman/internal/errors"
	"github.com/mpataki/foreman/internal/log"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/workspace"
)

type Request struct {
	RunID         string
	Goal          string
	Phase         models.Phase
	Agent         string
	Iteration     int
	MaxIterations int
	Attempt       int
	// Decision is the human answer the phase is re-entered with, if any.
	Decision    *models.ResumeInput
	Workspace   *workspace.Workspace
	ExecutionID int64
}

type Outcome struct {
	Signal    *Signal
	Raw       map[string]any
	SessionID string
	ExitCode  int
}

// Runner executes one agent invocation. A non-nil Outcome may accompany an
// error so the caller can record exit codes of failed attempts.
type Runner interface {
	Run(ctx context.Context, req Request) (*Outcome, error)
}

// PIDRecorder stores the PID of a started agent on its execution.
type PIDRecorder interface {
	UpdateExecutionPID(ctx context.Context, execID int64, pid int) error
}

// ClaudeRunner runs agents through the claude CLI.
type ClaudeRunner struct {
	cfg    config.AgentsConfig
	pids   PIDRecorder
	logger *log.Logger
}

func NewClaudeRunner(cfg config.AgentsConfig, pids PIDRecorder, logger *log.Logger) *ClaudeRunner {
	return &ClaudeRunner{cfg: cfg, pids: pids, logger: logger}
}

func (r *ClaudeRunner) Run(ctx context.Context, req Request) (*Outcome, error) {
	ws := req.Workspace
	if err := ws.ClearSignal(req.Agent); err != nil {
		return nil, err
	}
	if err := ws.CreateAgentScratchpad(req.Agent); err != nil {
		return nil, err
	}
	meta := &workspace.RunMetadata{
		RunID:         req.RunID,
		Goal:          req.Goal,
		Phase:         req.Phase,
		Agent:         req.Agent,
		Iteration:     req.Iteration,
		MaxIterations: req.MaxIterations,
		Attempt:       req.Attempt,
		Decision:      req.Decision,
	}
	if err := ws.WriteRunMetadata(meta); err != nil {
		return nil, err
	}

	timeout := r.cfg.TimeoutFor(req.Agent)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := r.exec(runCtx, ws.RepoPath, req)
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		if runCtx.Err() == context.DeadlineExceeded {
			return out, errors.New(errors.KindTimeout, "agent %s exceeded %s", req.Agent, timeout)
		}
		return out, err
	}

	data, err := ws.ReadSignal(req.Agent)
	if err != nil {
		return out, errors.Wrap(errors.KindValidation, err, "agent %s left no signal", req.Agent)
	}
	sig, raw, err := ParseSignal(data)
	out.Raw = raw
	if err != nil {
		return out, err
	}
	out.Signal = sig
	return out, nil
}

func (r *ClaudeRunner) exec(ctx context.Context, dir string, req Request) (*Outcome, error) {
	args := []string{
		"--agent", req.Agent,
		"-p", BuildPrompt(req),
		"--output-format", "json",
		"--dangerously-skip-permissions",
		"--max-turns", fmt.Sprint(r.cfg.MaxTurns),
	}

	cmd := exec.CommandContext(ctx, r.cfg.Command, args...)
	cmd.Dir = dir
	// Own process group so interrupts and kills reach the agent's children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(errors.KindCrash, err, "agent %s", req.Agent)
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(errors.KindCrash, err, "failed to start agent %s", req.Agent)
	}

	if r.pids != nil && req.ExecutionID != 0 {
		if err := r.pids.UpdateExecutionPID(ctx, req.ExecutionID, cmd.Process.Pid); err != nil {
			r.logger.WithError(err).Warn("failed to record agent pid", "run_id", req.RunID, "agent", req.Agent)
		}
	}

	output, _ := io.ReadAll(stdout)

	err = cmd.Wait()
	out := &Outcome{}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	var result struct {
		SessionID string `json:"session_id"`
	}
	if json.Unmarshal(output, &result) == nil {
		out.SessionID = result.SessionID
	}

	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return out, errors.New(errors.KindCrash, "agent %s exited with code %d", req.Agent, exitErr.ExitCode())
		}
		return out, errors.Wrap(errors.KindCrash, err, "agent %s", req.Agent)
	}

	r.logger.Debug("agent finished", "run_id", req.RunID, "agent", req.Agent, "session_id", out.SessionID)
	return out, nil
}
