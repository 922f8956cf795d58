package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/foreman/internal/config"
	"github.com/mpataki/foreman/internal/errors"
	"github.com/mpataki/foreman/internal/log"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/workspace"
)

func TestParseSignal(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		status Status
		field  string
	}{
		{"pass", `{"status":"PASS","summary":"done"}`, StatusPass, ""},
		{"revise lower case", `{"status":"revise"}`, StatusRevise, ""},
		{"needs human", `{"status":"NEEDS_HUMAN","question":"db?","options":[{"id":"pg"}]}`, StatusNeedsHuman, ""},
		{"needs human without question", `{"status":"NEEDS_HUMAN","options":[{"id":"pg"}]}`, "", "question"},
		{"needs human without options", `{"status":"NEEDS_HUMAN","question":"db?"}`, "", "options"},
		{"unknown status", `{"status":"APPROVED"}`, "", "status"},
		{"not json", `status: PASS`, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, _, err := ParseSignal([]byte(tt.input))
			if tt.status != "" {
				require.NoError(t, err)
				assert.Equal(t, tt.status, sig.Status)
				return
			}
			require.Error(t, err)
			var ce *errors.Error
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, errors.KindValidation, ce.Kind)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestBuildPromptIncludesDecision(t *testing.T) {
	req := Request{
		Goal: "add caching", Phase: models.PhaseBuild, Agent: models.AgentBuilder, Iteration: 1, MaxIterations: 3,
		Decision: &models.ResumeInput{CRPID: "crp-1", Decision: "redis", Rationale: "already deployed"},
	}

	prompt := BuildPrompt(req)

	assert.Contains(t, prompt, "add caching")
	assert.Contains(t, prompt, "You are the 'builder' agent")
	assert.Contains(t, prompt, "decision `redis`")
	assert.Contains(t, prompt, "Rationale: already deployed")
	assert.Contains(t, prompt, ".agents/signals/builder.json")

	req.Decision = nil
	req.Phase = models.PhaseRefine
	req.Agent = models.AgentRefiner
	assert.NotContains(t, BuildPrompt(req), "A human answered")
}

type pidLog struct{ pids []int }

func (p *pidLog) UpdateExecutionPID(_ context.Context, _ int64, pid int) error {
	p.pids = append(p.pids, pid)
	return nil
}

func fakeAgent(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	return path
}

func newRequest(t *testing.T) Request {
	ws, err := workspace.Create(t.TempDir(), "run-a", "")
	require.NoError(t, err)
	return Request{
		RunID: "run-a", Goal: "g", Phase: models.PhaseBuild, Agent: models.AgentBuilder,
		Iteration: 1, MaxIterations: 3, Attempt: 1, Workspace: ws, ExecutionID: 7,
	}
}

func runnerFor(command string, timeout time.Duration, pids PIDRecorder) *ClaudeRunner {
	return NewClaudeRunner(config.AgentsConfig{Command: command, MaxTurns: 5, Timeout: config.Duration(timeout)}, pids, log.Nop())
}

func TestClaudeRunnerPass(t *testing.T) {
	req := newRequest(t)
	cmd := fakeAgent(t, `echo '{"status":"PASS","summary":"built"}' > .agents/signals/builder.json
echo '{"session_id":"sess-42"}'
`)
	pids := &pidLog{}

	out, err := runnerFor(cmd, 10*time.Second, pids).Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusPass, out.Signal.Status)
	assert.Equal(t, "built", out.Signal.Summary)
	assert.Equal(t, "sess-42", out.SessionID)
	assert.Equal(t, "built", out.Raw["summary"])
	assert.Len(t, pids.pids, 1)

	meta, err := req.Workspace.ReadRunMetadata()
	require.NoError(t, err)
	assert.Equal(t, models.AgentBuilder, meta.Agent)
}

func TestClaudeRunnerClassifiesFailures(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		timeout time.Duration
		kind    errors.Kind
	}{
		{"non-zero exit", "exit 3\n", 10 * time.Second, errors.KindCrash},
		{"missing signal", "true\n", 10 * time.Second, errors.KindValidation},
		{"malformed signal", "echo 'nope' > .agents/signals/builder.json\n", 10 * time.Second, errors.KindValidation},
		{"timeout", "sleep 5\n", 200 * time.Millisecond, errors.KindTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newRequest(t)
			_, err := runnerFor(fakeAgent(t, tt.script), tt.timeout, nil).Run(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, errors.KindOf(err), err.Error())
		})
	}
}

func TestClaudeRunnerStaleSignalIsCleared(t *testing.T) {
	req := newRequest(t)
	require.NoError(t, os.WriteFile(req.Workspace.SignalPath(models.AgentBuilder), []byte(`{"status":"PASS"}`), 0644))

	_, err := runnerFor(fakeAgent(t, "true\n"), 10*time.Second, nil).Run(context.Background(), req)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestClaudeRunnerMissingBinary(t *testing.T) {
	req := newRequest(t)
	_, err := runnerFor(filepath.Join(t.TempDir(), "missing"), time.Second, nil).Run(context.Background(), req)
	assert.True(t, errors.IsKind(err, errors.KindCrash))
}
