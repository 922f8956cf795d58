package host

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const tmuxTimeout = 1200 * time.Millisecond

// CommandRunner runs a tmux subcommand and returns its combined output.
type CommandRunner func(ctx context.Context, args ...string) ([]byte, error)

// Tmux hosts each agent in a window named after it inside the run's
// session.
type Tmux struct {
	session string
	run     CommandRunner
}

func NewTmuxProvider(run CommandRunner) Provider {
	if run == nil {
		run = runTmux
	}
	return func(runID string) Host {
		return &Tmux{session: SessionName(runID), run: run}
	}
}

func runTmux(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, "tmux", args...).CombinedOutput()
}

func (t *Tmux) SessionName() string { return t.session }

func (t *Tmux) target(agent string) string {
	return t.session + ":" + agent
}

func (t *Tmux) exec(args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), tmuxTimeout)
	defer cancel()
	return t.run(ctx, args...)
}

func (t *Tmux) SessionExists() bool {
	_, err := t.exec("has-session", "-t", t.session)
	return err == nil
}

func (t *Tmux) IsPaneActive(agent string) bool {
	out, err := t.exec("list-panes", "-t", t.target(agent), "-F", "#{pane_dead}")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if strings.TrimSpace(line) == "0" {
			return true
		}
	}
	return false
}

func (t *Tmux) Interrupt(agent string) error {
	out, err := t.exec("send-keys", "-t", t.target(agent), "C-c")
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("interrupt %s: %s", t.target(agent), msg)
		}
		return fmt.Errorf("interrupt %s: %w", t.target(agent), err)
	}
	return nil
}
