package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mpataki/foreman/internal/models"
)

type Workspace struct {
	Path     string
	RepoPath string
}

// RunMetadata is written to .foreman/run.json before every agent
// invocation.
type RunMetadata struct {
	RunID         string              `json:"run_id"`
	Goal          string              `json:"goal"`
	Phase         models.Phase        `json:"phase"`
	Agent         string              `json:"agent"`
	Iteration     int                 `json:"iteration"`
	MaxIterations int                 `json:"max_iterations"`
	Attempt       int                 `json:"attempt"`
	Decision      *models.ResumeInput `json:"decision,omitempty"`
}

func Create(baseDir, runID, sourceRepo string) (*Workspace, error) {
	path := filepath.Join(baseDir, runID)

	w := &Workspace{
		Path:     path,
		RepoPath: filepath.Join(path, "repo"),
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	if sourceRepo != "" {
		if err := w.createWorktree(sourceRepo); err != nil {
			return nil, err
		}
	} else if err := os.MkdirAll(w.RepoPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create repo directory: %w", err)
	}

	dirs := []string{
		filepath.Join(w.RepoPath, ".agents", "messages"),
		filepath.Join(w.RepoPath, ".agents", "signals"),
		filepath.Join(w.RepoPath, ".agents", "scratchpad"),
		filepath.Join(w.RepoPath, ".foreman"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := w.writeSkillFile(); err != nil {
		return nil, err
	}

	return w, nil
}

func (w *Workspace) createWorktree(sourceRepo string) error {
	absRepo, err := filepath.Abs(sourceRepo)
	if err != nil {
		return fmt.Errorf("failed to resolve repo path: %w", err)
	}

	cmd := exec.Command("git", "rev-parse", "--git-dir")
	cmd.Dir = absRepo
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s is not a git repository", absRepo)
	}

	cmd = exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = absRepo
	shaOut, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("failed to get HEAD: %w", err)
	}
	sha := strings.TrimSpace(string(shaOut))

	// Detached at the current HEAD so runs never move the user's branch.
	cmd = exec.Command("git", "worktree", "add", "--detach", w.RepoPath, sha)
	cmd.Dir = absRepo
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to create worktree: %s", string(output))
	}

	return nil
}

// At opens the workspace rooted at path.
func At(path string) (*Workspace, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("workspace %s does not exist", path)
	}

	return &Workspace{
		Path:     path,
		RepoPath: filepath.Join(path, "repo"),
	}, nil
}

// Remove deletes the workspace, detaching its git worktree first when the
// repo was created from a source repository.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	repoPath := filepath.Join(path, "repo")
	if sourceRepo := findSourceRepo(repoPath); sourceRepo != "" {
		cmd := exec.Command("git", "worktree", "remove", "--force", repoPath)
		cmd.Dir = sourceRepo
		cmd.CombinedOutput() // best effort; RemoveAll below cleans the files
	}
	return os.RemoveAll(path)
}

// findSourceRepo extracts the main repo path from a worktree's .git file,
// which reads "gitdir: /path/to/repo/.git/worktrees/<name>".
func findSourceRepo(worktreePath string) string {
	data, err := os.ReadFile(filepath.Join(worktreePath, ".git"))
	if err != nil {
		return ""
	}

	content := string(data)
	if !strings.HasPrefix(content, "gitdir: ") {
		return ""
	}

	gitDir := strings.TrimSpace(content[8:])
	idx := strings.LastIndex(gitDir, "/.git/")
	if idx == -1 {
		return ""
	}
	return gitDir[:idx]
}

func (w *Workspace) WriteRunMetadata(meta *RunMetadata) error {
	path := filepath.Join(w.RepoPath, ".foreman", "run.json")

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write run.json: %w", err)
	}

	return nil
}

func (w *Workspace) ReadRunMetadata() (*RunMetadata, error) {
	data, err := os.ReadFile(filepath.Join(w.RepoPath, ".foreman", "run.json"))
	if err != nil {
		return nil, err
	}
	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse run.json: %w", err)
	}
	return &meta, nil
}

func (w *Workspace) SignalPath(agentName string) string {
	return filepath.Join(w.RepoPath, ".agents", "signals", agentName+".json")
}

// ReadSignal returns the raw signal an agent wrote. A missing file is
// reported with os.ErrNotExist in the chain.
func (w *Workspace) ReadSignal(agentName string) ([]byte, error) {
	data, err := os.ReadFile(w.SignalPath(agentName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("signal file not found for agent %s: %w", agentName, os.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to read signal file: %w", err)
	}
	return data, nil
}

// ClearSignal removes a previous signal so a new invocation cannot be
// judged by a stale one.
func (w *Workspace) ClearSignal(agentName string) error {
	err := os.Remove(w.SignalPath(agentName))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (w *Workspace) CreateAgentScratchpad(agentName string) error {
	path := filepath.Join(w.RepoPath, ".agents", "scratchpad", agentName)
	return os.MkdirAll(path, 0755)
}

func (w *Workspace) writeSkillFile() error {
	skillPath := filepath.Join(w.RepoPath, ".agents", "SKILL.md")
	return os.WriteFile(skillPath, []byte(skillContent), 0644)
}

const skillContent = `---
name: foreman-protocol
description: Protocol for the refiner/builder/verifier/gatekeeper pipeline. Use when .agents/ directory exists.
---

# Foreman Workspace Protocol

You are one of four agents (refiner, builder, verifier, gatekeeper) working
on this codebase in turn. A run may loop through all four several times.

## Reading Context

1. Check ` + "`" + `.foreman/run.json` + "`" + ` for the goal, your phase and the iteration
2. If run.json has a ` + "`" + `decision` + "`" + `, a human answered your last question: follow it
3. Read ` + "`" + `.agents/messages/*.md` + "`" + ` in order for notes from previous agents

## Leaving Context for Next Agent

Write to ` + "`" + `.agents/messages/{NNN}-{your-role}.md` + "`" + `:
- Increment the number from the last message
- Be concise. What does the next agent need to know?

## Signaling Completion

**IMPORTANT:** When your work is complete, write your decision to:
` + "`" + `.agents/signals/{your-role}.json` + "`" + `

` + "```" + `json
{"status": "PASS", "summary": "what you did"}
` + "```" + `

- ` + "`" + `PASS` + "`" + `: your phase is done, hand over to the next agent
- ` + "`" + `REVISE` + "`" + `: the work needs another full cycle starting from the refiner
- ` + "`" + `NEEDS_HUMAN` + "`" + `: you need a decision. Include ` + "`" + `question` + "`" + ` and ` + "`" + `options` + "`" + `:

` + "```" + `json
{"status": "NEEDS_HUMAN", "summary": "...", "question": "Which database?",
 "options": [{"id": "pg", "description": "Postgres"}, {"id": "lite", "description": "SQLite"}]}
` + "```" + `

## Private Workspace

Use ` + "`" + `.agents/scratchpad/{your-role}/` + "`" + ` for drafts, notes, or intermediate work.

## Git Commits

Make atomic commits with clear messages. Don't squash; the commit history
is part of the communication trail.
`
