package tui

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

// sessionFile is where the agent CLI keeps a session transcript:
// ~/.claude/projects/<encoded repo path>/<session id>.jsonl.
func sessionFile(home, repoPath, sessionID string) string {
	encoded := strings.NewReplacer("/", "-", ".", "-").Replace(repoPath)
	return filepath.Join(home, ".claude", "projects", encoded, sessionID+".jsonl")
}

func (a *App) loadOutput(sessionID string, workspacePath string) tea.Cmd {
	return func() tea.Msg {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return outputLoadedMsg{err: err}
		}

		file, err := os.Open(sessionFile(homeDir, filepath.Join(workspacePath, "repo"), sessionID))
		if err != nil {
			return outputLoadedMsg{err: fmt.Errorf("session file not found: %w", err)}
		}
		defer file.Close()

		content, err := lastAssistantText(file)
		if err != nil {
			return outputLoadedMsg{err: err}
		}
		if content == "" {
			return outputLoadedMsg{content: "(no output found)"}
		}
		return outputLoadedMsg{content: content}
	}
}

type transcriptEntry struct {
	Type    string `json:"type"`
	Summary string `json:"summary"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

// lastAssistantText returns the text of the last assistant message in a
// JSONL transcript, falling back to the first summary entry.
func lastAssistantText(r io.Reader) (string, error) {
	var last, summary string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry transcriptEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}

		switch entry.Type {
		case "assistant":
			var text strings.Builder
			for _, block := range entry.Message.Content {
				if block.Type == "text" {
					text.WriteString(block.Text)
				}
			}
			if text.Len() > 0 {
				last = text.String()
			}
		case "summary":
			if summary == "" {
				summary = entry.Summary
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}

	if last == "" {
		return summary, nil
	}
	return last, nil
}
