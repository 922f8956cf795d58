package tui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/mpataki/foreman/internal/models"
)

// Answer is a human decision collected for a CRP.
type Answer struct {
	Decision        string
	Rationale       string
	Notes           string
	AppliesToFuture bool
}

// PromptForAnswer asks for a decision on c. Fields already set on preset
// are used as defaults.
func PromptForAnswer(c *models.CRP, preset Answer) (*Answer, error) {
	if len(c.Options) == 0 {
		return nil, fmt.Errorf("CRP %s has no options", c.ID)
	}

	ans := preset
	if ans.Decision == "" {
		ans.Decision = c.Options[0].ID
	}

	options := make([]huh.Option[string], len(c.Options))
	for i, o := range c.Options {
		options[i] = huh.NewOption(fmt.Sprintf("%s: %s", o.ID, o.Description), o.ID)
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(c.Question).
				Options(options...).
				Value(&ans.Decision),
			huh.NewInput().
				Title("Rationale").
				Placeholder("why this option").
				Value(&ans.Rationale).
				Validate(required("rationale")),
			huh.NewText().
				Title("Notes for the agent (optional)").
				Value(&ans.Notes),
			huh.NewConfirm().
				Title("Apply to identical questions later in this run?").
				Value(&ans.AppliesToFuture),
		),
	)

	if err := form.Run(); err != nil {
		return nil, fmt.Errorf("prompt failed: %w", err)
	}
	return &ans, nil
}

// PromptForConfirmation displays a yes/no confirmation prompt.
func PromptForConfirmation(message string, defaultValue bool) (bool, error) {
	confirmed := defaultValue

	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(message).
			Value(&confirmed),
	))

	if err := form.Run(); err != nil {
		return false, fmt.Errorf("prompt failed: %w", err)
	}
	return confirmed, nil
}

// IsInteractive returns true if stdin is a terminal (not piped)
func IsInteractive() bool {
	fileInfo, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

func required(name string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
}
