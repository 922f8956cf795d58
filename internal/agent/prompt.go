package agent

import (
	"fmt"
	"strings"

	"github.com/mpataki/foreman/internal/models"
)

var roles = map[string]string{
	models.AgentRefiner:    "Turn the goal into a concrete, testable plan. Record it in .agents/messages/.",
	models.AgentBuilder:    "Implement the refined plan in this repository and commit your work.",
	models.AgentVerifier:   "Run the tests and check the implementation against the plan.",
	models.AgentGatekeeper: "Decide whether the change is ready to merge.",
}

// BuildPrompt renders the prompt handed to the agent CLI.
func BuildPrompt(req Request) string {
	var b strings.Builder

	b.WriteString(req.Goal)
	b.WriteString("\n\n---\n")
	fmt.Fprintf(&b, "You are the '%s' agent. Iteration %d of %d.\n", req.Agent, req.Iteration, req.MaxIterations)
	if role, ok := roles[req.Agent]; ok {
		b.WriteString(role)
		b.WriteString("\n")
	}
	if req.Phase != models.PhaseRefine || req.Iteration > 1 {
		b.WriteString("\nIMPORTANT: Read `.agents/messages/` for context from previous agents before starting work.\n")
	}

	if d := req.Decision; d != nil {
		b.WriteString("\n---\n")
		fmt.Fprintf(&b, "A human answered your question (%s): decision `%s`.\n", d.CRPID, d.Decision)
		if d.Rationale != "" {
			fmt.Fprintf(&b, "Rationale: %s\n", d.Rationale)
		}
		if d.Notes != "" {
			fmt.Fprintf(&b, "Notes: %s\n", d.Notes)
		}
		b.WriteString("Continue your phase following this decision.\n")
	}

	b.WriteString("\n---\n")
	b.WriteString("IMPORTANT: When you have completed your task, you MUST write a JSON signal file.\n\n")
	fmt.Fprintf(&b, "Write to: .agents/signals/%s.json\n\n", req.Agent)
	b.WriteString("Valid values for 'status': PASS, REVISE, NEEDS_HUMAN (see .agents/SKILL.md)\n")

	return b.String()
}
