package agent

import (
	"encoding/json"
	"strings"

	"github.com/mpataki/foreman/internal/errors"
	"github.com/mpataki/foreman/internal/models"
)

type Status string

const (
	StatusPass       Status = "PASS"
	StatusRevise     Status = "REVISE"
	StatusNeedsHuman Status = "NEEDS_HUMAN"
)

var validStatuses = []string{string(StatusPass), string(StatusRevise), string(StatusNeedsHuman)}

// Signal is the decision an agent writes to .agents/signals/<agent>.json.
type Signal struct {
	Status   Status          `json:"status"`
	Summary  string          `json:"summary"`
	Question string          `json:"question,omitempty"`
	Options  []models.Option `json:"options,omitempty"`
}

// ParseSignal decodes and checks a signal file. Every problem is a
// validation error so the invocation is retried.
func ParseSignal(data []byte) (*Signal, map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, errors.Wrap(errors.KindValidation, err, "malformed signal")
	}
	var sig Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, raw, errors.Wrap(errors.KindValidation, err, "malformed signal")
	}
	sig.Status = Status(strings.ToUpper(strings.TrimSpace(string(sig.Status))))

	switch sig.Status {
	case StatusPass, StatusRevise:
	case StatusNeedsHuman:
		if strings.TrimSpace(sig.Question) == "" {
			e := errors.New(errors.KindValidation, "NEEDS_HUMAN signal without a question")
			e.Field = "question"
			return nil, raw, e
		}
		if len(sig.Options) == 0 {
			e := errors.New(errors.KindValidation, "NEEDS_HUMAN signal without options")
			e.Field = "options"
			return nil, raw, e
		}
	default:
		e := errors.New(errors.KindValidation, "unknown signal status %q", sig.Status)
		e.Field = "status"
		e.Valid = validStatuses
		return nil, raw, e
	}
	return &sig, raw, nil
}
