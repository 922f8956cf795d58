package models

import "time"

// Option is one of the enumerated answers to a CRP.
type Option struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// CRP is a change request prompt: a question an agent needs a human to
// answer before the run can continue.
type CRP struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	Phase       Phase     `json:"phase"`
	Question    string    `json:"question"`
	Options     []Option  `json:"options"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
}

func (c *CRP) OptionIDs() []string {
	ids := make([]string, len(c.Options))
	for i, o := range c.Options {
		ids[i] = o.ID
	}
	return ids
}

func (c *CRP) HasOption(id string) bool {
	for _, o := range c.Options {
		if o.ID == id {
			return true
		}
	}
	return false
}

// VCR is the recorded human answer to a CRP.
type VCR struct {
	ID              string    `json:"id"`
	RunID           string    `json:"run_id"`
	CRPID           string    `json:"crp_id"`
	Decision        string    `json:"decision"`
	Rationale       string    `json:"rationale"`
	Notes           string    `json:"notes,omitempty"`
	AppliesToFuture bool      `json:"applies_to_future"`
	Auto            bool      `json:"auto"`
	CreatedAt       time.Time `json:"created_at"`
}
