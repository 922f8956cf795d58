package crp

import "github.com/mpataki/foreman/internal/models"

// Event is one of Raised, AutoResolved or Resolved.
type Event interface {
	isCRPEvent()
}

// Raised is published when a run blocks on a new CRP.
type Raised struct {
	CRP *models.CRP
}

// AutoResolved is published when a standing decision answered a CRP.
type AutoResolved struct {
	CRP      *models.CRP
	VCR      *models.VCR
	Standing *models.VCR
}

// Resolved is published when a human answer released a run.
type Resolved struct {
	CRP    *models.CRP
	VCR    *models.VCR
	Origin models.Phase
}

func (Raised) isCRPEvent()       {}
func (AutoResolved) isCRPEvent() {}
func (Resolved) isCRPEvent()     {}
