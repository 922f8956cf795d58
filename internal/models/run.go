package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Phase string

const (
	PhaseRefine        Phase = "refine"
	PhaseBuild         Phase = "build"
	PhaseVerify        Phase = "verify"
	PhaseGate          Phase = "gate"
	PhaseWaitingHuman  Phase = "waiting_human"
	PhaseReadyForMerge Phase = "ready_for_merge"
	PhaseCompleted     Phase = "completed"
	PhaseFailed        Phase = "failed"
)

// AgentPhases lists the agent-driven phases in pipeline order.
var AgentPhases = []Phase{PhaseRefine, PhaseBuild, PhaseVerify, PhaseGate}

// IsAgentPhase reports whether an agent runs while the run is in p.
func (p Phase) IsAgentPhase() bool {
	for _, ap := range AgentPhases {
		if ap == p {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Agent returns the agent that executes p, or "" for non-agent phases.
func (p Phase) Agent() string {
	switch p {
	case PhaseRefine:
		return AgentRefiner
	case PhaseBuild:
		return AgentBuilder
	case PhaseVerify:
		return AgentVerifier
	case PhaseGate:
		return AgentGatekeeper
	}
	return ""
}

// Next returns the phase that follows a successful p.
func (p Phase) Next() Phase {
	switch p {
	case PhaseRefine:
		return PhaseBuild
	case PhaseBuild:
		return PhaseVerify
	case PhaseVerify:
		return PhaseGate
	case PhaseGate:
		return PhaseReadyForMerge
	case PhaseReadyForMerge:
		return PhaseCompleted
	}
	return p
}

const (
	AgentRefiner    = "refiner"
	AgentBuilder    = "builder"
	AgentVerifier   = "verifier"
	AgentGatekeeper = "gatekeeper"
)

type AgentStatus string

const (
	AgentStatusPending   AgentStatus = "pending"
	AgentStatusRunning   AgentStatus = "running"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusFailed    AgentStatus = "failed"
)

type AgentRecord struct {
	Status      AgentStatus `json:"status"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// History results recorded by the orchestrator.
const (
	ResultStarted       = "started"
	ResultPassed        = "passed"
	ResultRevise        = "revise"
	ResultFailed        = "failed"
	ResultCRPRaised     = "crp_raised"
	ResultCRPAutoApply  = "crp_auto_resolved"
	ResultVCRRecorded   = "vcr_recorded"
	ResultResumed       = "resumed"
	ResultRetried       = "retried"
	ResultStoppedByUser = "stopped_by_user"
	ResultMerged        = "merged"
)

type HistoryEntry struct {
	Phase     Phase     `json:"phase"`
	Result    string    `json:"result"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorRecord struct {
	Phase     Phase     `json:"phase"`
	Message   string    `json:"message"`
	Kind      string    `json:"kind"`
	Attempts  int       `json:"attempts"`
	Timestamp time.Time `json:"timestamp"`
}

// Waiting marks a run blocked on a human decision.
type Waiting struct {
	CRPID  string `json:"crp_id"`
	Origin Phase  `json:"origin"`
}

// ResumeInput is the applied human decision handed to the origin phase
// when it is re-entered.
type ResumeInput struct {
	VCRID     string `json:"vcr_id"`
	CRPID     string `json:"crp_id"`
	Decision  string `json:"decision"`
	Rationale string `json:"rationale"`
	Notes     string `json:"notes,omitempty"`
}

// RunState is the persisted state of one pipeline run.
type RunState struct {
	ID            string                  `json:"id"`
	Goal          string                  `json:"goal"`
	WorkspacePath string                  `json:"workspace_path"`
	Phase         Phase                   `json:"phase"`
	Iteration     int                     `json:"iteration"`
	MaxIterations int                     `json:"max_iterations"`
	Agents        map[string]*AgentRecord `json:"agents"`
	Waiting       *Waiting                `json:"waiting,omitempty"`
	Resume        *ResumeInput            `json:"resume,omitempty"`
	History       []HistoryEntry          `json:"history"`
	Errors        []ErrorRecord           `json:"errors"`
	LastEvent     string                  `json:"last_event"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

var runIDPattern = regexp.MustCompile(`^run-\d{8}-\d{6}-[0-9a-f]{8}$`)

// NewRunID derives a run identifier from the UTC start time.
func NewRunID(now time.Time) string {
	return fmt.Sprintf("run-%s-%s", now.UTC().Format("20060102-150405"), uuid.New().String()[:8])
}

// NewID returns a short random identifier such as "crp-1f2e3d4c".
func NewID(prefix string) string {
	return prefix + "-" + uuid.New().String()[:8]
}

func ValidRunID(id string) bool {
	return runIDPattern.MatchString(id)
}

// NewRunState creates a run positioned at the refine phase of iteration 1.
func NewRunState(id, goal string, maxIterations int, now time.Time) *RunState {
	agents := make(map[string]*AgentRecord, len(AgentPhases))
	for _, p := range AgentPhases {
		agents[p.Agent()] = &AgentRecord{Status: AgentStatusPending}
	}
	return &RunState{
		ID:            id,
		Goal:          goal,
		Phase:         PhaseRefine,
		Iteration:     1,
		MaxIterations: maxIterations,
		Agents:        agents,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// PendingCRP returns the id of the unanswered CRP, if any.
func (s *RunState) PendingCRP() string {
	if s.Waiting == nil {
		return ""
	}
	return s.Waiting.CRPID
}

// Await blocks the run on crpID. The current phase becomes the origin the
// run returns to once the CRP is answered.
func (s *RunState) Await(crpID string) error {
	if s.Waiting != nil {
		return fmt.Errorf("run %s already waiting on %s", s.ID, s.Waiting.CRPID)
	}
	if !s.Phase.IsAgentPhase() {
		return fmt.Errorf("run %s cannot wait from phase %s", s.ID, s.Phase)
	}
	s.Waiting = &Waiting{CRPID: crpID, Origin: s.Phase}
	s.Phase = PhaseWaitingHuman
	return nil
}

// Release clears the pending CRP and returns the run to its origin phase.
func (s *RunState) Release() (Phase, error) {
	if s.Waiting == nil {
		return "", fmt.Errorf("run %s is not waiting", s.ID)
	}
	origin := s.Waiting.Origin
	s.Phase = origin
	s.Waiting = nil
	return origin, nil
}

// Record appends a history entry and refreshes the last-event summary.
func (s *RunState) Record(phase Phase, result string, at time.Time) HistoryEntry {
	entry := HistoryEntry{Phase: phase, Result: result, Timestamp: at}
	s.History = append(s.History, entry)
	s.LastEvent = fmt.Sprintf("%s: %s", phase, result)
	s.UpdatedAt = at
	return entry
}

// Fail moves the run to failed and appends the error record.
func (s *RunState) Fail(rec ErrorRecord) {
	s.Errors = append(s.Errors, rec)
	s.Waiting = nil
	s.Phase = PhaseFailed
	s.LastEvent = fmt.Sprintf("%s: failed: %s", rec.Phase, rec.Message)
	s.UpdatedAt = rec.Timestamp
}

// LastFailedPhase returns the agent phase recorded by the most recent error.
func (s *RunState) LastFailedPhase() Phase {
	for i := len(s.Errors) - 1; i >= 0; i-- {
		if s.Errors[i].Phase.IsAgentPhase() {
			return s.Errors[i].Phase
		}
	}
	return ""
}

func (s *RunState) Agent(name string) *AgentRecord {
	if s.Agents == nil {
		s.Agents = make(map[string]*AgentRecord)
	}
	rec, ok := s.Agents[name]
	if !ok {
		rec = &AgentRecord{Status: AgentStatusPending}
		s.Agents[name] = rec
	}
	return rec
}

// Validate checks the invariants every persisted run must satisfy.
func (s *RunState) Validate() error {
	var problems []string
	if s.ID == "" {
		problems = append(problems, "missing id")
	}
	switch {
	case s.Phase == PhaseWaitingHuman && s.Waiting == nil:
		problems = append(problems, "waiting_human without pending CRP")
	case s.Phase != PhaseWaitingHuman && s.Waiting != nil:
		problems = append(problems, fmt.Sprintf("pending CRP %s outside waiting_human", s.Waiting.CRPID))
	}
	if s.Waiting != nil && !s.Waiting.Origin.IsAgentPhase() {
		problems = append(problems, fmt.Sprintf("invalid CRP origin %q", s.Waiting.Origin))
	}
	if s.MaxIterations > 0 && s.Iteration > s.MaxIterations && s.Phase != PhaseFailed {
		problems = append(problems, fmt.Sprintf("iteration %d exceeds max %d", s.Iteration, s.MaxIterations))
	}
	if len(problems) > 0 {
		return fmt.Errorf("run %s: %s", s.ID, strings.Join(problems, "; "))
	}
	return nil
}
