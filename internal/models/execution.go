package models

import "time"

type ExecStatus string

const (
	ExecStatusPending  ExecStatus = "pending"
	ExecStatusRunning  ExecStatus = "running"
	ExecStatusComplete ExecStatus = "complete"
	ExecStatusFailed   ExecStatus = "failed"
)

// Execution is one attempt of one agent within a run.
type Execution struct {
	ID              int64
	RunID           string
	AgentName       string
	Phase           Phase
	Iteration       int
	Attempt         int
	ClaudeSessionID string
	Status          ExecStatus
	ExitCode        *int
	StartedAt       *time.Time
	CompletedAt     *time.Time
	OutputSignal    map[string]any
	Error           string
	SequenceNum     int
	PID             *int
}
