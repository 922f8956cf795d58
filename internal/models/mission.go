package models

import (
	"fmt"
	"time"
)

type MissionStatus string

const (
	MissionPlanning   MissionStatus = "planning"
	MissionPlanReview MissionStatus = "plan_review"
	MissionReady      MissionStatus = "ready"
	MissionInProgress MissionStatus = "in_progress"
	MissionCompleted  MissionStatus = "completed"
	MissionFailed     MissionStatus = "failed"
	MissionCancelled  MissionStatus = "cancelled"
)

type PhaseStatus string

const (
	PhaseStatusPending    PhaseStatus = "pending"
	PhaseStatusInProgress PhaseStatus = "in_progress"
	PhaseStatusCompleted  PhaseStatus = "completed"
	PhaseStatusFailed     PhaseStatus = "failed"
)

type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskPassed  TaskStatus = "passed"
	TaskFailed  TaskStatus = "failed"
)

type Task struct {
	ID          string     `json:"id"`
	Phase       int        `json:"phase"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	RunID       string     `json:"run_id,omitempty"`
	Error       string     `json:"error,omitempty"`
	Attempts    int        `json:"attempts,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// MissionPhase is one ordered stage of a mission. Number is 1-based.
type MissionPhase struct {
	Number  int         `json:"number"`
	Title   string      `json:"title"`
	Status  PhaseStatus `json:"status"`
	TaskIDs []string    `json:"task_ids"`
}

type MissionStats struct {
	TotalTasks     int `json:"total_tasks"`
	CompletedTasks int `json:"completed_tasks"`
}

type Mission struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Goal      string           `json:"goal"`
	Status    MissionStatus    `json:"status"`
	Phases    []*MissionPhase  `json:"phases"`
	Tasks     map[string]*Task `json:"tasks"`
	Stats     MissionStats     `json:"stats"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func TaskID(phase, index int) string {
	return fmt.Sprintf("task-%d.%d", phase, index)
}

// NewMission builds a mission from a plan, assigning phase numbers and
// task ids in plan order. The mission starts in plan review.
func NewMission(id string, plan *MissionPlan, now time.Time) *Mission {
	m := &Mission{
		ID:        id,
		Title:     plan.Title,
		Goal:      plan.Goal,
		Status:    MissionPlanReview,
		Tasks:     make(map[string]*Task),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, pp := range plan.Phases {
		number := i + 1
		phase := &MissionPhase{Number: number, Title: pp.Title, Status: PhaseStatusPending}
		for j, tp := range pp.Tasks {
			id := TaskID(number, j+1)
			desc := tp.Description
			if desc == "" {
				desc = tp.Title
			}
			m.Tasks[id] = &Task{
				ID:          id,
				Phase:       number,
				Title:       tp.Title,
				Description: desc,
				Status:      TaskPending,
				UpdatedAt:   now,
			}
			phase.TaskIDs = append(phase.TaskIDs, id)
		}
		m.Phases = append(m.Phases, phase)
	}
	m.RefreshStats()
	return m
}

func (m *Mission) Phase(number int) *MissionPhase {
	for _, p := range m.Phases {
		if p.Number == number {
			return p
		}
	}
	return nil
}

func (m *Mission) PhaseTasks(p *MissionPhase) []*Task {
	tasks := make([]*Task, 0, len(p.TaskIDs))
	for _, id := range p.TaskIDs {
		if t, ok := m.Tasks[id]; ok {
			tasks = append(tasks, t)
		}
	}
	return tasks
}

// RefreshStats recomputes aggregate task counts.
func (m *Mission) RefreshStats() {
	m.Stats = MissionStats{TotalTasks: len(m.Tasks)}
	for _, t := range m.Tasks {
		if t.Status == TaskPassed {
			m.Stats.CompletedTasks++
		}
	}
}

// ResolvePhase derives a phase status from its tasks once none is pending.
// It returns false while tasks are still outstanding.
func (m *Mission) ResolvePhase(p *MissionPhase) bool {
	failed := false
	for _, t := range m.PhaseTasks(p) {
		switch t.Status {
		case TaskPending:
			return false
		case TaskFailed:
			failed = true
		}
	}
	if failed {
		p.Status = PhaseStatusFailed
	} else {
		p.Status = PhaseStatusCompleted
	}
	return true
}

// RefreshStatus derives the mission status from its phases. Missions that
// are cancelled or still under review keep their status.
func (m *Mission) RefreshStatus() {
	switch m.Status {
	case MissionCancelled, MissionPlanning, MissionPlanReview:
		return
	}
	allDone := true
	for _, p := range m.Phases {
		switch p.Status {
		case PhaseStatusFailed:
			m.Status = MissionFailed
			return
		case PhaseStatusCompleted:
		default:
			allDone = false
		}
	}
	switch {
	case allDone:
		m.Status = MissionCompleted
	case m.Stats.CompletedTasks > 0 || m.anyStarted():
		m.Status = MissionInProgress
	}
}

func (m *Mission) anyStarted() bool {
	for _, p := range m.Phases {
		if p.Status != PhaseStatusPending {
			return true
		}
	}
	return false
}
