package models

// MissionPlan is the declarative input a mission is created from. Plans
// are loaded from YAML files or produced by Lua plan scripts.
type MissionPlan struct {
	Title  string       `yaml:"title"`
	Goal   string       `yaml:"goal"`
	Phases []*PhasePlan `yaml:"phases"`
}

type PhasePlan struct {
	Title string      `yaml:"title"`
	Tasks []*TaskPlan `yaml:"tasks"`
}

type TaskPlan struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description,omitempty"`
}

// TaskCount returns the number of tasks across all phases.
func (p *MissionPlan) TaskCount() int {
	n := 0
	for _, ph := range p.Phases {
		n += len(ph.Tasks)
	}
	return n
}
