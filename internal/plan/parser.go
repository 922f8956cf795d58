// Package plan loads mission plans from YAML files and Lua plan scripts.
package plan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/foreman/internal/errors"
	"github.com/mpataki/foreman/internal/log"
	"github.com/mpataki/foreman/internal/lua"
	"github.com/mpataki/foreman/internal/models"
)

// ParseYAML decodes a YAML plan document.
func ParseYAML(data []byte) (*models.MissionPlan, error) {
	var p models.MissionPlan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "failed to parse plan YAML")
	}
	for _, ph := range p.Phases {
		if ph == nil {
			continue
		}
		for _, t := range ph.Tasks {
			if t != nil && t.Description == "" {
				t.Description = t.Title
			}
		}
	}
	return &p, nil
}

// Parse loads the plan at path. Lua scripts are run with goal; for YAML
// plans goal overrides the file's goal when set. The result is validated.
func Parse(ctx context.Context, path, goal string, logger *log.Logger) (*models.MissionPlan, error) {
	var (
		p   *models.MissionPlan
		err error
	)
	if lua.IsLuaPlan(path) {
		p, err = lua.NewRuntime(logger).PlanFile(ctx, path, goal)
		if err != nil {
			return nil, errors.Wrap(errors.KindValidation, err, "plan script %s", path)
		}
	} else {
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return nil, fmt.Errorf("failed to read plan file: %w", rerr)
		}
		p, err = ParseYAML(data)
		if err != nil {
			return nil, err
		}
		if goal != "" {
			p.Goal = goal
		}
	}

	if p.Title == "" {
		p.Title = planName(filepath.Base(path))
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadAll maps plan names to file paths across dirs. Later directories
// override earlier ones; missing directories are skipped.
func LoadAll(dirs []string) (map[string]string, error) {
	plans := make(map[string]string)

	for _, dir := range dirs {
		if err := loadFromDir(dir, plans); err != nil {
			// Skip directories that don't exist
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
	}

	return plans, nil
}

func loadFromDir(dir string, plans map[string]string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !isPlanFile(entry.Name()) {
			continue
		}
		plans[planName(entry.Name())] = filepath.Join(dir, entry.Name())
	}

	return nil
}

// Resolve turns a plan reference, either a path or a name found by
// LoadAll, into a file path.
func Resolve(ref string, dirs []string) (string, error) {
	if info, err := os.Stat(ref); err == nil && !info.IsDir() {
		return ref, nil
	}
	plans, err := LoadAll(dirs)
	if err != nil {
		return "", err
	}
	if path, ok := plans[ref]; ok {
		return path, nil
	}
	return "", errors.NotFound("plan", ref).
		WithSuggestion("put plans in " + strings.Join(dirs, " or "))
}

func isPlanFile(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml", ".lua":
		return true
	}
	return false
}

func planName(file string) string {
	return strings.TrimSuffix(file, filepath.Ext(file))
}

// Validate checks that a plan has at least one phase and that every phase
// has titled tasks.
func Validate(p *models.MissionPlan) error {
	if strings.TrimSpace(p.Goal) == "" && strings.TrimSpace(p.Title) == "" {
		return invalid("goal", "plan must have a goal or a title")
	}
	if len(p.Phases) == 0 {
		return invalid("phases", "plan must define at least one phase")
	}

	for i, ph := range p.Phases {
		if ph == nil || strings.TrimSpace(ph.Title) == "" {
			return invalid(fmt.Sprintf("phases[%d].title", i), "phase %d must have a title", i+1)
		}
		if len(ph.Tasks) == 0 {
			return invalid(fmt.Sprintf("phases[%d].tasks", i), "phase %q must have at least one task", ph.Title)
		}
		for j, t := range ph.Tasks {
			if t == nil || strings.TrimSpace(t.Title) == "" {
				return invalid(fmt.Sprintf("phases[%d].tasks[%d].title", i, j), "task %d of phase %q must have a title", j+1, ph.Title)
			}
		}
	}

	return nil
}

func invalid(field, format string, args ...any) error {
	e := errors.New(errors.KindValidation, format, args...)
	e.Field = field
	return e
}
