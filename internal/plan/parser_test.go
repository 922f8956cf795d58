package plan

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/foreman/internal/errors"
	"github.com/mpataki/foreman/internal/log"
	"github.com/mpataki/foreman/internal/models"
)

const cachePlan = `
title: Caching
goal: speed up reads
phases:
  - title: Groundwork
    tasks:
      - title: Add cache interface
      - title: Wire config
        description: read cache settings from config.yaml
  - title: Rollout
    tasks:
      - title: Enable cache
`

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestParseYAMLPlan(t *testing.T) {
	path := write(t, t.TempDir(), "cache.yaml", cachePlan)

	p, err := Parse(context.Background(), path, "", log.Nop())
	require.NoError(t, err)
	assert.Equal(t, "Caching", p.Title)
	assert.Equal(t, "speed up reads", p.Goal)
	require.Len(t, p.Phases, 2)
	assert.Equal(t, "Add cache interface", p.Phases[0].Tasks[0].Description)
	assert.Equal(t, "read cache settings from config.yaml", p.Phases[0].Tasks[1].Description)

	p, err = Parse(context.Background(), path, "other goal", log.Nop())
	require.NoError(t, err)
	assert.Equal(t, "other goal", p.Goal)
}

func TestParseLuaPlan(t *testing.T) {
	path := write(t, t.TempDir(), "rollout.lua", `
function plan(goal)
  phase("Only")
  task("Do " .. goal)
end`)

	p, err := Parse(context.Background(), path, "it", log.Nop())
	require.NoError(t, err)
	assert.Equal(t, "it", p.Title)
	assert.Equal(t, "Do it", p.Phases[0].Tasks[0].Title)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		plan  *models.MissionPlan
		field string
	}{
		{"no phases", &models.MissionPlan{Goal: "g"}, "phases"},
		{"untitled phase", &models.MissionPlan{Goal: "g", Phases: []*models.PhasePlan{{Tasks: []*models.TaskPlan{{Title: "t"}}}}}, "phases[0].title"},
		{"empty phase", &models.MissionPlan{Goal: "g", Phases: []*models.PhasePlan{{Title: "p"}}}, "phases[0].tasks"},
		{"untitled task", &models.MissionPlan{Goal: "g", Phases: []*models.PhasePlan{{Title: "p", Tasks: []*models.TaskPlan{{Title: "t"}, {}}}}}, "phases[0].tasks[1].title"},
		{"no goal", &models.MissionPlan{}, "goal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.plan)
			require.Error(t, err)
			var ce *errors.Error
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, errors.KindValidation, ce.Kind)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestLoadAllAndResolve(t *testing.T) {
	user, project := t.TempDir(), t.TempDir()
	write(t, user, "cache.yaml", cachePlan)
	write(t, user, "notes.txt", "ignored")
	write(t, project, "cache.yml", cachePlan)
	write(t, project, "rollout.lua", "function plan(g) end")
	missing := filepath.Join(t.TempDir(), "missing")

	dirs := []string{user, missing, project}
	plans, err := LoadAll(dirs)
	require.NoError(t, err)
	assert.Len(t, plans, 2)
	assert.Equal(t, filepath.Join(project, "cache.yml"), plans["cache"])

	path, err := Resolve("rollout", dirs)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(project, "rollout.lua"), path)

	direct := filepath.Join(user, "cache.yaml")
	path, err = Resolve(direct, dirs)
	require.NoError(t, err)
	assert.Equal(t, direct, path)

	_, err = Resolve("nope", dirs)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}
