package lua

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/foreman/internal/log"
	"github.com/mpataki/foreman/internal/models"
)

// Runtime builds mission plans from Lua scripts in a sandboxed environment.
// A script defines plan(goal) and declares the plan with phase(), task()
// and mission().
type Runtime struct {
	logger *log.Logger
	logs   []string

	plan    *models.MissionPlan
	current *models.PhasePlan
}

func NewRuntime(logger *log.Logger) *Runtime {
	return &Runtime{
		logger: logger,
		logs:   make([]string, 0),
	}
}

// PlanFile reads the script at path and runs it.
func (r *Runtime) PlanFile(ctx context.Context, path, goal string) (*models.MissionPlan, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return r.Plan(ctx, string(script), goal)
}

// Plan runs plan(goal) from script and returns the declared plan. The
// script is cut off when ctx is done.
func (r *Runtime) Plan(ctx context.Context, script, goal string) (*models.MissionPlan, error) {
	r.plan = &models.MissionPlan{Goal: goal}
	r.current = nil
	r.logs = r.logs[:0]

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	defer L.Close()
	L.SetContext(ctx)

	r.openSafeLibs(L)
	r.registerAPI(L)

	if err := L.DoString(script); err != nil {
		return nil, fmt.Errorf("failed to load script: %w", err)
	}

	fn := L.GetGlobal("plan")
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("script must define a 'plan' function")
	}

	L.Push(fn)
	L.Push(lua.LString(goal))
	if err := L.PCall(1, 0, nil); err != nil {
		return nil, fmt.Errorf("plan script failed: %w", err)
	}

	if r.plan.Title == "" {
		r.plan.Title = goal
	}
	return r.plan, nil
}

// openSafeLibs loads only the safe standard libraries
func (r *Runtime) openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Plans must be reproducible from the same goal.
	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (r *Runtime) registerAPI(L *lua.LState) {
	L.SetGlobal("mission", L.NewFunction(r.luaMission))
	L.SetGlobal("phase", L.NewFunction(r.luaPhase))
	L.SetGlobal("task", L.NewFunction(r.luaTask))
	L.SetGlobal("context", L.NewFunction(r.luaContext))
	L.SetGlobal("log", L.NewFunction(r.luaLog))
}

// luaMission implements mission(title)
func (r *Runtime) luaMission(L *lua.LState) int {
	r.plan.Title = strings.TrimSpace(L.CheckString(1))
	return 0
}

// luaPhase implements phase(title); later task() calls belong to it.
func (r *Runtime) luaPhase(L *lua.LState) int {
	title := strings.TrimSpace(L.CheckString(1))
	if title == "" {
		L.ArgError(1, "phase title must not be empty")
		return 0
	}
	r.current = &models.PhasePlan{Title: title}
	r.plan.Phases = append(r.plan.Phases, r.current)
	L.Push(lua.LNumber(len(r.plan.Phases)))
	return 1
}

// luaTask implements task(title, description?)
func (r *Runtime) luaTask(L *lua.LState) int {
	title := strings.TrimSpace(L.CheckString(1))
	description := L.OptString(2, "")
	if r.current == nil {
		L.RaiseError("task %q declared before any phase()", title)
		return 0
	}
	if title == "" {
		L.ArgError(1, "task title must not be empty")
		return 0
	}
	if description == "" {
		description = title
	}
	r.current.Tasks = append(r.current.Tasks, &models.TaskPlan{Title: title, Description: description})
	return 0
}

// luaContext implements context()
func (r *Runtime) luaContext(L *lua.LState) int {
	tbl := L.NewTable()
	L.SetField(tbl, "goal", lua.LString(r.plan.Goal))
	L.SetField(tbl, "phases", lua.LNumber(len(r.plan.Phases)))
	L.Push(tbl)
	return 1
}

// luaLog implements log(message)
func (r *Runtime) luaLog(L *lua.LState) int {
	message := L.CheckString(1)
	r.logs = append(r.logs, message)
	r.logger.Debug("plan script", "message", message)
	return 0
}

// GetLogs returns the logs collected during the last Plan call
func (r *Runtime) GetLogs() []string {
	return r.logs
}

// IsLuaPlan checks if a file is a Lua plan script
func IsLuaPlan(path string) bool {
	return filepath.Ext(path) == ".lua"
}
