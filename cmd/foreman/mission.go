package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mpataki/foreman/internal/mission"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/orchestrator"
	"github.com/mpataki/foreman/internal/plan"
	"github.com/mpataki/foreman/internal/retry"
)

func newMissionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mission",
		Short: "Plan and execute multi-phase missions",
	}
	cmd.PersistentFlags().StringP("repo", "r", "", "Source git repository for each task's run")

	cmd.AddCommand(newMissionPlansCommand())
	cmd.AddCommand(newMissionCreateCommand())
	cmd.AddCommand(newMissionApproveCommand())
	cmd.AddCommand(newMissionRunPhaseCommand())
	cmd.AddCommand(newMissionRunTaskCommand())
	cmd.AddCommand(newMissionNextCommand())
	cmd.AddCommand(newMissionStatusCommand())
	cmd.AddCommand(newMissionListCommand())
	cmd.AddCommand(newMissionCancelCommand())
	return cmd
}

// planDirs lists plan directories from lowest to highest precedence.
func planDirs(e *env) []string {
	return []string{e.cfg.UserPlanDir, e.cfg.ProjectPlanDir}
}

func missionEngine(cmd *cobra.Command, e *env) *mission.Engine {
	repo, _ := cmd.Flags().GetString("repo")
	runner := mission.NewPipelineRunner(e.orch, orchestrator.StartOptions{SourceRepo: repo})
	return mission.New(e.store, runner,
		mission.WithLogger(e.logger),
		mission.WithRetry(retry.NewExecutor(e.executor.Policy(), retry.WithBus(e.executor.Events()))),
	)
}

func newMissionPlansCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "List available mission plans",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			plans, err := plan.LoadAll(planDirs(e))
			if err != nil {
				return err
			}
			if len(plans) == 0 {
				fmt.Printf("No plans found in %s or %s\n", e.cfg.ProjectPlanDir, e.cfg.UserPlanDir)
				return nil
			}
			names := make([]string, 0, len(plans))
			for name := range plans {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("%-20s %s\n", name, plans[name])
			}
			return nil
		}),
	}
}

func newMissionCreateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <plan>",
		Short: "Create a mission from a YAML or Lua plan",
		Long:  "The plan is a file path or the name of a plan in .foreman/plans or the user plan directory.",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			ctx := cmd.Context()
			goal, _ := cmd.Flags().GetString("goal")
			approve, _ := cmd.Flags().GetBool("approve")

			path, err := plan.Resolve(args[0], planDirs(e))
			if err != nil {
				return err
			}
			p, err := plan.Parse(ctx, path, goal, e.logger)
			if err != nil {
				return err
			}

			engine := missionEngine(cmd, e)
			m, err := engine.CreateMission(ctx, p)
			if err != nil {
				return err
			}
			if approve {
				if m, err = engine.ApprovePlan(ctx, m.ID); err != nil {
					return err
				}
			}

			fmt.Printf("Created mission %s from %s\n\n", m.ID, path)
			printMission(m)
			if !approve {
				fmt.Printf("\nReview the plan, then: foreman mission approve %s\n", m.ID)
			}
			return nil
		}),
	}
	cmd.Flags().StringP("goal", "g", "", "Goal passed to the plan (overrides the plan's own)")
	cmd.Flags().Bool("approve", false, "Approve the plan immediately")
	return cmd
}

func newMissionApproveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <mission-id>",
		Short: "Approve a mission's plan",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			m, err := missionEngine(cmd, e).ApprovePlan(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Mission %s is %s\n", m.ID, m.Status)
			return nil
		}),
	}
}

func newMissionRunPhaseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-phase <mission-id> <phase>",
		Short: "Run the tasks of one phase",
		Args:  cobra.ExactArgs(2),
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			number, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid phase number: %w", err)
			}
			cont, _ := cmd.Flags().GetBool("continue-on-failure")

			res, err := missionEngine(cmd, e).RunPhase(cmd.Context(), args[0], number, mission.RunPhaseOptions{ContinueOnFailure: cont})
			if res != nil {
				printPhaseResult(res)
			}
			return err
		}),
	}
	cmd.Flags().Bool("continue-on-failure", false, "Run remaining tasks after one fails")
	return cmd
}

func newMissionRunTaskCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run-task <mission-id> <task-id>",
		Short: "Run or retry a single task",
		Args:  cobra.ExactArgs(2),
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			res, err := missionEngine(cmd, e).RunTask(cmd.Context(), args[0], args[1])
			if res != nil {
				fmt.Printf("Task %s %s", res.TaskID, res.Status)
				if res.RunID != "" {
					fmt.Printf(" (run %s)", res.RunID)
				}
				fmt.Println()
				if res.Error != "" {
					fmt.Printf("  %s\n", res.Error)
				}
			}
			return err
		}),
	}
}

func newMissionNextCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next <mission-id>",
		Short: "Run the next phase that is not completed",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			cont, _ := cmd.Flags().GetBool("continue-on-failure")
			all, _ := cmd.Flags().GetBool("all")
			engine := missionEngine(cmd, e)

			for {
				res, err := engine.Next(cmd.Context(), args[0], mission.RunPhaseOptions{ContinueOnFailure: cont})
				if res == nil && err == nil {
					fmt.Println("All phases completed.")
					return nil
				}
				if res != nil {
					printPhaseResult(res)
				}
				if err != nil {
					return err
				}
				if !all || res.Status != models.PhaseStatusCompleted {
					return nil
				}
			}
		}),
	}
	cmd.Flags().Bool("continue-on-failure", false, "Run remaining tasks after one fails")
	cmd.Flags().Bool("all", false, "Keep going until a phase does not complete")
	return cmd
}

func newMissionStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <mission-id>",
		Short: "Show a mission's phases and tasks",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			m, err := missionEngine(cmd, e).GetMission(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printMission(m)
			if next := mission.FindNextPhase(m); next != nil && m.Status != models.MissionCancelled {
				fmt.Printf("\nNext phase: %d (%s)\n", next.Number, next.Title)
			}
			return nil
		}),
	}
}

func newMissionListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List missions",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			missions, err := missionEngine(cmd, e).ListMissions(cmd.Context())
			if err != nil {
				return err
			}
			if len(missions) == 0 {
				fmt.Println("No missions found.")
				return nil
			}
			for _, m := range missions {
				fmt.Printf("%s [%s] %d/%d %s\n", m.ID, m.Status, m.Stats.CompletedTasks, m.Stats.TotalTasks, truncate(m.Title, 50))
			}
			return nil
		}),
	}
}

func newMissionCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <mission-id>",
		Short: "Cancel a mission, or one of its tasks with --task",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			taskID, _ := cmd.Flags().GetString("task")
			engine := missionEngine(cmd, e)

			if taskID != "" {
				if _, err := engine.CancelTask(cmd.Context(), args[0], taskID); err != nil {
					return err
				}
				fmt.Printf("Cancelled task %s\n", taskID)
				return nil
			}

			m, err := engine.CancelMission(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Mission %s is %s\n", m.ID, m.Status)
			return nil
		}),
	}
	cmd.Flags().String("task", "", "Cancel only this task")
	return cmd
}

func printMission(m *models.Mission) {
	fmt.Printf("%s: %s [%s]\n", m.ID, m.Title, m.Status)
	if m.Goal != "" {
		fmt.Printf("Goal: %s\n", m.Goal)
	}
	fmt.Printf("Tasks: %d/%d completed\n", m.Stats.CompletedTasks, m.Stats.TotalTasks)
	for _, p := range m.Phases {
		fmt.Printf("\nPhase %d: %s [%s]\n", p.Number, p.Title, p.Status)
		for _, t := range m.PhaseTasks(p) {
			line := fmt.Sprintf("  %-10s %-8s %s", t.ID, t.Status, t.Title)
			if t.RunID != "" {
				line += "  (" + t.RunID + ")"
			}
			fmt.Println(line)
			if t.Error != "" {
				fmt.Printf("             %s\n", truncate(t.Error, 70))
			}
		}
	}
}

func printPhaseResult(res *mission.PhaseResult) {
	fmt.Printf("Phase %d %s: %d completed, %d failed\n", res.Phase, res.Status, res.TasksCompleted, res.TasksFailed)
	if res.FailedTask != "" {
		fmt.Printf("First failure: %s (retry with `foreman mission run-task`)\n", res.FailedTask)
	}
}
