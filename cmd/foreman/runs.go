package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mpataki/foreman/internal/crp"
	"github.com/mpataki/foreman/internal/errors"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/orchestrator"
	"github.com/mpataki/foreman/internal/tui"
	"github.com/mpataki/foreman/internal/workspace"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Start a new run and drive it",
		Args:  cobra.MinimumNArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			noExec, _ := cmd.Flags().GetBool("no-exec")
			repoPath, _ := cmd.Flags().GetString("repo")
			maxIter, _ := cmd.Flags().GetInt("max-iterations")

			run, err := e.orch.StartRun(cmd.Context(), strings.Join(args, " "), orchestrator.StartOptions{
				SourceRepo:    repoPath,
				MaxIterations: maxIter,
			})
			if err != nil {
				return fmt.Errorf("failed to start run: %w", err)
			}

			fmt.Printf("Created run %s\n", run.ID)
			fmt.Printf("Workspace: %s\n", run.WorkspacePath)

			if noExec {
				fmt.Println("Skipping execution (--no-exec)")
				return nil
			}
			return drive(cmd.Context(), e, run.ID, func(ctx context.Context) (*models.RunState, error) {
				return e.orch.Drive(ctx, run.ID)
			})
		}),
	}

	cmd.Flags().Bool("no-exec", false, "Create run but don't execute")
	cmd.Flags().StringP("repo", "r", "", "Source git repository checked out as a worktree for the run")
	cmd.Flags().Int("max-iterations", 0, "Iteration limit (default from config)")
	return cmd
}

func newResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a run with its recorded decision",
		Args:  runIDArg,
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			return drive(cmd.Context(), e, args[0], func(ctx context.Context) (*models.RunState, error) {
				return e.orch.ResumeRun(ctx, args[0])
			})
		}),
	}
}

func newRetryPhaseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-phase <run-id>",
		Short: "Re-enter the current or last failed phase with fresh retries",
		Args:  runIDArg,
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			return drive(cmd.Context(), e, args[0], func(ctx context.Context) (*models.RunState, error) {
				return e.orch.RetryPhase(ctx, args[0])
			})
		}),
	}
}

// drive runs fn and reports where the run ended up. Interrupting the
// command stops the run so it is not left looking active.
func drive(ctx context.Context, e *env, runID string, fn func(context.Context) (*models.RunState, error)) error {
	run, err := fn(ctx)
	if err != nil {
		if ctx.Err() != nil {
			if _, serr := e.orch.StopRun(context.WithoutCancel(ctx), runID); serr == nil {
				fmt.Printf("Stopped run %s\n", runID)
			}
		}
		return err
	}
	printOutcome(ctx, e, run)
	return nil
}

func printOutcome(ctx context.Context, e *env, run *models.RunState) {
	fmt.Printf("Run %s is %s (iteration %d/%d)\n", run.ID, run.Phase, run.Iteration, run.MaxIterations)

	switch run.Phase {
	case models.PhaseWaitingHuman:
		if c, err := e.orch.PendingCRP(ctx, run.ID); err == nil && c != nil {
			printCRP(c)
			fmt.Printf("\nAnswer with: foreman answer %s\n", run.ID)
		}
	case models.PhaseReadyForMerge:
		fmt.Printf("Review the workspace, then: foreman merge %s\n", run.ID)
	case models.PhaseFailed:
		if n := len(run.Errors); n > 0 {
			last := run.Errors[n-1]
			fmt.Printf("Error (%s in %s): %s\n", last.Kind, last.Phase, last.Message)
		}
		fmt.Printf("Retry with: foreman retry-phase %s\n", run.ID)
	}
}

func printCRP(c *models.CRP) {
	fmt.Printf("\nCRP %s (%s)\n  %s\n", c.ID, c.Phase, c.Question)
	for _, o := range c.Options {
		fmt.Printf("    %-10s %s\n", o.ID, o.Description)
	}
}

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <run-id>",
		Short: "Stop a run",
		Args:  runIDArg,
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			if _, err := e.orch.StopRun(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to stop run: %w", err)
			}
			fmt.Printf("Stopped run %s\n", args[0])
			return nil
		}),
	}
}

func newMergeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <run-id>",
		Short: "Mark a ready run as merged",
		Args:  runIDArg,
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			if _, err := e.orch.MarkMerged(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Run %s completed\n", args[0])
			return nil
		}),
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run status",
		Args:  runIDArg,
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			ctx := cmd.Context()
			run, err := e.orch.GetRun(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Run %s\n", run.ID)
			fmt.Printf("Phase: %s\n", run.Phase)
			fmt.Printf("Iteration: %d/%d\n", run.Iteration, run.MaxIterations)
			fmt.Printf("Goal: %s\n", run.Goal)
			fmt.Printf("Workspace: %s\n", run.WorkspacePath)
			if ws, err := workspace.At(run.WorkspacePath); err == nil {
				if meta, err := ws.ReadRunMetadata(); err == nil {
					fmt.Printf("Last invocation: %s, iteration %d, attempt %d\n", meta.Agent, meta.Iteration, meta.Attempt)
				}
			}
			if run.Resume != nil {
				fmt.Printf("Decision: %s (%s)\n", run.Resume.Decision, run.Resume.VCRID)
			}

			fmt.Println("\nAgents:")
			for _, p := range models.AgentPhases {
				if rec := run.Agents[p.Agent()]; rec != nil {
					fmt.Printf("  %-10s %s\n", p.Agent(), rec.Status)
				}
			}

			if len(run.Errors) > 0 {
				fmt.Println("\nErrors:")
				for _, er := range run.Errors {
					fmt.Printf("  %s %-8s [%s] %s\n", er.Timestamp.Local().Format("15:04:05"), er.Phase, er.Kind, er.Message)
				}
			}

			execs, err := e.orch.GetExecutionsForRun(ctx, run.ID)
			if err != nil {
				return err
			}
			if len(execs) > 0 {
				fmt.Println("\nExecutions:")
				for _, exec := range execs {
					status := string(exec.Status)
					if exec.ExitCode != nil {
						status += fmt.Sprintf(" (exit %d)", *exec.ExitCode)
					}
					if sig, ok := exec.OutputSignal["status"].(string); ok {
						status += " " + sig
					}
					fmt.Printf("  %d. %-10s i%d a%d [%s]\n", exec.SequenceNum, exec.AgentName, exec.Iteration, exec.Attempt, status)
				}
			}

			if run.Phase == models.PhaseWaitingHuman {
				if c, err := e.orch.PendingCRP(ctx, run.ID); err == nil && c != nil {
					printCRP(c)
				}
			}
			return nil
		}),
	}
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := e.orch.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			for _, run := range runs {
				fmt.Printf("%s [%s] %d/%d %s\n",
					run.ID, run.Phase, run.Iteration, run.MaxIterations,
					truncate(run.Goal, 50))
			}
			return nil
		}),
	}
	cmd.Flags().Int("limit", 20, "Maximum runs to show")
	return cmd
}

func newCRPsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "crps <run-id>",
		Short: "List a run's CRPs and their answers",
		Args:  runIDArg,
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			ctx := cmd.Context()
			crps, err := e.orch.ListCRPs(ctx, args[0])
			if err != nil {
				return err
			}
			vcrs, err := e.orch.ListVCRs(ctx, args[0])
			if err != nil {
				return err
			}

			if len(crps) == 0 {
				fmt.Println("No CRPs raised.")
				return nil
			}

			answers := make(map[string]*models.VCR, len(vcrs))
			for _, v := range vcrs {
				answers[v.CRPID] = v
			}
			for _, c := range crps {
				fmt.Printf("%s %s [%s] %s\n", c.CreatedAt.Local().Format("2006-01-02 15:04"), c.ID, c.Phase, c.Question)
				v, ok := answers[c.ID]
				if !ok {
					fmt.Println("    pending")
					continue
				}
				how := "answered"
				if v.Auto {
					how = "auto-resolved"
				}
				fmt.Printf("    %s: %s (%s)", how, v.Decision, v.Rationale)
				if v.AppliesToFuture {
					fmt.Print(" [standing]")
				}
				fmt.Println()
			}
			return nil
		}),
	}
}

func newAnswerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "answer <run-id>",
		Short: "Answer a run's pending CRP",
		Long:  "Records a decision for the pending CRP and resumes the run. Without --decision the answer is collected interactively.",
		Args:  runIDArg,
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			ctx := cmd.Context()
			flags := cmd.Flags()
			decision, _ := flags.GetString("decision")
			rationale, _ := flags.GetString("rationale")
			notes, _ := flags.GetString("notes")
			future, _ := flags.GetBool("future")
			noResume, _ := flags.GetBool("no-resume")

			c, err := e.orch.PendingCRP(ctx, args[0])
			if err != nil {
				return err
			}
			if c == nil {
				return errors.Precondition("run %s has no pending CRP", args[0])
			}

			if decision == "" || rationale == "" {
				if !tui.IsInteractive() {
					return errors.New(errors.KindValidation, "--decision and --rationale are required when not interactive")
				}
				ans, err := tui.PromptForAnswer(c, tui.Answer{Decision: decision, Rationale: rationale, Notes: notes, AppliesToFuture: future})
				if err != nil {
					return err
				}
				decision, rationale, notes, future = ans.Decision, ans.Rationale, ans.Notes, ans.AppliesToFuture
			}

			sub := crp.Submission{
				RunID:           args[0],
				CRPID:           c.ID,
				Decision:        decision,
				Rationale:       rationale,
				Notes:           notes,
				AppliesToFuture: future,
			}
			if noResume {
				_, vcr, err := e.orch.SubmitVCR(ctx, sub, false)
				if err != nil {
					return err
				}
				fmt.Printf("Recorded %s: %s\n", vcr.ID, vcr.Decision)
				fmt.Printf("Resume with: foreman resume %s\n", args[0])
				return nil
			}

			fmt.Printf("Recorded decision %q, resuming run %s\n", decision, args[0])
			return drive(ctx, e, args[0], func(ctx context.Context) (*models.RunState, error) {
				run, _, err := e.orch.SubmitVCR(ctx, sub, true)
				return run, err
			})
		}),
	}

	cmd.Flags().StringP("decision", "d", "", "Option id to choose")
	cmd.Flags().String("rationale", "", "Why this option")
	cmd.Flags().String("notes", "", "Extra notes for the agent")
	cmd.Flags().Bool("future", false, "Apply to identical questions later in this run")
	cmd.Flags().Bool("no-resume", false, "Record the decision without resuming")
	return cmd
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run and its workspace",
		Args:  runIDArg,
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			if err := e.orch.DeleteRun(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to delete run: %w", err)
			}
			fmt.Printf("Deleted run %s\n", args[0])
			return nil
		}),
	}
}
