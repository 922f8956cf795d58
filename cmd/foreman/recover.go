package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mpataki/foreman/internal/recovery"
	"github.com/mpataki/foreman/internal/tui"
)

func newRecoverCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Find runs interrupted by a crash and recover them",
		Long: `Lists runs whose agent is no longer alive, or whose attached agent has gone
quiet, and re-enters their phase. Runs waiting on a human keep waiting for an
answer. Each retry is confirmed unless --yes is given or recovery.auto_recover
is set.`,
		Args: cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			ctx := cmd.Context()
			yes, _ := cmd.Flags().GetBool("yes")
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			hosts := e.orch.Hosts()
			detector := recovery.NewDetector(e.store, hosts, e.cfg.StaleThreshold())
			records, err := detector.DetectInterruptedRuns(ctx)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No interrupted runs.")
				return nil
			}

			for _, rec := range records {
				fmt.Printf("%s %s/%s i%d: %s -> %s\n  %s\n",
					rec.RunID, rec.Phase, rec.Agent, rec.Iteration, rec.Condition, rec.Strategy, rec.Reason)
			}
			if dryRun {
				return nil
			}

			opts := recovery.Options{
				AutoRecover:     yes || e.cfg.Recovery.AutoRecover,
				ReattachTimeout: e.cfg.Recovery.ReattachTimeout.Std(),
				Concurrency:     e.cfg.Recovery.Concurrency,
			}
			if !opts.AutoRecover && tui.IsInteractive() {
				opts.Confirm = func(rec recovery.Record) (bool, error) {
					return tui.PromptForConfirmation(
						fmt.Sprintf("Apply %s to %s (%s)?", rec.Strategy, rec.RunID, rec.Condition), true)
				}
			}

			recoverer := recovery.NewRecoverer(e.orch, hosts, e.logger, opts)
			outcomes, err := recoverer.Recover(ctx, records)

			fmt.Println()
			for _, o := range outcomes {
				switch o.Action {
				case recovery.ActionRetried:
					fmt.Printf("%s: retried, now %s\n", o.Record.RunID, o.Run.Phase)
				case recovery.ActionProgressed:
					fmt.Printf("%s: moved on to %s under its own driver, left alone\n", o.Record.RunID, o.Run.Phase)
				case recovery.ActionFailed:
					fmt.Printf("%s: recovery failed: %v\n", o.Record.RunID, o.Err)
				case recovery.ActionAwaitingVCR:
					fmt.Printf("%s: waiting on %s, answer with `foreman answer %s`\n", o.Record.RunID, o.Record.PendingCRP, o.Record.RunID)
				default:
					fmt.Printf("%s: skipped\n", o.Record.RunID)
				}
			}
			return err
		}),
	}

	cmd.Flags().BoolP("yes", "y", false, "Recover without asking")
	cmd.Flags().Bool("dry-run", false, "Only list interrupted runs")
	return cmd
}
