package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mpataki/foreman/internal/agent"
	"github.com/mpataki/foreman/internal/config"
	"github.com/mpataki/foreman/internal/crp"
	"github.com/mpataki/foreman/internal/errors"
	"github.com/mpataki/foreman/internal/host"
	"github.com/mpataki/foreman/internal/log"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/orchestrator"
	"github.com/mpataki/foreman/internal/retry"
	"github.com/mpataki/foreman/internal/storage"
	"github.com/mpataki/foreman/internal/tui"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "foreman",
		Short:         "Agent pipeline orchestrator",
		Long:          "Foreman drives refine, build, verify and gate agents through each run, pausing for human decisions when an agent asks.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runTUI,
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newRetryPhaseCommand())
	rootCmd.AddCommand(newStopCommand())
	rootCmd.AddCommand(newMergeCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newCRPsCommand())
	rootCmd.AddCommand(newAnswerCommand())
	rootCmd.AddCommand(newRecoverCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newTUICommand())
	rootCmd.AddCommand(newMissionCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// env holds the components every command works with.
type env struct {
	cfg      *config.Config
	logger   *log.Logger
	store    *storage.Storage
	executor *retry.Executor
	orch     *orchestrator.Orchestrator

	closers []func()
}

// openEnv loads configuration and wires storage, the CRP protocol, the
// retry executor, the agent host and the orchestrator. Logs go to stderr,
// or to foreman.log in the data directory when toFile is set.
func openEnv(ctx context.Context, toFile bool) (*env, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	var closers []func()
	var logOut io.Writer = os.Stderr
	if toFile {
		f, err := os.OpenFile(filepath.Join(cfg.DataDir, "foreman.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logOut = f
		closers = append(closers, func() { f.Close() })
	}

	logger := log.New(log.Config{
		Level:  log.ParseLevel(cfg.Log.Level),
		Format: log.ParseFormat(cfg.Log.Format),
		Output: logOut,
	})

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		for _, c := range closers {
			c()
		}
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	executor := retry.NewExecutor(retryPolicy(cfg.Retry))
	orch := orchestrator.New(store, cfg.WorkspacesDir(),
		orchestrator.WithLogger(logger),
		orchestrator.WithMaxIterations(cfg.MaxIterations),
		orchestrator.WithRetry(executor),
		orchestrator.WithProtocol(crp.New(store, logger, crp.WithFingerprint(cfg.CRP.Fingerprint))),
		orchestrator.WithHosts(hostProvider(cfg, store)),
		orchestrator.WithRunner(agent.NewClaudeRunner(cfg.Agents, store, logger)),
	)

	e := &env{cfg: cfg, logger: logger, store: store, executor: executor, orch: orch, closers: closers}

	ctx, cancel := context.WithCancel(ctx)
	retryEvents, unsubRetry := executor.Events().Subscribe(64)
	go retry.LogEvents(ctx, retryEvents, logger)
	orchEvents, unsubOrch := orch.Events().Subscribe(64)
	go orchestrator.LogEvents(ctx, orchEvents, logger)
	e.closers = append(e.closers, cancel, unsubRetry, unsubOrch, func() { store.Close() })

	return e, nil
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func retryPolicy(c config.RetryConfig) retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = c.MaxAttempts
	p.BaseDelay = c.BaseDelay.Std()
	p.MaxDelay = c.MaxDelay.Std()
	p.Multiplier = c.Multiplier
	if kinds := c.RecoverableKinds(); len(kinds) > 0 {
		p.Recoverable = kinds
	}
	return p
}

func hostProvider(cfg *config.Config, store *storage.Storage) host.Provider {
	if cfg.Host == config.HostTmux {
		return host.NewTmuxProvider(nil)
	}
	return host.NewProcessProvider(store)
}

func runTUI(cmd *cobra.Command, args []string) error {
	// The dashboard owns the terminal.
	e, err := openEnv(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer e.Close()

	app := tui.NewApp(cmd.Context(), e.orch)
	defer app.Close()

	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
	_, err = p.Run()
	return err
}

func newTUICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Open the run dashboard",
		Args:  cobra.NoArgs,
		RunE:  runTUI,
	}
}

// runIDArg accepts exactly one well-formed run id.
func runIDArg(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(1)(cmd, args); err != nil {
		return err
	}
	if !models.ValidRunID(args[0]) {
		e := errors.New(errors.KindValidation, "invalid run id %q", args[0])
		e.Field = "run-id"
		return e.WithSuggestion("run ids look like run-20261019-100000-1a2b3c4d; see `foreman list`")
	}
	return nil
}

// withEnv wraps a command body with environment setup and teardown.
func withEnv(fn func(cmd *cobra.Command, args []string, e *env) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer e.Close()
		return fn(cmd, args, e)
	}
}

func truncate(s string, maxLen int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
