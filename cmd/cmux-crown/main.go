// cmux-crown is the in-sandbox crown worker. It reports run completion,
// reconciles and pushes branches, and drives the crown evaluation for a task.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cmux-dev/cmux-crown/config"
	"github.com/cmux-dev/cmux-crown/controlplane"
	"github.com/cmux-dev/cmux-crown/crown"
	"github.com/cmux-dev/cmux-crown/eventlog"
	pexec "github.com/cmux-dev/cmux-crown/exec"
	"github.com/cmux-dev/cmux-crown/git"
	"github.com/cmux-dev/cmux-crown/logger"
	"github.com/cmux-dev/cmux-crown/paths"
	"github.com/cmux-dev/cmux-crown/preflight"
	"github.com/cmux-dev/cmux-crown/workspace"
)

var (
	flagConfig string
	flagDebug  bool

	flagRunID    string
	flagExitCode int

	flagTaskID  string
	flagRetry   bool
	flagRefresh bool
	flagConfirm bool

	flagBranch    string
	flagMessage   string
	flagRemoteURL string

	flagAll bool
)

var rootCmd = &cobra.Command{
	Use:   "cmux-crown",
	Short: "Crown evaluation and branch reconciliation worker",
	Long: `cmux-crown runs inside the agent sandbox. It reports run completion to
the control plane, commits and pushes each run's branch, and when every
sibling run has finished it evaluates the competing attempts and crowns
a winner.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		if flagDebug {
			cfg.Debug = true
		}
		logPath, err := logger.DefaultLogPath()
		if err != nil {
			return fmt.Errorf("failed to resolve log path: %w", err)
		}
		if err := logger.Init(logPath); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		logger.SetDebug(cfg.Debug)
		loadedConfig = cfg
		return nil
	},
}

var loadedConfig *config.Config

// workspaceRoot resolves the workspace path, falling back to the compiled-in
// default when the state directory cannot be resolved.
func workspaceRoot() string {
	root, err := paths.Workspace()
	if err != nil {
		logger.Get().Warn("failed to resolve workspace path, using default", "error", err)
		return paths.DefaultWorkspace
	}
	return root
}

// newCoordinator wires the full production stack.
func newCoordinator(cfg *config.Config) (*crown.Coordinator, func()) {
	executor := pexec.NewRealExecutor()
	op := git.NewOperatorWithExecutor(executor)
	locator := workspace.NewLocator(workspaceRoot(), cfg.RepoHint)
	diffs := git.NewDiffCollector(op, locator)
	reconciler := git.NewReconciler(op, locator, cfg.RepoHint)
	pr := crown.NewPRBuilder(executor)
	client := controlplane.New(cfg)

	var events *eventlog.Log
	if dbPath, err := paths.EventLogPath(); err == nil {
		if events, err = eventlog.Open(dbPath); err != nil {
			logger.Get().Warn("event log unavailable", "error", err)
			events = nil
		}
	}
	closeFn := func() {
		if events != nil {
			events.Close()
		}
	}

	return crown.NewCoordinator(client, diffs, reconciler, pr, events, cfg), closeFn
}

var completeCmd = &cobra.Command{
	Use:   "complete",
	Short: "Report run completion, push the run's branch, and attempt evaluation",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagRunID == "" {
			return fmt.Errorf("--run is required")
		}
		coord, closeFn := newCoordinator(loadedConfig)
		defer closeFn()

		outcome, err := coord.OnRunComplete(cmd.Context(), flagRunID, flagExitCode)
		if err != nil {
			return err
		}
		printOutcome(outcome)
		return nil
	},
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run (or retry/refresh) the crown evaluation for a task",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagTaskID == "" {
			return fmt.Errorf("--task is required")
		}
		if flagRetry && flagRefresh {
			return fmt.Errorf("--retry and --refresh are mutually exclusive")
		}
		coord, closeFn := newCoordinator(loadedConfig)
		defer closeFn()

		var (
			outcome *crown.Outcome
			err     error
		)
		switch {
		case flagRetry:
			outcome, err = coord.Retry(cmd.Context(), flagTaskID)
		case flagRefresh:
			outcome, err = coord.Refresh(cmd.Context(), flagTaskID, flagConfirm)
		default:
			outcome, err = coord.MaybeEvaluate(cmd.Context(), flagTaskID)
		}
		if err != nil {
			return err
		}
		printOutcome(outcome)
		return nil
	},
}

var autocommitCmd = &cobra.Command{
	Use:   "autocommit",
	Short: "Commit pending changes onto a branch and push it in every workspace repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagBranch == "" {
			return fmt.Errorf("--branch is required")
		}
		cfg := loadedConfig
		executor := pexec.NewRealExecutor()
		op := git.NewOperatorWithExecutor(executor)
		locator := workspace.NewLocator(workspaceRoot(), cfg.RepoHint)
		reconciler := git.NewReconciler(op, locator, cfg.RepoHint)

		result, err := reconciler.AutoCommitAndPush(cmd.Context(), git.PushOptions{
			BranchName:    flagBranch,
			CommitMessage: flagMessage,
			RemoteURL:     flagRemoteURL,
		})
		if err != nil {
			return err
		}
		for _, repo := range result.PushedRepos {
			fmt.Printf("pushed %s\n", repo)
		}
		for _, pushErr := range result.Errors {
			fmt.Fprintf(os.Stderr, "error: %s\n", pushErr)
		}
		if !result.Success {
			return fmt.Errorf("no repository was pushed")
		}
		return nil
	},
}

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Check that the sandbox has every tool the engine shells out to",
	RunE: func(cmd *cobra.Command, args []string) error {
		reqs := preflight.Defaults()
		fmt.Print(preflight.Format(preflight.CheckAll(reqs)))
		return preflight.Validate(reqs)
	},
}

var locateCmd = &cobra.Command{
	Use:   "locate",
	Short: "Print the workspace repository (or all of them with --all)",
	RunE: func(cmd *cobra.Command, args []string) error {
		locator := workspace.NewLocator(workspaceRoot(), loadedConfig.RepoHint)
		if flagAll {
			for _, repo := range locator.ListAll() {
				fmt.Println(repo)
			}
			return nil
		}
		fmt.Println(locator.Locate())
		return nil
	},
}

func printOutcome(o *crown.Outcome) {
	fmt.Printf("outcome: %s\n", o.Kind)
	if o.WinnerRunID != "" {
		fmt.Printf("winner: %s\n", o.WinnerRunID)
	}
	if o.Reason != "" {
		fmt.Printf("reason: %s\n", o.Reason)
	}
	if o.Note != "" {
		fmt.Printf("note: %s\n", o.Note)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to crown.yaml (defaults to the state directory copy)")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	completeCmd.Flags().StringVar(&flagRunID, "run", "", "task run id")
	completeCmd.Flags().IntVar(&flagExitCode, "exit-code", 0, "agent process exit code")

	evaluateCmd.Flags().StringVar(&flagTaskID, "task", "", "task id")
	evaluateCmd.Flags().BoolVar(&flagRetry, "retry", false, "retry a failed evaluation")
	evaluateCmd.Flags().BoolVar(&flagRefresh, "refresh", false, "re-evaluate a succeeded evaluation")
	evaluateCmd.Flags().BoolVar(&flagConfirm, "confirm", false, "confirm discarding the current winner on refresh")

	autocommitCmd.Flags().StringVar(&flagBranch, "branch", "", "branch to commit and push")
	autocommitCmd.Flags().StringVar(&flagMessage, "message", "", "commit message")
	autocommitCmd.Flags().StringVar(&flagRemoteURL, "remote-url", "", "remote URL to wire as origin")

	locateCmd.Flags().BoolVar(&flagAll, "all", false, "list every discovered repository")

	rootCmd.AddCommand(completeCmd, evaluateCmd, autocommitCmd, locateCmd, preflightCmd)
}

func main() {
	defer logger.Close()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "cmux-crown: %v\n", err)
		os.Exit(1)
	}
}
