package git

import (
	"context"
	"fmt"
	"strings"

	pexec "github.com/cmux-dev/cmux-crown/exec"
	"github.com/cmux-dev/cmux-crown/logger"
)

// Operator executes git commands with explicit dependency injection. Each
// Operator instance holds its own executor, enabling proper testing and
// avoiding global state.
type Operator struct {
	executor pexec.CommandExecutor
}

// NewOperator creates a new Operator with the default real executor.
func NewOperator() *Operator {
	return &Operator{executor: pexec.NewRealExecutor()}
}

// NewOperatorWithExecutor creates a new Operator with a custom executor.
// This is primarily used for testing where a mock executor is needed.
func NewOperatorWithExecutor(exec pexec.CommandExecutor) *Operator {
	return &Operator{executor: exec}
}

// CommandResult captures the outcome of one git invocation. Stdout and Stderr
// are redacted before the result leaves the Operator.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout and stderr joined, for pattern matching against
// output that git writes to either stream.
func (r *CommandResult) Combined() string {
	if r.Stdout == "" {
		return r.Stderr
	}
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + "\n" + r.Stderr
}

// Run executes a git invocation in repoPath. When the command fails and
// allowFailure is false, the error (with redacted stderr) is logged and
// returned alongside the captured result. When allowFailure is true, failures
// are logged at debug level and the populated result is returned with a nil
// error so callers can inspect the exit code and output themselves.
func (o *Operator) Run(ctx context.Context, repoPath string, allowFailure bool, args ...string) (*CommandResult, error) {
	log := logger.WithComponent("git")

	stdout, stderr, err := o.executor.Run(ctx, repoPath, "git", args...)
	result := &CommandResult{
		Stdout:   Redact(strings.TrimRight(string(stdout), "\n")),
		Stderr:   Redact(strings.TrimRight(string(stderr), "\n")),
		ExitCode: pexec.ExitCode(err),
	}

	if err == nil {
		return result, nil
	}

	if allowFailure {
		log.Debug("git command failed (allowed)",
			"args", strings.Join(args, " "), "exitCode", result.ExitCode, "stderr", Truncate(result.Stderr, 200))
		return result, nil
	}

	log.Error("git command failed",
		"args", strings.Join(args, " "), "exitCode", result.ExitCode, "stderr", Truncate(result.Stderr, 200))
	return result, fmt.Errorf("git %s failed (exit %d): %s", firstArg(args), result.ExitCode, Truncate(result.Stderr, 200))
}

// Output executes a git invocation and returns trimmed, redacted stdout.
func (o *Operator) Output(ctx context.Context, repoPath string, args ...string) (string, error) {
	result, err := o.Run(ctx, repoPath, false, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Stdout), nil
}

// RunScript executes an external script in repoPath with additional
// environment variables, capturing and redacting both streams.
func (o *Operator) RunScript(ctx context.Context, repoPath, script string, extraEnv []string) (*CommandResult, error) {
	stdout, stderr, err := o.executor.RunScript(ctx, repoPath, script, extraEnv)
	result := &CommandResult{
		Stdout:   Redact(strings.TrimRight(string(stdout), "\n")),
		Stderr:   Redact(strings.TrimRight(string(stderr), "\n")),
		ExitCode: pexec.ExitCode(err),
	}
	if err != nil {
		return result, fmt.Errorf("script failed (exit %d): %s", result.ExitCode, Truncate(result.Stderr, 200))
	}
	return result, nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
