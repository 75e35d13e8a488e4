package git

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cmux-dev/cmux-crown/logger"
	"github.com/cmux-dev/cmux-crown/workspace"
)

// ErrMissingBranchName is returned when AutoCommitAndPush is invoked without
// a branch name. Nothing can be reconciled without one.
var ErrMissingBranchName = errors.New("autocommit requires a branch name")

// PushAuth is an ephemeral push credential resolved from the control plane.
// It is embedded only in a one-shot push URL argument and never written to
// persistent git configuration.
type PushAuth struct {
	Token        string
	RepoFullName string
}

// TokenSupplier lazily resolves an ephemeral push credential. It is invoked
// at most once per AutoCommitAndPush call, on the first auth failure.
type TokenSupplier func(ctx context.Context) (*PushAuth, error)

// PushOptions configures one reconciliation invocation.
type PushOptions struct {
	BranchName    string
	CommitMessage string

	// RemoteURL, when set, is wired as origin — but only when there is
	// exactly one target repository or the repository's directory name
	// matches the repo hint, to avoid cross-wiring remotes in a multi-repo
	// workspace.
	RemoteURL string

	// TokenSupplier enables the single authenticated push retry.
	TokenSupplier TokenSupplier
}

// PushResult aggregates per-repository outcomes of one reconciliation.
type PushResult struct {
	Success     bool
	PushedRepos []string
	Errors      []string
}

// Reconciler stages, commits, rebases and pushes one branch across every
// discovered workspace repository.
type Reconciler struct {
	op      *Operator
	locator *workspace.Locator
	hint    workspace.HintFunc
}

// NewReconciler creates a Reconciler. hint supplies the repo-name hint used
// by the remote wiring guard; it may be nil.
func NewReconciler(op *Operator, locator *workspace.Locator, hint workspace.HintFunc) *Reconciler {
	if hint == nil {
		hint = func() string { return "" }
	}
	return &Reconciler{op: op, locator: locator, hint: hint}
}

// AutoCommitAndPush commits pending changes onto opts.BranchName and pushes
// it in every discovered repository, sequentially. Per-repository failures
// are aggregated into the result; the call as a whole succeeds when at least
// one repository was pushed.
func (r *Reconciler) AutoCommitAndPush(ctx context.Context, opts PushOptions) (*PushResult, error) {
	log := logger.WithComponent("autocommit")

	branch := normalizeBranch(opts.BranchName)
	if branch == "" {
		return nil, ErrMissingBranchName
	}

	repos := r.locator.ListAll()
	result := &PushResult{}

	// The ephemeral credential is resolved at most once for the whole
	// invocation, no matter how many repositories fail authentication.
	var (
		auth        *PushAuth
		authErr     error
		authFetched bool
	)
	fetchAuth := func() (*PushAuth, error) {
		if !authFetched {
			authFetched = true
			if opts.TokenSupplier != nil {
				auth, authErr = opts.TokenSupplier(ctx)
			}
		}
		return auth, authErr
	}

	for _, repoPath := range repos {
		if err := r.reconcileRepo(ctx, repoPath, branch, opts, len(repos), fetchAuth, result); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", filepath.Base(repoPath), Truncate(Redact(err.Error()), 200)))
		}
	}

	result.Success = len(result.PushedRepos) > 0
	log.Info("autocommit finished",
		"branch", branch, "pushed", len(result.PushedRepos), "errors", len(result.Errors))
	return result, nil
}

// reconcileRepo runs the per-repository state machine:
// NotARepo → Initialized → (ProtectedSkip | Committed) →
// (PushedDirect | PushFailed → [RetriedWithFreshToken → (Pushed | PushFailedFinal)]).
func (r *Reconciler) reconcileRepo(ctx context.Context, repoPath, branch string, opts PushOptions, repoCount int, fetchAuth func() (*PushAuth, error), result *PushResult) error {
	log := logger.WithComponent("autocommit")

	if !workspace.IsGitRepo(repoPath) {
		if _, err := r.op.Run(ctx, repoPath, false, "init"); err != nil {
			return fmt.Errorf("git init failed: %w", err)
		}
	}

	// Protected-branch guard: never commit to or push over the remote
	// default branch, or main/master when the remote HEAD is unknown.
	if protected, def := r.isProtectedBranch(ctx, repoPath, branch); protected {
		log.Warn("refusing to push to protected branch", "branch", branch, "default", def, "repo", repoPath)
		return fmt.Errorf("branch %q is protected (default branch %q), skipping", branch, def)
	}

	remoteApplied := false
	if opts.RemoteURL != "" && (repoCount == 1 || filepath.Base(repoPath) == r.hint()) {
		if err := r.configureOrigin(ctx, repoPath, opts.RemoteURL); err != nil {
			log.Warn("failed to configure origin", "repo", repoPath, "error", err)
		} else {
			remoteApplied = true
		}
	}

	if _, err := r.op.Run(ctx, repoPath, false, "add", "-A"); err != nil {
		return fmt.Errorf("git add failed: %w", err)
	}
	if _, err := r.op.Run(ctx, repoPath, false, "checkout", "-B", branch); err != nil {
		return fmt.Errorf("git checkout -B failed: %w", err)
	}

	status, err := r.op.Run(ctx, repoPath, false, "status", "--short")
	if err != nil {
		return fmt.Errorf("git status failed: %w", err)
	}
	if strings.TrimSpace(status.Stdout) != "" {
		message := opts.CommitMessage
		if message == "" {
			message = fmt.Sprintf("cmux: checkpoint on %s", branch)
		}
		if _, err := r.op.Run(ctx, repoPath, false, "commit", "-m", message); err != nil {
			return fmt.Errorf("git commit failed: %w", err)
		}
	} else {
		// Nothing new to commit; the branch may still need pushing.
		log.Debug("no pending changes", "repo", repoPath, "branch", branch)
	}

	// Rebase onto the remote branch when it already exists so the push is a
	// fast-forward. A missing remote branch is created by the push itself.
	if r.remoteBranchExists(ctx, repoPath, branch) {
		rebase, _ := r.op.Run(ctx, repoPath, true, "rebase", "origin/"+branch)
		if rebase.ExitCode != 0 {
			log.Warn("rebase onto remote branch failed, aborting rebase", "branch", branch, "stderr", Truncate(rebase.Stderr, 200))
			r.op.Run(ctx, repoPath, true, "rebase", "--abort")
		}
	}

	push, _ := r.op.Run(ctx, repoPath, true, "push", "-u", "origin", branch)
	if push.ExitCode == 0 {
		result.PushedRepos = append(result.PushedRepos, repoPath)
		log.Info("pushed branch", "repo", repoPath, "branch", branch)
		return nil
	}

	combined := push.Combined()
	if IsAuthError(combined) && opts.TokenSupplier != nil && (repoCount == 1 || remoteApplied) {
		auth, authErr := fetchAuth()
		if authErr != nil {
			return fmt.Errorf("push auth failed and no fresh credential: %v (original: %s)", authErr, Truncate(combined, 200))
		}
		if auth != nil && auth.Token != "" && auth.RepoFullName != "" {
			// One-shot tokenized URL; never persisted via remote set-url.
			pushURL := fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", auth.Token, auth.RepoFullName)
			retry, _ := r.op.Run(ctx, repoPath, true, "push", "-u", pushURL, branch)
			if retry.ExitCode == 0 {
				result.PushedRepos = append(result.PushedRepos, repoPath)
				log.Info("pushed branch with fresh credential", "repo", repoPath, "branch", branch)
				return nil
			}
			return fmt.Errorf("push failed after credential retry: %s", Truncate(retry.Combined(), 200))
		}
	}

	return fmt.Errorf("push failed: %s", Truncate(combined, 200))
}

// isProtectedBranch resolves the remote default branch and reports whether
// branch must not be pushed. When the remote HEAD gives no answer, main and
// master are treated as protected.
func (r *Reconciler) isProtectedBranch(ctx context.Context, repoPath, branch string) (bool, string) {
	result, _ := r.op.Run(ctx, repoPath, true, "symbolic-ref", "refs/remotes/origin/HEAD")
	if result.ExitCode == 0 {
		ref := strings.TrimSpace(result.Stdout)
		if idx := strings.LastIndex(ref, "/"); idx >= 0 && idx < len(ref)-1 {
			def := ref[idx+1:]
			return branch == def, def
		}
	}
	if branch == "main" || branch == "master" {
		return true, branch
	}
	return false, ""
}

// remoteBranchExists checks whether origin already has the branch.
func (r *Reconciler) remoteBranchExists(ctx context.Context, repoPath, branch string) bool {
	result, _ := r.op.Run(ctx, repoPath, true, "ls-remote", "--heads", "origin", branch)
	return result.ExitCode == 0 && strings.TrimSpace(result.Stdout) != ""
}

// configureOrigin points origin at url, adding the remote when absent.
func (r *Reconciler) configureOrigin(ctx context.Context, repoPath, url string) error {
	check, _ := r.op.Run(ctx, repoPath, true, "remote", "get-url", "origin")
	if check.ExitCode == 0 {
		_, err := r.op.Run(ctx, repoPath, false, "remote", "set-url", "origin", url)
		return err
	}
	_, err := r.op.Run(ctx, repoPath, false, "remote", "add", "origin", url)
	return err
}

// normalizeBranch strips ref prefixes so "refs/heads/feature/x" and
// "origin/feature/x" compare equal to "feature/x".
func normalizeBranch(branch string) string {
	branch = strings.TrimSpace(branch)
	branch = strings.TrimPrefix(branch, "refs/heads/")
	branch = strings.TrimPrefix(branch, "origin/")
	return branch
}
