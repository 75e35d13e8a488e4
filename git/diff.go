package git

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/cmux-dev/cmux-crown/logger"
	"github.com/cmux-dev/cmux-crown/workspace"
)

// NoChangesDetected is the sentinel diff text for a candidate with no
// reviewable changes. The control plane and the comparison oracle both treat
// it as an empty diff.
const NoChangesDetected = "No changes detected"

// DefaultDiffScript is the diff-collection script installed by the sandbox
// provisioner. It reads CMUX_DIFF_BASE and CMUX_DIFF_HEAD_REF from the
// environment and writes a unified diff to stdout.
const DefaultDiffScript = "/usr/local/bin/cmux-collect-diff.sh"

// DiffCollector computes base→head diffs for candidate attempts. Diffs are
// always computed fresh: the collector fetches the exact refs it is about to
// compare before invoking the diff script.
type DiffCollector struct {
	op      *Operator
	locator *workspace.Locator
	script  string
}

// NewDiffCollector creates a DiffCollector. The diff script defaults to
// DefaultDiffScript and can be overridden via CMUX_DIFF_SCRIPT.
func NewDiffCollector(op *Operator, locator *workspace.Locator) *DiffCollector {
	script := os.Getenv("CMUX_DIFF_SCRIPT")
	if script == "" {
		script = DefaultDiffScript
	}
	return &DiffCollector{op: op, locator: locator, script: script}
}

// SetScript overrides the diff-collection script. Used in tests.
func (c *DiffCollector) SetScript(script string) { c.script = script }

// RepoPath returns the repository diffs are collected in.
func (c *DiffCollector) RepoPath() string { return c.locator.Locate() }

// DefaultBaseBranch resolves the repository's default base branch: the
// symbolic target of origin/HEAD when present, otherwise "main" when
// origin/main exists, otherwise "master".
func (c *DiffCollector) DefaultBaseBranch(ctx context.Context, repoPath string) string {
	result, err := c.op.Run(ctx, repoPath, true, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err == nil && result.ExitCode == 0 {
		// Output is like "refs/remotes/origin/main".
		ref := strings.TrimSpace(result.Stdout)
		if idx := strings.LastIndex(ref, "/"); idx >= 0 && idx < len(ref)-1 {
			return ref[idx+1:]
		}
	}

	result, err = c.op.Run(ctx, repoPath, true, "rev-parse", "--verify", "refs/remotes/origin/main")
	if err == nil && result.ExitCode == 0 {
		return "main"
	}

	return "master"
}

// FetchRemoteRef fetches refs/heads/<ref> into refs/remotes/origin/<ref> and
// verifies the tracking ref now resolves. Returns false (non-fatal) on any
// failure; callers proceed with whatever refs are already present.
func (c *DiffCollector) FetchRemoteRef(ctx context.Context, repoPath, ref string) bool {
	log := logger.WithComponent("diff")

	spec := fmt.Sprintf("refs/heads/%s:refs/remotes/origin/%s", ref, ref)
	result, err := c.op.Run(ctx, repoPath, true, "fetch", "origin", spec)
	if err != nil || result.ExitCode != 0 {
		log.Debug("fetch of remote ref failed", "ref", ref, "stderr", Truncate(result.Stderr, 200))
		return false
	}

	result, err = c.op.Run(ctx, repoPath, true, "rev-parse", "--verify", "refs/remotes/origin/"+ref)
	if err != nil || result.ExitCode != 0 {
		log.Debug("fetched ref does not resolve", "ref", ref)
		return false
	}
	return true
}

// Collect computes the diff between baseBranch (auto-detected when empty) and
// headBranch. An empty headBranch or empty diff output yields the
// NoChangesDetected sentinel. Failed ref fetches are logged but do not abort
// the attempt; a non-zero diff-script exit does.
func (c *DiffCollector) Collect(ctx context.Context, baseBranch, headBranch string) (string, error) {
	log := logger.WithComponent("diff")

	if headBranch == "" {
		log.Debug("no head branch for candidate, reporting no changes")
		return NoChangesDetected, nil
	}

	repoPath := c.locator.Locate()

	base := baseBranch
	if base == "" {
		base = c.DefaultBaseBranch(ctx, repoPath)
		log.Debug("auto-detected base branch", "base", base)
	}

	if !c.FetchRemoteRef(ctx, repoPath, base) {
		log.Warn("failed to fetch base ref, diffing against local state", "base", base)
	}
	if !c.FetchRemoteRef(ctx, repoPath, headBranch) {
		log.Warn("failed to fetch head ref, diffing against local state", "head", headBranch)
	}

	extraEnv := []string{
		"CMUX_DIFF_BASE=origin/" + base,
		"CMUX_DIFF_HEAD_REF=origin/" + headBranch,
	}
	result, err := c.op.RunScript(ctx, repoPath, c.script, extraEnv)
	if err != nil {
		return "", fmt.Errorf("diff collection for %s..%s failed: %w", base, headBranch, err)
	}

	diff := strings.TrimSpace(result.Stdout)
	if diff == "" {
		return NoChangesDetected, nil
	}
	return result.Stdout, nil
}
