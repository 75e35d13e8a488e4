package git

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	pexec "github.com/cmux-dev/cmux-crown/exec"
	"github.com/cmux-dev/cmux-crown/workspace"
)

// newTestCollector builds a DiffCollector over a single fake repo directory.
func newTestCollector(t *testing.T, mock *pexec.MockExecutor) (*DiffCollector, string) {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".git"), 0755); err != nil {
		t.Fatalf("mk .git: %v", err)
	}
	locator := workspace.NewLocator(root, nil)
	c := NewDiffCollector(NewOperatorWithExecutor(mock), locator)
	c.SetScript("collect-diff")
	return c, root
}

func TestDefaultBaseBranch_FromSymbolicRef(t *testing.T) {
	mock := pexec.NewMockExecutor(nil)
	mock.AddExactMatch("git", []string{"symbolic-ref", "refs/remotes/origin/HEAD"}, pexec.MockResponse{
		Stdout: []byte("refs/remotes/origin/develop\n"),
	})
	c, root := newTestCollector(t, mock)

	if got := c.DefaultBaseBranch(ctx, root); got != "develop" {
		t.Errorf("expected develop, got %q", got)
	}
}

func TestDefaultBaseBranch_FallbackMain(t *testing.T) {
	mock := pexec.NewMockExecutor(nil)
	mock.AddExactMatch("git", []string{"symbolic-ref", "refs/remotes/origin/HEAD"}, pexec.MockResponse{
		Err: exitError("fatal: ref refs/remotes/origin/HEAD is not a symbolic ref"),
	})
	mock.AddExactMatch("git", []string{"rev-parse", "--verify", "refs/remotes/origin/main"}, pexec.MockResponse{
		Stdout: []byte("abc123\n"),
	})
	c, root := newTestCollector(t, mock)

	if got := c.DefaultBaseBranch(ctx, root); got != "main" {
		t.Errorf("expected main, got %q", got)
	}
}

func TestDefaultBaseBranch_FallbackMaster(t *testing.T) {
	mock := pexec.NewMockExecutor(nil)
	mock.AddExactMatch("git", []string{"symbolic-ref", "refs/remotes/origin/HEAD"}, pexec.MockResponse{
		Err: exitError("fatal: not a symbolic ref"),
	})
	mock.AddExactMatch("git", []string{"rev-parse", "--verify", "refs/remotes/origin/main"}, pexec.MockResponse{
		Err: exitError("fatal: needed a single revision"),
	})
	c, root := newTestCollector(t, mock)

	if got := c.DefaultBaseBranch(ctx, root); got != "master" {
		t.Errorf("expected master, got %q", got)
	}
}

func TestFetchRemoteRef_Success(t *testing.T) {
	mock := pexec.NewMockExecutor(nil)
	mock.AddExactMatch("git", []string{"fetch", "origin", "refs/heads/feature/x:refs/remotes/origin/feature/x"}, pexec.MockResponse{})
	mock.AddExactMatch("git", []string{"rev-parse", "--verify", "refs/remotes/origin/feature/x"}, pexec.MockResponse{
		Stdout: []byte("abc123\n"),
	})
	c, root := newTestCollector(t, mock)

	if !c.FetchRemoteRef(ctx, root, "feature/x") {
		t.Error("expected fetch to succeed")
	}
}

func TestFetchRemoteRef_FetchFails(t *testing.T) {
	mock := pexec.NewMockExecutor(nil)
	mock.AddPrefixMatch("git", []string{"fetch"}, pexec.MockResponse{
		Stderr: []byte("fatal: couldn't find remote ref refs/heads/gone\n"),
		Err:    exitError("exit status 128"),
	})
	c, root := newTestCollector(t, mock)

	if c.FetchRemoteRef(ctx, root, "gone") {
		t.Error("expected fetch to fail")
	}
}

func TestCollect_EmptyHeadBranch(t *testing.T) {
	c, _ := newTestCollector(t, pexec.NewMockExecutor(nil))

	diff, err := c.Collect(ctx, "main", "")
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if diff != NoChangesDetected {
		t.Errorf("expected sentinel, got %q", diff)
	}
}

func TestCollect_ScriptEnvContract(t *testing.T) {
	mock := pexec.NewMockExecutor(nil)
	// Ref fetches succeed.
	mock.AddPrefixMatch("git", []string{"fetch"}, pexec.MockResponse{})
	mock.AddPrefixMatch("git", []string{"rev-parse"}, pexec.MockResponse{Stdout: []byte("abc\n")})
	mock.AddExactMatch("bash", []string{"-c", "collect-diff"}, pexec.MockResponse{
		Stdout: []byte("diff --git a/x b/x\n+new\n"),
	})
	c, _ := newTestCollector(t, mock)

	diff, err := c.Collect(ctx, "main", "feature/x")
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if !strings.Contains(diff, "diff --git") {
		t.Errorf("unexpected diff: %q", diff)
	}

	// Verify the env contract on the script invocation.
	var scriptCall *pexec.MockCall
	for _, call := range mock.GetCalls() {
		if call.Script != "" {
			c := call
			scriptCall = &c
		}
	}
	if scriptCall == nil {
		t.Fatal("diff script was never invoked")
	}
	env := strings.Join(scriptCall.Env, " ")
	if !strings.Contains(env, "CMUX_DIFF_BASE=origin/main") {
		t.Errorf("missing base env: %v", scriptCall.Env)
	}
	if !strings.Contains(env, "CMUX_DIFF_HEAD_REF=origin/feature/x") {
		t.Errorf("missing head env: %v", scriptCall.Env)
	}
}

func TestCollect_FailedFetchDoesNotAbort(t *testing.T) {
	mock := pexec.NewMockExecutor(nil)
	mock.AddPrefixMatch("git", []string{"fetch"}, pexec.MockResponse{
		Stderr: []byte("fatal: unable to access remote\n"),
		Err:    exitError("exit status 128"),
	})
	mock.AddExactMatch("bash", []string{"-c", "collect-diff"}, pexec.MockResponse{
		Stdout: []byte("diff --git a/x b/x\n"),
	})
	c, _ := newTestCollector(t, mock)

	diff, err := c.Collect(ctx, "main", "feature/x")
	if err != nil {
		t.Fatalf("Collect should tolerate fetch failure: %v", err)
	}
	if !strings.Contains(diff, "diff --git") {
		t.Errorf("unexpected diff: %q", diff)
	}
}

func TestCollect_ScriptFailureIsError(t *testing.T) {
	mock := pexec.NewMockExecutor(nil)
	mock.AddPrefixMatch("git", []string{"fetch"}, pexec.MockResponse{})
	mock.AddPrefixMatch("git", []string{"rev-parse"}, pexec.MockResponse{Stdout: []byte("abc\n")})
	secret := "ghs_aB3cD4eF5gH6iJ7k"
	mock.AddExactMatch("bash", []string{"-c", "collect-diff"}, pexec.MockResponse{
		Stderr: []byte("error cloning https://x-access-token:" + secret + "@github.com/o/r.git\n"),
		Err:    exitError("exit status 1"),
	})
	c, _ := newTestCollector(t, mock)

	_, err := c.Collect(ctx, "main", "feature/x")
	if err == nil {
		t.Fatal("expected error from failing script")
	}
	if strings.Contains(err.Error(), secret) {
		t.Errorf("secret leaked into error: %v", err)
	}
}

func TestCollect_EmptyOutputIsSentinel(t *testing.T) {
	mock := pexec.NewMockExecutor(nil)
	mock.AddPrefixMatch("git", []string{"fetch"}, pexec.MockResponse{})
	mock.AddPrefixMatch("git", []string{"rev-parse"}, pexec.MockResponse{Stdout: []byte("abc\n")})
	mock.AddExactMatch("bash", []string{"-c", "collect-diff"}, pexec.MockResponse{
		Stdout: []byte("\n"),
	})
	c, _ := newTestCollector(t, mock)

	diff, err := c.Collect(ctx, "main", "feature/x")
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if diff != NoChangesDetected {
		t.Errorf("expected sentinel, got %q", diff)
	}
}
