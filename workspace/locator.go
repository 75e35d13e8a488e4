// Package workspace discovers git repositories under the sandbox workspace
// root. The provisioner clones either a single repository at the root itself
// or several repositories one level below it; the locator works out which
// layout it is looking at and which repository an operation should target.
package workspace

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/cmux-dev/cmux-crown/logger"
)

// HintFunc supplies the current repo-name disambiguation hint. It is consulted
// on every call so an environment change invalidates the cache.
type HintFunc func() string

// Locator finds git repositories under a workspace root and caches the result
// while the hint is unchanged and the cached path still has a .git directory.
type Locator struct {
	root string
	hint HintFunc

	mu          sync.Mutex
	cachedHint  string
	cachedPath  string
	cachedPaths []string
}

// NewLocator creates a Locator for the given workspace root. hint may be nil.
func NewLocator(root string, hint HintFunc) *Locator {
	if hint == nil {
		hint = func() string { return "" }
	}
	return &Locator{root: root, hint: hint}
}

// Root returns the workspace root the locator scans.
func (l *Locator) Root() string { return l.root }

// IsGitRepo reports whether path contains a .git directory.
func IsGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && info.IsDir()
}

// Locate returns the best-guess repository path. When no repository exists it
// falls back to the workspace root itself so callers can still run git init.
func (l *Locator) Locate() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locateLocked()
}

// ListAll returns every discovered repository path. It re-discovers when the
// cache is stale, so the result is never empty: with no repositories it
// contains just the workspace root.
func (l *Locator) ListAll() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.cacheValidLocked() || len(l.cachedPaths) == 0 {
		l.locateLocked()
	}
	if len(l.cachedPaths) == 0 {
		return []string{l.cachedPath}
	}
	paths := make([]string, len(l.cachedPaths))
	copy(paths, l.cachedPaths)
	return paths
}

// Invalidate drops the cache. The next call re-scans the workspace.
func (l *Locator) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cachedPath = ""
	l.cachedPaths = nil
}

func (l *Locator) cacheValidLocked() bool {
	return l.cachedPath != "" && l.cachedHint == l.hint() && IsGitRepo(l.cachedPath)
}

func (l *Locator) locateLocked() string {
	hint := l.hint()
	if l.cachedPath != "" && l.cachedHint == hint && IsGitRepo(l.cachedPath) {
		return l.cachedPath
	}

	log := logger.WithComponent("workspace")
	candidates := l.discover()

	var selected string
	switch {
	case len(candidates) == 0:
		// No repository yet. The caller may be about to create one.
		log.Debug("no git repositories found, falling back to workspace root", "root", l.root)
		selected = l.root
	case len(candidates) == 1:
		selected = candidates[0]
	default:
		selected = ""
		if hint != "" {
			for _, c := range candidates {
				if filepath.Base(c) == hint {
					selected = c
					break
				}
			}
		}
		if selected == "" {
			log.Warn("multiple repositories found and none match hint, using first",
				"hint", hint, "count", len(candidates), "selected", candidates[0])
			selected = candidates[0]
		}
	}

	l.cachedHint = hint
	l.cachedPath = selected
	l.cachedPaths = candidates
	return selected
}

// discover scans the workspace root and its immediate subdirectories for
// .git directories.
func (l *Locator) discover() []string {
	var found []string

	if IsGitRepo(l.root) {
		found = append(found, l.root)
	}

	entries, err := os.ReadDir(l.root)
	if err != nil {
		logger.WithComponent("workspace").Debug("failed to read workspace root", "root", l.root, "error", err)
		return found
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sub := filepath.Join(l.root, entry.Name())
		if IsGitRepo(sub) {
			found = append(found, sub)
		}
	}
	return found
}
