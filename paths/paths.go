// Package paths provides centralized path resolution for the crown engine's
// directories inside an agent sandbox.
//
// The sandbox provisioner mounts the agent's working copy under the workspace
// root (CMUX_WORKSPACE_PATH, default /root/workspace). Engine-local state —
// logs and the event log database — lives under a state directory beside the
// workspace so it never pollutes the repositories being evaluated:
//
//   - Workspace (CMUX_WORKSPACE_PATH): the repositories under evaluation
//   - State (CMUX_STATE_DIR, default $HOME/.cmux): logs/, events.db
package paths

import (
	"os"
	"path/filepath"
	"sync"
)

// DefaultWorkspace is the workspace root used when CMUX_WORKSPACE_PATH is unset.
const DefaultWorkspace = "/root/workspace"

var (
	mu       sync.Mutex
	resolved *resolvedPaths
)

type resolvedPaths struct {
	workspace string
	stateDir  string
}

// resolve computes the path layout once and caches it.
func resolve() (*resolvedPaths, error) {
	mu.Lock()
	defer mu.Unlock()

	if resolved != nil {
		return resolved, nil
	}

	workspace := os.Getenv("CMUX_WORKSPACE_PATH")
	if workspace == "" {
		workspace = DefaultWorkspace
	}

	stateDir := os.Getenv("CMUX_STATE_DIR")
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		stateDir = filepath.Join(home, ".cmux")
	}

	resolved = &resolvedPaths{workspace: workspace, stateDir: stateDir}
	return resolved, nil
}

// Workspace returns the workspace root containing the repositories under
// evaluation.
func Workspace() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.workspace, nil
}

// StateDir returns the directory for engine-local state and logs.
func StateDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.stateDir, nil
}

// LogsDir returns the directory for log files.
func LogsDir() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "logs"), nil
}

// EventLogPath returns the full path to the evaluation event log database.
func EventLogPath() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "events.db"), nil
}

// ConfigFilePath returns the full path to the optional crown.yaml overrides
// file.
func ConfigFilePath() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "crown.yaml"), nil
}

// Reset clears the cached path resolution. This is intended for testing only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resolved = nil
}
