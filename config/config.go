// Package config holds the worker-side configuration for the crown engine.
//
// Configuration is resolved in three layers: built-in defaults, then an
// optional crown.yaml overrides file in the state directory, then environment
// variables (the environment always wins, since the sandbox provisioner
// communicates through it).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cmux-dev/cmux-crown/paths"
)

// Control-plane URL suffixes. The control plane's query surface lives on the
// cloud suffix; its HTTP actions (the /api/crown/* routes) live on the site
// suffix.
const (
	cloudSuffix   = ".convex.cloud"
	actionsSuffix = ".convex.site"
)

// DefaultRetryCooldown is the minimum interval between user-triggered
// retry/refresh actions, enforced against the stored lastRetryAt.
const DefaultRetryCooldown = 30 * time.Second

// Config holds the resolved worker configuration.
type Config struct {
	// ControlPlaneURL is a direct override for the control plane's HTTP
	// surface. When set it is used verbatim.
	ControlPlaneURL string `yaml:"control_plane_url"`

	// CloudURL is the control plane's cloud deployment URL. Its suffix is
	// rewritten to the HTTP-actions suffix when no direct override is set.
	CloudURL string `yaml:"cloud_url"`

	// Token is the task-scoped bearer credential for control-plane RPCs.
	Token string `yaml:"token"`

	// TeamSlugOrID identifies the team for oracle calls.
	TeamSlugOrID string `yaml:"team"`

	// RepoFullName is the "owner/repo" hint used to disambiguate among
	// multiple repositories in the workspace.
	RepoFullName string `yaml:"repo_full_name"`

	// RepoName is the bare repo name hint, used when RepoFullName is unset.
	RepoName string `yaml:"repo_name"`

	// AutoPR enables automatic pull-request creation for the winning run.
	AutoPR bool `yaml:"auto_pr"`

	// RetryCooldown is the minimum interval between retry/refresh actions.
	RetryCooldown time.Duration `yaml:"retry_cooldown"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		AutoPR:        true,
		RetryCooldown: DefaultRetryCooldown,
	}
}

// Load resolves the configuration from defaults, the overrides file at path
// (skipped when path is empty and the default file does not exist), and the
// environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		if p, err := paths.ConfigFilePath(); err == nil {
			path = p
		}
	}

	if path != "" {
		content, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(content, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case os.IsNotExist(err) && !explicit:
			// Optional file; fall through to env.
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if cfg.RetryCooldown <= 0 {
		cfg.RetryCooldown = DefaultRetryCooldown
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the config.
func (c *Config) applyEnv() {
	if v := os.Getenv("CMUX_CONTROL_PLANE_URL"); v != "" {
		c.ControlPlaneURL = v
	}
	if v := os.Getenv("CMUX_CLOUD_URL"); v != "" {
		c.CloudURL = v
	}
	if v := os.Getenv("CMUX_TASK_RUN_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("CMUX_TEAM"); v != "" {
		c.TeamSlugOrID = v
	}
	if v := os.Getenv("CMUX_REPO_FULL"); v != "" {
		c.RepoFullName = v
	}
	if v := os.Getenv("CMUX_REPO"); v != "" {
		c.RepoName = v
	}
	if v := os.Getenv("CMUX_AUTO_PR"); v != "" {
		c.AutoPR = v != "0" && !strings.EqualFold(v, "false")
	}
	if v := os.Getenv("CMUX_DEBUG"); v != "" {
		c.Debug = v != "0" && !strings.EqualFold(v, "false")
	}
}

// BaseURL resolves the control plane's HTTP surface. A direct override takes
// priority; otherwise the cloud URL's suffix is rewritten to the HTTP-actions
// suffix. Returns an empty string when neither is configured.
func (c *Config) BaseURL() string {
	if c.ControlPlaneURL != "" {
		return strings.TrimRight(c.ControlPlaneURL, "/")
	}
	if c.CloudURL == "" {
		return ""
	}
	url := strings.TrimRight(c.CloudURL, "/")
	if strings.HasSuffix(url, cloudSuffix) {
		return strings.TrimSuffix(url, cloudSuffix) + actionsSuffix
	}
	return url
}

// RepoHint returns the directory-name hint used to pick a repository in a
// multi-repo workspace: the last path segment of the full name, or the bare
// repo name.
func (c *Config) RepoHint() string {
	if c.RepoFullName != "" {
		parts := strings.Split(c.RepoFullName, "/")
		return parts[len(parts)-1]
	}
	return c.RepoName
}
