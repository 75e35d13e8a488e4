package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// clearEnv unsets every engine env var so tests start from a clean slate.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CMUX_CONTROL_PLANE_URL", "CMUX_CLOUD_URL", "CMUX_TASK_RUN_TOKEN",
		"CMUX_TEAM", "CMUX_REPO_FULL", "CMUX_REPO", "CMUX_AUTO_PR", "CMUX_DEBUG",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for explicit missing config file")
	}

	// Default path absent is fine.
	t.Setenv("CMUX_STATE_DIR", t.TempDir())
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.AutoPR {
		t.Error("AutoPR should default to true")
	}
	if cfg.RetryCooldown != DefaultRetryCooldown {
		t.Errorf("expected default cooldown, got %v", cfg.RetryCooldown)
	}
}

func TestLoad_YAMLOverrides(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "crown.yaml")
	content := `
cloud_url: https://happy-otter-123.convex.cloud
token: file-token
auto_pr: false
retry_cooldown: 45s
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Token != "file-token" {
		t.Errorf("expected file token, got %q", cfg.Token)
	}
	if cfg.AutoPR {
		t.Error("AutoPR should be false from file")
	}
	if cfg.RetryCooldown != 45*time.Second {
		t.Errorf("expected 45s cooldown, got %v", cfg.RetryCooldown)
	}
}

func TestLoad_EnvWinsOverFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "crown.yaml")
	if err := os.WriteFile(path, []byte("token: file-token\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CMUX_TASK_RUN_TOKEN", "env-token")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Token != "env-token" {
		t.Errorf("env should win, got %q", cfg.Token)
	}
}

func TestBaseURL_DirectOverrideWins(t *testing.T) {
	cfg := &Config{
		ControlPlaneURL: "https://crown.internal.example.com/",
		CloudURL:        "https://happy-otter-123.convex.cloud",
	}
	if got := cfg.BaseURL(); got != "https://crown.internal.example.com" {
		t.Errorf("unexpected base URL: %q", got)
	}
}

func TestBaseURL_CloudSuffixRewrite(t *testing.T) {
	cfg := &Config{CloudURL: "https://happy-otter-123.convex.cloud"}
	if got := cfg.BaseURL(); got != "https://happy-otter-123.convex.site" {
		t.Errorf("unexpected base URL: %q", got)
	}
}

func TestBaseURL_NonCloudURLPassedThrough(t *testing.T) {
	cfg := &Config{CloudURL: "https://localhost:8787"}
	if got := cfg.BaseURL(); got != "https://localhost:8787" {
		t.Errorf("unexpected base URL: %q", got)
	}
}

func TestBaseURL_Unconfigured(t *testing.T) {
	cfg := &Config{}
	if got := cfg.BaseURL(); got != "" {
		t.Errorf("expected empty base URL, got %q", got)
	}
}

func TestRepoHint(t *testing.T) {
	cfg := &Config{RepoFullName: "acme/widgets"}
	if got := cfg.RepoHint(); got != "widgets" {
		t.Errorf("expected widgets, got %q", got)
	}

	cfg = &Config{RepoName: "widgets"}
	if got := cfg.RepoHint(); got != "widgets" {
		t.Errorf("expected widgets, got %q", got)
	}

	cfg = &Config{}
	if got := cfg.RepoHint(); got != "" {
		t.Errorf("expected empty hint, got %q", got)
	}
}
