// Package preflight validates the external tools and scripts the crown
// engine shells out to, so a misprovisioned sandbox fails loudly before an
// evaluation starts instead of midway through one.
package preflight

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/cmux-dev/cmux-crown/git"
)

// Requirement is one external tool or script the engine depends on.
type Requirement struct {
	Name        string // command name or absolute script path
	IsFile      bool   // check as a file on disk rather than in PATH
	Required    bool
	Description string
}

// Defaults returns the engine's external dependencies. The diff script path
// honors the CMUX_DIFF_SCRIPT override.
func Defaults() []Requirement {
	diffScript := os.Getenv("CMUX_DIFF_SCRIPT")
	if diffScript == "" {
		diffScript = git.DefaultDiffScript
	}
	return []Requirement{
		{
			Name:        "git",
			Required:    true,
			Description: "version control, used for every commit, rebase and push",
		},
		{
			Name:        "bash",
			Required:    true,
			Description: "shell for the diff-collection script",
		},
		{
			Name:        diffScript,
			IsFile:      true,
			Required:    true,
			Description: "diff-collection script installed by the sandbox provisioner",
		},
	}
}

// Result is the outcome of checking one requirement.
type Result struct {
	Requirement Requirement
	Found       bool
	Path        string
	Version     string
}

// Check verifies a single requirement.
func Check(req Requirement) Result {
	result := Result{Requirement: req}

	if req.IsFile {
		info, err := os.Stat(req.Name)
		if err != nil || info.IsDir() {
			return result
		}
		result.Found = true
		result.Path = req.Name
		return result
	}

	path, err := exec.LookPath(req.Name)
	if err != nil {
		return result
	}
	result.Found = true
	result.Path = path
	result.Version = commandVersion(req.Name)
	return result
}

// CheckAll checks every requirement.
func CheckAll(reqs []Requirement) []Result {
	results := make([]Result, len(reqs))
	for i, req := range reqs {
		results[i] = Check(req)
	}
	return results
}

// Validate returns an error naming every missing required dependency.
func Validate(reqs []Requirement) error {
	var missing []string
	for _, req := range reqs {
		if !req.Required {
			continue
		}
		if result := Check(req); !result.Found {
			missing = append(missing, fmt.Sprintf("  - %s (%s)", req.Name, req.Description))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required tools:\n%s", strings.Join(missing, "\n"))
	}
	return nil
}

// commandVersion asks a command for its version, best effort.
func commandVersion(name string) string {
	output, err := exec.Command(name, "--version").Output()
	if err != nil {
		return ""
	}
	line, _, _ := strings.Cut(string(output), "\n")
	line = strings.TrimSpace(line)
	if len(line) > 100 {
		line = line[:100] + "..."
	}
	return line
}

// Format renders check results for terminal display.
func Format(results []Result) string {
	var sb strings.Builder
	sb.WriteString("Sandbox tools:\n")
	for _, r := range results {
		status := "✓"
		if !r.Found {
			if r.Requirement.Required {
				status = "✗"
			} else {
				status = "○"
			}
		}
		sb.WriteString(fmt.Sprintf("  %s %s", status, r.Requirement.Name))
		if r.Found && r.Version != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", r.Version))
		} else if !r.Found {
			if r.Requirement.Required {
				sb.WriteString(" [REQUIRED]")
			} else {
				sb.WriteString(" [optional]")
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
