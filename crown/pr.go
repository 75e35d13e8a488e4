package crown

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/cmux-dev/cmux-crown/controlplane"
	pexec "github.com/cmux-dev/cmux-crown/exec"
	"github.com/cmux-dev/cmux-crown/git"
	"github.com/cmux-dev/cmux-crown/logger"
)

// MaxPRTitleLength bounds the synthesized pull-request title.
const MaxPRTitleLength = 72

// maxScreenshots bounds the screenshots section of the PR body.
const maxScreenshots = 4

// DefaultPRCommand is the PR-creation command installed by the sandbox
// provisioner. It is expected to emit {"url", "number"?, "state"?, "isDraft"?}
// as JSON on stdout.
const DefaultPRCommand = "cmux-create-pr"

// PRBuilder composes pull-request metadata for the winning run and invokes
// the external PR-creation command.
type PRBuilder struct {
	executor pexec.CommandExecutor
	command  string
}

// NewPRBuilder creates a PRBuilder. The creation command defaults to
// DefaultPRCommand and can be overridden via CMUX_PR_COMMAND.
func NewPRBuilder(executor pexec.CommandExecutor) *PRBuilder {
	command := os.Getenv("CMUX_PR_COMMAND")
	if command == "" {
		command = DefaultPRCommand
	}
	return &PRBuilder{executor: executor, command: command}
}

// SetCommand overrides the PR-creation command. Used in tests.
func (b *PRBuilder) SetCommand(command string) { b.command = command }

// Title synthesizes a PR title from the task prompt: the first line,
// prefixed and truncated.
func (b *PRBuilder) Title(prompt string) string {
	firstLine := prompt
	if idx := strings.IndexByte(firstLine, '\n'); idx >= 0 {
		firstLine = firstLine[:idx]
	}
	title := "[Crown] " + strings.TrimSpace(firstLine)
	runes := []rune(title)
	if len(runes) > MaxPRTitleLength {
		title = string(runes[:MaxPRTitleLength-1]) + "…"
	}
	return title
}

// BodyParams collects everything the PR body template needs.
type BodyParams struct {
	Summary     string
	Prompt      string
	AgentName   string
	Branch      string
	TaskID      string
	RunID       string
	Screenshots []controlplane.Screenshot
}

// Body renders the fixed markdown PR body, optionally appending a collapsible
// screenshots section (newest first, at most four).
func (b *PRBuilder) Body(p BodyParams) string {
	var sb strings.Builder

	sb.WriteString("## Crown Winner: " + p.AgentName + "\n\n")
	sb.WriteString("### Task\n\n" + strings.TrimSpace(p.Prompt) + "\n\n")

	sb.WriteString("### Summary\n\n")
	if strings.TrimSpace(p.Summary) != "" {
		sb.WriteString(strings.TrimSpace(p.Summary) + "\n\n")
	} else {
		sb.WriteString("_Summary not available._\n\n")
	}

	sb.WriteString("### Implementation details\n\n")
	sb.WriteString(fmt.Sprintf("- Agent: %s\n", p.AgentName))
	sb.WriteString(fmt.Sprintf("- Branch: `%s`\n", p.Branch))
	sb.WriteString(fmt.Sprintf("- Task: %s\n", p.TaskID))
	sb.WriteString(fmt.Sprintf("- Run: %s\n", p.RunID))

	shots := p.Screenshots
	if len(shots) > maxScreenshots {
		shots = shots[:maxScreenshots]
	}
	if len(shots) > 0 {
		sb.WriteString("\n<details>\n<summary>Screenshots</summary>\n\n")
		for _, s := range shots {
			caption := s.FileName
			if s.CommitSHA != "" {
				caption += " @ " + s.CommitSHA
			}
			sb.WriteString(fmt.Sprintf("![%s](%s)\n\n", caption, s.URL))
		}
		sb.WriteString("</details>\n")
	}

	return sb.String()
}

// prCommandResult is the PR-creation command's JSON stdout contract.
type prCommandResult struct {
	URL     string `json:"url"`
	Number  int    `json:"number,omitempty"`
	State   string `json:"state,omitempty"`
	IsDraft bool   `json:"isDraft,omitempty"`
}

// CreateParams configures one PR-creation attempt.
type CreateParams struct {
	Enabled    bool
	RepoPath   string
	BaseBranch string
	HeadBranch string
	Title      string
	Body       string
}

// Create invokes the external PR-creation command and parses its structured
// result. Returns nil (logged, not an error) when automatic PR creation is
// disabled, the winner has no branch, or the command fails or emits a
// malformed result — the synthesized title/body still stand on their own.
func (b *PRBuilder) Create(ctx context.Context, p CreateParams) *controlplane.PullRequestMetadata {
	log := logger.WithComponent("pr")

	if !p.Enabled {
		log.Debug("automatic PR creation disabled for task")
		return nil
	}
	if p.HeadBranch == "" {
		log.Debug("winner has no branch, skipping PR creation")
		return nil
	}

	bodyFile, err := os.CreateTemp("", "crown-pr-body-*.md")
	if err != nil {
		log.Warn("failed to create PR body file", "error", err)
		return nil
	}
	defer os.Remove(bodyFile.Name())
	if _, err := bodyFile.WriteString(p.Body); err != nil {
		bodyFile.Close()
		log.Warn("failed to write PR body file", "error", err)
		return nil
	}
	bodyFile.Close()

	stdout, stderr, err := b.executor.Run(ctx, p.RepoPath, b.command,
		"--base", p.BaseBranch,
		"--head", p.HeadBranch,
		"--title", p.Title,
		"--body-file", bodyFile.Name(),
	)
	if err != nil {
		log.Warn("PR creation command failed",
			"error", err, "stderr", git.Truncate(git.Redact(string(stderr)), 200))
		return nil
	}

	var result prCommandResult
	if err := json.Unmarshal(stdout, &result); err != nil || result.URL == "" {
		log.Warn("PR creation command returned malformed result",
			"error", err, "stdout", git.Truncate(git.Redact(string(stdout)), 200))
		return nil
	}

	return &controlplane.PullRequestMetadata{
		URL:     result.URL,
		Number:  result.Number,
		State:   mapPRState(result.State, result.IsDraft),
		IsDraft: result.IsDraft,
	}
}

// mapPRState maps the command's state string onto the engine's enum.
func mapPRState(state string, isDraft bool) controlplane.PullRequestState {
	if isDraft {
		return controlplane.PRStateDraft
	}
	switch strings.ToLower(state) {
	case "":
		return controlplane.PRStateNone
	case "open":
		return controlplane.PRStateOpen
	case "merged":
		return controlplane.PRStateMerged
	case "closed":
		return controlplane.PRStateClosed
	default:
		return controlplane.PRStateUnknown
	}
}
