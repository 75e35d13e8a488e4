// Package crown implements the evaluation pipeline: it gates on sibling
// completion, acquires the exclusive evaluation right, rebuilds candidate
// diffs, selects a winner (directly for a single run, through the comparison
// oracle otherwise) and finalizes the result with a synthesized pull request.
package crown

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cmux-dev/cmux-crown/config"
	"github.com/cmux-dev/cmux-crown/controlplane"
	"github.com/cmux-dev/cmux-crown/eventlog"
	"github.com/cmux-dev/cmux-crown/git"
	"github.com/cmux-dev/cmux-crown/logger"
)

// SingleRunReason is the exact stored reason when a lone run wins by default.
const SingleRunReason = "Single run automatically selected (no competition)"

// maxSummaryDiffChars caps the diff handed to the summarization endpoint.
const maxSummaryDiffChars = 8000

// ControlPlane is the subset of the control-plane client the coordinator
// drives. *controlplane.Client satisfies it.
type ControlPlane interface {
	Complete(ctx context.Context, taskRunID string, exitCode int) (*controlplane.RunInfo, error)
	CheckInfo(ctx context.Context, taskRunID string) (*controlplane.RunInfo, error)
	PushAuth(ctx context.Context, taskRunID string) (*controlplane.PushAuthResponse, error)
	AllComplete(ctx context.Context, taskID string) (*controlplane.AllCompleteResponse, error)
	CrownCheck(ctx context.Context, taskID string) (*controlplane.CrownCheckResponse, error)
	BeginEvaluation(ctx context.Context, taskID string) (*controlplane.BeginResponse, error)
	EvaluateAgents(ctx context.Context, prompt string, candidates []controlplane.EvaluationCandidate, teamSlugOrID string) (*controlplane.EvaluateResponse, error)
	Summarize(ctx context.Context, prompt, gitDiff, teamSlugOrID string) (*controlplane.SummarizeResponse, error)
	Finalize(ctx context.Context, req controlplane.FinalizeRequest) error
}

// BranchPusher reconciles and pushes a branch across the workspace.
// *git.Reconciler satisfies it.
type BranchPusher interface {
	AutoCommitAndPush(ctx context.Context, opts git.PushOptions) (*git.PushResult, error)
}

// Coordinator ties the completion hook, the evaluation pipeline and the
// retry/refresh entry points together. It holds no per-task state of its
// own; everything authoritative lives in the control plane.
type Coordinator struct {
	cp     ControlPlane
	diffs  DiffSource
	pusher BranchPusher
	pr     *PRBuilder
	events *eventlog.Log
	cfg    *config.Config

	// now is replaceable in tests for cooldown checks.
	now func() time.Time
}

// NewCoordinator creates a Coordinator. events may be nil.
func NewCoordinator(cp ControlPlane, diffs DiffSource, pusher BranchPusher, pr *PRBuilder, events *eventlog.Log, cfg *config.Config) *Coordinator {
	return &Coordinator{
		cp:     cp,
		diffs:  diffs,
		pusher: pusher,
		pr:     pr,
		events: events,
		cfg:    cfg,
		now:    time.Now,
	}
}

// OnRunComplete reports this run's completion to the control plane, pushes
// the run's branch, and then attempts the crown evaluation for the task.
// A push failure never blocks the evaluation attempt.
func (c *Coordinator) OnRunComplete(ctx context.Context, taskRunID string, exitCode int) (*Outcome, error) {
	log := logger.WithRun(taskRunID)

	info, err := c.cp.Complete(ctx, taskRunID, exitCode)
	if err != nil {
		return nil, fmt.Errorf("failed to report completion: %w", err)
	}
	if !info.OK {
		return nil, fmt.Errorf("control plane rejected completion: %s", info.Reason)
	}
	if info.Run == nil || info.Task == nil {
		return nil, fmt.Errorf("completion response missing run or task")
	}

	if info.Run.NewBranch != "" {
		c.pushOwnBranch(ctx, taskRunID, info)
	} else {
		log.Info("run has no branch, skipping push")
	}

	return c.MaybeEvaluate(ctx, info.Task.ID)
}

// pushOwnBranch reconciles the run's branch across the workspace. The remote
// URL is derived from the task's repository; the ephemeral credential is
// fetched lazily, only if the first push fails authentication.
func (c *Coordinator) pushOwnBranch(ctx context.Context, taskRunID string, info *controlplane.RunInfo) {
	log := logger.WithRun(taskRunID)
	taskID := info.Task.ID

	remoteURL := ""
	if info.Task.ProjectFull != "" {
		remoteURL = fmt.Sprintf("https://github.com/%s.git", info.Task.ProjectFull)
	}

	supplier := func(ctx context.Context) (*git.PushAuth, error) {
		resp, err := c.cp.PushAuth(ctx, taskRunID)
		if err != nil {
			return nil, err
		}
		if !resp.OK || resp.Token == "" {
			return nil, fmt.Errorf("no push credential available: %s", resp.Reason)
		}
		return &git.PushAuth{Token: resp.Token, RepoFullName: resp.RepoFullName}, nil
	}

	result, err := c.pusher.AutoCommitAndPush(ctx, git.PushOptions{
		BranchName:    info.Run.NewBranch,
		RemoteURL:     remoteURL,
		TokenSupplier: supplier,
	})
	if err != nil {
		log.Error("autocommit failed", "error", err)
		c.events.Record(ctx, taskID, taskRunID, eventlog.KindPushFailed, err.Error())
		return
	}

	for _, repo := range result.PushedRepos {
		c.events.Record(ctx, taskID, taskRunID, eventlog.KindPushSucceeded, repo)
	}
	for _, pushErr := range result.Errors {
		kind := eventlog.KindPushFailed
		if strings.Contains(pushErr, "protected") {
			kind = eventlog.KindPushSkippedProtected
		}
		c.events.Record(ctx, taskID, taskRunID, kind, pushErr)
	}
}

// MaybeEvaluate runs the staged evaluation pipeline for a task. It is safe
// to call from every completing run: all but one caller fall out at the
// completion gate, the existing-evaluation check, or the acquisition step.
func (c *Coordinator) MaybeEvaluate(ctx context.Context, taskID string) (*Outcome, error) {
	log := logger.WithComponent("crown")

	gate, err := c.cp.AllComplete(ctx, taskID)
	if err != nil {
		return deferred("control plane unreachable at completion gate"), nil
	}
	if !gate.AllComplete {
		log.Info("siblings still running, deferring evaluation", "taskId", taskID)
		return deferred("sibling runs still in progress"), nil
	}

	check, err := c.cp.CrownCheck(ctx, taskID)
	if err != nil {
		return deferred("control plane unreachable at crown check"), nil
	}
	if !check.OK || check.Task == nil {
		return deferred("crown check returned no task: " + check.Reason), nil
	}

	if eval := check.Evaluation; eval != nil {
		switch eval.Status {
		case controlplane.EvalPending, controlplane.EvalInProgress:
			c.events.Record(ctx, taskID, "", eventlog.KindEvaluationDeferred, "another worker owns the evaluation")
			return deferred("another worker owns the evaluation"), nil
		default:
			outcome := &Outcome{Kind: OutcomeExisting, Reason: eval.Reason}
			if eval.WinnerRunID != nil {
				outcome.WinnerRunID = *eval.WinnerRunID
			}
			return outcome, nil
		}
	}

	if !check.ShouldEvaluate {
		return deferred("not eligible for evaluation: " + check.Reason), nil
	}

	return c.acquireAndRun(ctx, taskID, check, EntryInitial)
}

// Retry re-runs a failed evaluation. Only the error state is retryable, and
// retries are rate-limited by the configured cooldown.
func (c *Coordinator) Retry(ctx context.Context, taskID string) (*Outcome, error) {
	check, err := c.cp.CrownCheck(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load evaluation state: %w", err)
	}
	if check.Evaluation == nil {
		return nil, fmt.Errorf("task %s has no evaluation to retry", taskID)
	}
	if check.Evaluation.Status != controlplane.EvalError {
		return nil, fmt.Errorf("evaluation is %s, only failed evaluations can be retried", check.Evaluation.Status)
	}
	if err := c.checkCooldown(check.Evaluation); err != nil {
		return nil, err
	}
	return c.acquireAndRun(ctx, taskID, check, EntryRetry)
}

// Refresh re-runs a succeeded evaluation, for when the repository state
// changed after the winner was crowned. When the prior evaluation selected a
// winner the caller must confirm, since refreshing discards that verdict.
func (c *Coordinator) Refresh(ctx context.Context, taskID string, confirmed bool) (*Outcome, error) {
	check, err := c.cp.CrownCheck(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load evaluation state: %w", err)
	}
	if check.Evaluation == nil {
		return nil, fmt.Errorf("task %s has no evaluation to refresh", taskID)
	}
	if check.Evaluation.Status != controlplane.EvalSucceeded {
		return nil, fmt.Errorf("evaluation is %s, only succeeded evaluations can be refreshed", check.Evaluation.Status)
	}
	if check.Evaluation.WinnerRunID != nil && !confirmed {
		return nil, fmt.Errorf("refreshing discards the current winner, pass --confirm to proceed")
	}
	if err := c.checkCooldown(check.Evaluation); err != nil {
		return nil, err
	}
	return c.acquireAndRun(ctx, taskID, check, EntryRefresh)
}

// checkCooldown enforces the minimum interval between retry/refresh entries.
func (c *Coordinator) checkCooldown(eval *controlplane.CrownEvaluation) error {
	if eval.LastRetryAt == 0 {
		return nil
	}
	last := time.UnixMilli(eval.LastRetryAt)
	elapsed := c.now().Sub(last)
	if elapsed < c.cfg.RetryCooldown {
		return fmt.Errorf("retried %s ago, wait %s between attempts",
			elapsed.Round(time.Second), c.cfg.RetryCooldown)
	}
	return nil
}

// acquireAndRun performs the compare-and-set acquisition and, if this worker
// won it, runs the evaluation. Losing the race has no side effects.
func (c *Coordinator) acquireAndRun(ctx context.Context, taskID string, check *controlplane.CrownCheckResponse, entry Entry) (*Outcome, error) {
	log := logger.WithComponent("crown")

	begin, err := c.cp.BeginEvaluation(ctx, taskID)
	if err != nil {
		return deferred("control plane unreachable at acquisition"), nil
	}
	if !begin.Acquired {
		log.Info("evaluation already claimed", "taskId", taskID, "reason", begin.Reason)
		c.events.Record(ctx, taskID, "", eventlog.KindEvaluationDeferred, "lost acquisition race")
		return deferred("evaluation claimed by another worker"), nil
	}

	mode := classifyMode(check)
	log.Info("evaluation acquired", "taskId", taskID, "mode", mode.String(), "entry", entry.String())
	c.events.Record(ctx, taskID, "", eventlog.KindEvaluationStarted, mode.String()+"/"+entry.String())

	var outcome *Outcome
	if mode == ModeSingleRun {
		outcome, err = c.runSingle(ctx, check)
	} else {
		outcome, err = c.runMulti(ctx, check)
	}
	if err != nil {
		return nil, err
	}

	c.events.Record(ctx, taskID, outcome.WinnerRunID, eventlog.KindEvaluationFinalized, outcome.Kind.String())
	return outcome, nil
}

// runSingle crowns the lone eligible run without consulting the oracle. A
// lone run that never completed cannot win; the evaluation finalizes as a
// fallback instead.
func (c *Coordinator) runSingle(ctx context.Context, check *controlplane.CrownCheckResponse) (*Outcome, error) {
	log := logger.WithComponent("crown")
	task := check.Task

	var run *controlplane.TaskRun
	for i := range check.Runs {
		if check.Runs[i].ID == check.SingleRunWinner {
			run = &check.Runs[i]
			break
		}
	}
	if run == nil || run.Status != controlplane.RunCompleted {
		note := "single run did not complete successfully"
		if err := c.finalizeFallback(ctx, task.ID, nil, "No run completed successfully", note); err != nil {
			return nil, err
		}
		return fallback("No run completed successfully", note), nil
	}

	diff := git.NoChangesDetected
	if run.NewBranch != "" {
		collected, err := c.diffs.Collect(ctx, task.BaseBranch, run.NewBranch)
		if err != nil {
			log.Warn("diff collection failed for single run, continuing without diff",
				"runId", run.ID, "error", err)
		} else {
			diff = collected
		}
	}

	winner := Candidate{RunID: run.ID, AgentName: run.AgentName, GitDiff: diff, NewBranch: run.NewBranch}
	return c.finalizeWinner(ctx, check, winner, SingleRunReason, "", []string{run.ID}, nil)
}

// runMulti rebuilds every completed run's diff in parallel and asks the
// comparison oracle to pick among the survivors.
func (c *Coordinator) runMulti(ctx context.Context, check *controlplane.CrownCheckResponse) (*Outcome, error) {
	log := logger.WithComponent("crown")
	task := check.Task

	completed := make([]controlplane.TaskRun, 0, len(check.Runs))
	for _, run := range check.Runs {
		if run.Status == controlplane.RunCompleted {
			completed = append(completed, run)
		}
	}

	candidates := collectCandidates(ctx, c.diffs, task.BaseBranch, completed)
	if len(candidates) == 0 {
		note := fmt.Sprintf("diff collection failed for all %d completed runs", len(completed))
		reason := "No candidate diffs could be collected"
		if err := c.finalizeFallback(ctx, task.ID, runIDs(completed), reason, note); err != nil {
			return nil, err
		}
		return fallback(reason, note), nil
	}

	oracleCands := make([]controlplane.EvaluationCandidate, len(candidates))
	for i, cand := range candidates {
		oracleCands[i] = controlplane.EvaluationCandidate{
			RunID:     cand.RunID,
			AgentName: cand.AgentName,
			GitDiff:   cand.GitDiff,
			NewBranch: cand.NewBranch,
		}
	}

	verdict, err := c.cp.EvaluateAgents(ctx, task.Prompt, oracleCands, c.cfg.TeamSlugOrID)
	if err != nil {
		note := "comparison request failed: " + err.Error()
		reason := "Evaluation could not be completed"
		if ferr := c.finalizeFallback(ctx, task.ID, candidateIDs(candidates), reason, note); ferr != nil {
			return nil, ferr
		}
		return fallback(reason, note), nil
	}

	if verdict.Winner == nil || *verdict.Winner < 0 || *verdict.Winner >= len(candidates) {
		if verdict.Winner != nil {
			log.Warn("oracle returned out-of-range winner index", "index", *verdict.Winner, "candidates", len(candidates))
		}
		if err := c.finalizeFallback(ctx, task.ID, candidateIDs(candidates), verdict.Reason, verdict.EvaluationNote); err != nil {
			return nil, err
		}
		return fallback(verdict.Reason, verdict.EvaluationNote), nil
	}

	winner := candidates[*verdict.Winner]
	return c.finalizeWinner(ctx, check, winner, verdict.Reason, verdict.EvaluationNote, candidateIDs(candidates), verdict)
}

// finalizeWinner summarizes the winner's diff, synthesizes the pull request,
// and persists the verdict. verdict carries the raw oracle response when one
// was consulted; single-run winners pass nil.
func (c *Coordinator) finalizeWinner(ctx context.Context, check *controlplane.CrownCheckResponse, winner Candidate, reason, note string, candidateIDs []string, verdict *controlplane.EvaluateResponse) (*Outcome, error) {
	log := logger.WithComponent("crown")
	task := check.Task

	summary := ""
	if winner.HasChanges() {
		resp, err := c.cp.Summarize(ctx, task.Prompt, capDiff(winner.GitDiff), c.cfg.TeamSlugOrID)
		if err != nil {
			log.Warn("summarization failed, continuing without summary", "error", err)
		} else {
			summary = resp.Summary
		}
	}

	title := c.pr.Title(task.Prompt)
	body := c.pr.Body(BodyParams{
		Summary:     summary,
		Prompt:      task.Prompt,
		AgentName:   winner.AgentName,
		Branch:      winner.NewBranch,
		TaskID:      task.ID,
		RunID:       winner.RunID,
		Screenshots: c.winnerScreenshots(ctx, winner.RunID),
	})

	var prMeta *controlplane.PullRequestMetadata
	if c.cfg.AutoPR && task.AutoPR {
		prMeta = c.pr.Create(ctx, CreateParams{
			Enabled:    true,
			RepoPath:   c.prRepoPath(),
			BaseBranch: task.BaseBranch,
			HeadBranch: winner.NewBranch,
			Title:      title,
			Body:       body,
		})
		if prMeta != nil {
			c.events.Record(ctx, task.ID, winner.RunID, eventlog.KindPRCreated, prMeta.URL)
		}
	}

	winnerID := winner.RunID
	req := controlplane.FinalizeRequest{
		TaskID:           task.ID,
		WinnerRunID:      &winnerID,
		Reason:           reason,
		CandidateRunIDs:  candidateIDs,
		Summary:          summary,
		PullRequest:      prMeta,
		PullRequestTitle: title,
		PullRequestBody:  body,
		EvaluationNote:   note,
	}
	if verdict != nil {
		req.EvaluationPrompt = task.Prompt
		if raw, err := json.Marshal(verdict); err == nil {
			req.EvaluationResponse = string(raw)
		}
	}
	if err := c.cp.Finalize(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to finalize evaluation: %w", err)
	}

	return &Outcome{Kind: OutcomeWinner, WinnerRunID: winner.RunID, Reason: reason, Note: note}, nil
}

// finalizeFallback persists an evaluation that ends without a winner.
func (c *Coordinator) finalizeFallback(ctx context.Context, taskID string, candidateIDs []string, reason, note string) error {
	req := controlplane.FinalizeRequest{
		TaskID:          taskID,
		WinnerRunID:     nil,
		Reason:          reason,
		CandidateRunIDs: candidateIDs,
		IsFallback:      true,
		EvaluationNote:  note,
	}
	if err := c.cp.Finalize(ctx, req); err != nil {
		return fmt.Errorf("failed to finalize fallback evaluation: %w", err)
	}
	return nil
}

// winnerScreenshots fetches the winner's screenshots for the PR body.
// Best effort; an unreachable control plane just means no screenshots.
func (c *Coordinator) winnerScreenshots(ctx context.Context, runID string) []controlplane.Screenshot {
	info, err := c.cp.CheckInfo(ctx, runID)
	if err != nil || !info.ScreenshotsEnabled {
		return nil
	}
	return info.Screenshots
}

// prRepoPath resolves the repository the PR command runs in. The PRBuilder
// itself is path-agnostic; the coordinator picks the hinted workspace repo.
func (c *Coordinator) prRepoPath() string {
	if loc, ok := c.diffs.(interface{ RepoPath() string }); ok {
		return loc.RepoPath()
	}
	return ""
}

// capDiff truncates a diff for the summarization endpoint.
func capDiff(diff string) string {
	if len(diff) <= maxSummaryDiffChars {
		return diff
	}
	return diff[:maxSummaryDiffChars] + "\n… (truncated)"
}

func runIDs(runs []controlplane.TaskRun) []string {
	ids := make([]string, len(runs))
	for i, run := range runs {
		ids[i] = run.ID
	}
	return ids
}

func candidateIDs(cands []Candidate) []string {
	ids := make([]string, len(cands))
	for i, cand := range cands {
		ids[i] = cand.RunID
	}
	return ids
}
