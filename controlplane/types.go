// Package controlplane is the typed client for the coordination datastore's
// HTTP surface. The engine never sees the control plane's internals; it only
// exchanges the request/response shapes defined here.
package controlplane

// TaskRunStatus enumerates the lifecycle states of one agent attempt.
type TaskRunStatus string

const (
	RunPending   TaskRunStatus = "pending"
	RunRunning   TaskRunStatus = "running"
	RunCompleted TaskRunStatus = "completed"
	RunFailed    TaskRunStatus = "failed"
	RunSkipped   TaskRunStatus = "skipped"
)

// Terminal reports whether the status is a terminal state.
func (s TaskRunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunSkipped
}

// EvaluationStatus enumerates the crown-evaluation lifecycle.
type EvaluationStatus string

const (
	EvalPending    EvaluationStatus = "pending"
	EvalInProgress EvaluationStatus = "in_progress"
	EvalSucceeded  EvaluationStatus = "succeeded"
	EvalError      EvaluationStatus = "error"
)

// TaskRun is one agent attempt, owned by the control plane.
type TaskRun struct {
	ID          string        `json:"id"`
	TaskID      string        `json:"taskId"`
	AgentName   string        `json:"agentName"`
	Status      TaskRunStatus `json:"status"`
	NewBranch   string        `json:"newBranch,omitempty"`
	ExitCode    int           `json:"exitCode"`
	CreatedAt   int64         `json:"createdAt"`
	CompletedAt int64         `json:"completedAt,omitempty"`
}

// Task is the shared task the attempts compete on.
type Task struct {
	ID          string `json:"id"`
	Prompt      string `json:"text"`
	BaseBranch  string `json:"baseBranch,omitempty"`
	ProjectFull string `json:"projectFullName,omitempty"`
	AutoPR      bool   `json:"autoPrEnabled"`
}

// PullRequestState mirrors the PR-creation command's state string.
type PullRequestState string

const (
	PRStateNone    PullRequestState = "none"
	PRStateDraft   PullRequestState = "draft"
	PRStateOpen    PullRequestState = "open"
	PRStateMerged  PullRequestState = "merged"
	PRStateClosed  PullRequestState = "closed"
	PRStateUnknown PullRequestState = "unknown"
)

// PullRequestMetadata describes a created (or synthesized) pull request.
type PullRequestMetadata struct {
	URL     string           `json:"url"`
	Number  int              `json:"number,omitempty"`
	State   PullRequestState `json:"state"`
	IsDraft bool             `json:"isDraft"`
}

// CrownEvaluation is the per-task evaluation record, owned by the control
// plane and mutated by retry/refresh.
type CrownEvaluation struct {
	TaskID         string               `json:"taskId"`
	WinnerRunID    *string              `json:"winnerRunId"`
	Reason         string               `json:"reason"`
	IsFallback     bool                 `json:"isFallback"`
	EvaluationNote string               `json:"evaluationNote,omitempty"`
	Summary        string               `json:"summary,omitempty"`
	PullRequest    *PullRequestMetadata `json:"pullRequest,omitempty"`
	RetryCount     int                  `json:"retryCount"`
	LastRetryAt    int64                `json:"lastRetryAt,omitempty"`
	IsRefreshing   bool                 `json:"isRefreshing"`
	Status         EvaluationStatus     `json:"status"`
}

// Screenshot is one captured screenshot for a run, newest first.
type Screenshot struct {
	FileName  string `json:"fileName"`
	URL       string `json:"url"`
	CommitSHA string `json:"commitSha,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
	Status    string `json:"status,omitempty"`
}

// RunInfo is the response to an info check or a completion call.
type RunInfo struct {
	OK                 bool        `json:"ok"`
	Run                *TaskRun    `json:"run,omitempty"`
	Task               *Task       `json:"task,omitempty"`
	ScreenshotsEnabled bool        `json:"screenshotsEnabled"`
	Screenshots        []Screenshot `json:"screenshots,omitempty"`
	Reason             string      `json:"reason,omitempty"`
}

// PushAuthResponse carries an ephemeral push credential.
type PushAuthResponse struct {
	OK           bool   `json:"ok"`
	Source       string `json:"source,omitempty"`
	Token        string `json:"token,omitempty"`
	RepoFullName string `json:"repoFullName,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// AllCompleteResponse reports the completion gate.
type AllCompleteResponse struct {
	OK          bool            `json:"ok"`
	AllComplete bool            `json:"allComplete"`
	Statuses    []TaskRunStatus `json:"statuses"`
}

// CrownCheckResponse is the full pre-evaluation snapshot for a task.
type CrownCheckResponse struct {
	OK               bool             `json:"ok"`
	Task             *Task            `json:"task,omitempty"`
	Runs             []TaskRun        `json:"runs,omitempty"`
	Evaluation       *CrownEvaluation `json:"evaluation,omitempty"`
	ShouldEvaluate   bool             `json:"shouldEvaluate"`
	SingleRunWinner  string           `json:"singleRunWinnerId,omitempty"`
	Reason           string           `json:"reason,omitempty"`
}

// BeginResponse reports whether this worker won the exclusive right to
// evaluate. Acquisition is compare-and-set against the stored status.
type BeginResponse struct {
	OK       bool   `json:"ok"`
	Acquired bool   `json:"acquired"`
	Reason   string `json:"reason,omitempty"`
}

// EvaluationCandidate is the oracle-facing view of one surviving candidate.
type EvaluationCandidate struct {
	RunID     string `json:"runId"`
	AgentName string `json:"agentName"`
	GitDiff   string `json:"gitDiff"`
	NewBranch string `json:"newBranch,omitempty"`
}

// EvaluateResponse is the comparison oracle's verdict. Winner is an index
// into the submitted candidates; nil is a legitimate "no winner" outcome.
type EvaluateResponse struct {
	Winner         *int   `json:"winner"`
	Reason         string `json:"reason"`
	IsFallback     bool   `json:"isFallback,omitempty"`
	EvaluationNote string `json:"evaluationNote,omitempty"`
}

// SummarizeResponse carries the prose summary of the winning diff.
type SummarizeResponse struct {
	Summary string `json:"summary,omitempty"`
}

// FinalizeRequest persists the evaluation outcome.
type FinalizeRequest struct {
	TaskID             string               `json:"taskId"`
	WinnerRunID        *string              `json:"winnerRunId"`
	Reason             string               `json:"reason"`
	EvaluationPrompt   string               `json:"evaluationPrompt,omitempty"`
	EvaluationResponse string               `json:"evaluationResponse,omitempty"`
	CandidateRunIDs    []string             `json:"candidateRunIds"`
	Summary            string               `json:"summary,omitempty"`
	PullRequest        *PullRequestMetadata `json:"pullRequest,omitempty"`
	PullRequestTitle   string               `json:"pullRequestTitle,omitempty"`
	PullRequestBody    string               `json:"pullRequestDescription,omitempty"`
	IsFallback         bool                 `json:"isFallback,omitempty"`
	EvaluationNote     string               `json:"evaluationNote,omitempty"`
}
