package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/cmux-dev/cmux-crown/config"
	"github.com/cmux-dev/cmux-crown/logger"
)

// ErrUnreachable wraps every transport failure and non-2xx response. Callers
// treat it as "control plane unreachable — defer", never as a crash.
var ErrUnreachable = errors.New("control plane unreachable")

// Client issues authenticated JSON requests against the control plane's
// /api/crown/* surface.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a Client from the worker config. The base URL resolution
// (direct override, else cloud-suffix rewrite) lives in config.
func New(cfg *config.Config) *Client {
	return &Client{
		baseURL: cfg.BaseURL(),
		token:   cfg.Token,
		http:    http.DefaultClient,
	}
}

// NewWithHTTPClient creates a Client with explicit transport, for tests.
func NewWithHTTPClient(baseURL, token string, httpClient *http.Client) *Client {
	return &Client{baseURL: baseURL, token: token, http: httpClient}
}

// post sends a JSON body and decodes the response into out. Any network
// failure or non-2xx status yields ErrUnreachable so that out stays nil-ish
// and the caller defers.
func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	log := logger.WithComponent("controlplane")

	if c.baseURL == "" {
		return fmt.Errorf("%w: no base URL configured", ErrUnreachable)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request for %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		log.Warn("control plane request failed", "path", path, "error", err)
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Warn("control plane returned non-2xx", "path", path, "status", resp.StatusCode, "body", string(snippet))
		return fmt.Errorf("%w: %s returned %d", ErrUnreachable, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		log.Warn("control plane response malformed", "path", path, "error", err)
		return fmt.Errorf("%w: malformed response from %s: %v", ErrUnreachable, path, err)
	}
	return nil
}

// CheckInfo fetches task/run metadata for a run, including whether the
// screenshot workflow is enabled.
func (c *Client) CheckInfo(ctx context.Context, taskRunID string) (*RunInfo, error) {
	body := map[string]any{"taskRunId": taskRunID, "checkType": "info"}
	var out RunInfo
	if err := c.post(ctx, "/api/crown/check", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PushAuth mints an ephemeral push credential for a run.
func (c *Client) PushAuth(ctx context.Context, taskRunID string) (*PushAuthResponse, error) {
	body := map[string]any{"taskRunId": taskRunID, "checkType": "push-auth"}
	var out PushAuthResponse
	if err := c.post(ctx, "/api/crown/check", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AllComplete reports whether every sibling run of the task is terminal.
func (c *Client) AllComplete(ctx context.Context, taskID string) (*AllCompleteResponse, error) {
	body := map[string]any{"taskId": taskID, "checkType": "all-complete"}
	var out AllCompleteResponse
	if err := c.post(ctx, "/api/crown/check", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CrownCheck fetches the full pre-evaluation snapshot for a task.
func (c *Client) CrownCheck(ctx context.Context, taskID string) (*CrownCheckResponse, error) {
	body := map[string]any{"taskId": taskID}
	var out CrownCheckResponse
	if err := c.post(ctx, "/api/crown/check", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BeginEvaluation attempts the atomic transition into in_progress. Exactly
// one of N racing workers observes Acquired=true.
func (c *Client) BeginEvaluation(ctx context.Context, taskID string) (*BeginResponse, error) {
	body := map[string]any{"taskId": taskID, "checkType": "begin-evaluation"}
	var out BeginResponse
	if err := c.post(ctx, "/api/crown/check", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Complete marks a run complete with its exit code.
func (c *Client) Complete(ctx context.Context, taskRunID string, exitCode int) (*RunInfo, error) {
	body := map[string]any{"taskRunId": taskRunID, "exitCode": exitCode}
	var out RunInfo
	if err := c.post(ctx, "/api/crown/complete", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EvaluateAgents submits the surviving candidates to the comparison oracle.
func (c *Client) EvaluateAgents(ctx context.Context, prompt string, candidates []EvaluationCandidate, teamSlugOrID string) (*EvaluateResponse, error) {
	body := map[string]any{
		"prompt":       prompt,
		"candidates":   candidates,
		"teamSlugOrId": teamSlugOrID,
	}
	var out EvaluateResponse
	if err := c.post(ctx, "/api/crown/evaluate-agents", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Summarize requests a prose summary of the winning diff.
func (c *Client) Summarize(ctx context.Context, prompt, gitDiff, teamSlugOrID string) (*SummarizeResponse, error) {
	body := map[string]any{
		"prompt":       prompt,
		"gitDiff":      gitDiff,
		"teamSlugOrId": teamSlugOrID,
	}
	var out SummarizeResponse
	if err := c.post(ctx, "/api/crown/summarize", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Finalize persists the evaluation outcome.
func (c *Client) Finalize(ctx context.Context, req FinalizeRequest) error {
	return c.post(ctx, "/api/crown/finalize", req, nil)
}
