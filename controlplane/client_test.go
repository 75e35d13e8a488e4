package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, NewWithHTTPClient(srv.URL, "test-token", srv.Client())
}

func TestPost_SetsAuthAndRequestID(t *testing.T) {
	var gotAuth, gotReqID, gotPath string
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotReqID = r.Header.Get("X-Request-Id")
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "allComplete": true})
	})

	resp, err := client.AllComplete(context.Background(), "task-1")
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.True(t, resp.AllComplete)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.NotEmpty(t, gotReqID)
	assert.Equal(t, "/api/crown/check", gotPath)
}

func TestPost_Non2xxIsUnreachable(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	resp, err := client.CrownCheck(context.Background(), "task-1")
	assert.Nil(t, resp)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestPost_NetworkFailureIsUnreachable(t *testing.T) {
	srv, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close()

	resp, err := client.CheckInfo(context.Background(), "run-1")
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestPost_NoBaseURL(t *testing.T) {
	client := NewWithHTTPClient("", "tok", http.DefaultClient)

	_, err := client.AllComplete(context.Background(), "task-1")
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestCheckInfo_RequestShape(t *testing.T) {
	var body map[string]any
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		json.NewEncoder(w).Encode(RunInfo{OK: true, ScreenshotsEnabled: true})
	})

	resp, err := client.CheckInfo(context.Background(), "run-9")
	require.NoError(t, err)
	assert.True(t, resp.ScreenshotsEnabled)
	assert.Equal(t, "run-9", body["taskRunId"])
	assert.Equal(t, "info", body["checkType"])
}

func TestPushAuth_RequestShape(t *testing.T) {
	var body map[string]any
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		json.NewEncoder(w).Encode(PushAuthResponse{OK: true, Token: "tok", RepoFullName: "o/r"})
	})

	resp, err := client.PushAuth(context.Background(), "run-9")
	require.NoError(t, err)
	assert.Equal(t, "tok", resp.Token)
	assert.Equal(t, "o/r", resp.RepoFullName)
	assert.Equal(t, "push-auth", body["checkType"])
}

func TestEvaluateAgents_NullWinnerPreserved(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"winner": null, "reason": "tie", "isFallback": true}`))
	})

	resp, err := client.EvaluateAgents(context.Background(), "prompt", nil, "team")
	require.NoError(t, err)
	assert.Nil(t, resp.Winner)
	assert.True(t, resp.IsFallback)
	assert.Equal(t, "tie", resp.Reason)
}

func TestEvaluateAgents_WinnerIndex(t *testing.T) {
	var body map[string]any
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Write([]byte(`{"winner": 1, "reason": "more complete"}`))
	})

	candidates := []EvaluationCandidate{
		{RunID: "r1", AgentName: "a", GitDiff: "d1"},
		{RunID: "r2", AgentName: "b", GitDiff: "d2"},
	}
	resp, err := client.EvaluateAgents(context.Background(), "prompt", candidates, "team")
	require.NoError(t, err)
	require.NotNil(t, resp.Winner)
	assert.Equal(t, 1, *resp.Winner)

	sent, ok := body["candidates"].([]any)
	require.True(t, ok)
	assert.Len(t, sent, 2)
}

func TestFinalize_SendsFullRequest(t *testing.T) {
	var body map[string]any
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Write([]byte(`{"ok": true}`))
	})

	winner := "run-2"
	err := client.Finalize(context.Background(), FinalizeRequest{
		TaskID:          "task-1",
		WinnerRunID:     &winner,
		Reason:          "more complete",
		CandidateRunIDs: []string{"run-1", "run-2"},
		IsFallback:      false,
	})
	require.NoError(t, err)
	assert.Equal(t, "task-1", body["taskId"])
	assert.Equal(t, "run-2", body["winnerRunId"])
}

func TestFinalize_NullWinnerSerialized(t *testing.T) {
	var raw map[string]json.RawMessage
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		w.Write([]byte(`{"ok": true}`))
	})

	err := client.Finalize(context.Background(), FinalizeRequest{
		TaskID:     "task-1",
		Reason:     "diff collection failed",
		IsFallback: true,
	})
	require.NoError(t, err)
	// winnerRunId must be present and explicitly null for fallbacks.
	require.Contains(t, raw, "winnerRunId")
	assert.Equal(t, "null", string(raw["winnerRunId"]))
}

func TestBeginEvaluation(t *testing.T) {
	var body map[string]any
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		json.NewEncoder(w).Encode(BeginResponse{OK: true, Acquired: true})
	})

	resp, err := client.BeginEvaluation(context.Background(), "task-1")
	require.NoError(t, err)
	assert.True(t, resp.Acquired)
	assert.Equal(t, "begin-evaluation", body["checkType"])
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, RunCompleted.Terminal())
	assert.True(t, RunFailed.Terminal())
	assert.True(t, RunSkipped.Terminal())
	assert.False(t, RunPending.Terminal())
	assert.False(t, RunRunning.Terminal())
}
