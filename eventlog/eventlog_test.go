package eventlog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndRecent(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	l.Record(ctx, "task-1", "run-1", KindEvaluationStarted, "")
	l.Record(ctx, "task-1", "run-1", KindPushSucceeded, "repo=widgets branch=feature/x")
	l.Record(ctx, "task-2", "run-9", KindPushFailed, "other task")

	events, err := l.Recent(ctx, "task-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, "task-1", e.TaskID)
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.CreatedAt.IsZero())
	}
}

func TestRecent_Limit(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Record(ctx, "task-1", "run-1", KindEvaluationDeferred, "")
	}

	events, err := l.Recent(ctx, "task-1", 3)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestNilLogIsSafe(t *testing.T) {
	var l *Log

	// Must not panic.
	l.Record(context.Background(), "task-1", "run-1", KindPushFailed, "")
	events, err := l.Recent(context.Background(), "task-1", 10)
	assert.NoError(t, err)
	assert.Nil(t, events)
	assert.NoError(t, l.Close())
}

func TestOpen_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "events.db")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	l.Record(context.Background(), "task-1", "", KindPRCreated, "")
	events, err := l.Recent(context.Background(), "task-1", 1)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
