package history

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"genflow/internal/domain"
)

func newArchive(t *testing.T) *Archive {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, EnsureSchema(db))
	return NewArchive(db)
}

func TestArchive_Results(t *testing.T) {
	a := newArchive(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		res := domain.TaskResult{
			TaskID:      "tsk_a",
			Success:     i != 1,
			Result:      []byte(`{"ok":true}`),
			Duration:    time.Duration(i+1) * time.Second,
			WorkerID:    "wrk_1",
			CompletedAt: at.Add(time.Duration(i) * time.Minute),
		}
		if i == 1 {
			res.Error = "handler exploded"
			res.Result = nil
		}
		require.NoError(t, a.RecordResult(ctx, res))
	}

	got, err := a.RecentResults(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 3*time.Second, got[0].Duration, "newest first")
	require.False(t, got[1].Success)
	require.Equal(t, "handler exploded", got[1].Error)

	all, err := a.RecentResults(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestArchive_DeadLetters(t *testing.T) {
	a := newArchive(t)
	ctx := context.Background()

	entry := domain.DeadLetterEntry{
		ID:       "dlq_tsk_a",
		Task:     domain.Task{ID: "tsk_a", Payload: []byte(`{"topic":"ai"}`)},
		Reason:   "timeout exceeded",
		Attempts: 3,
		DeadAt:   time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC),
	}
	require.NoError(t, a.RecordDeadLetter(ctx, entry))
	// idempotent on entry id
	require.NoError(t, a.RecordDeadLetter(ctx, entry))

	var n int
	row := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`)
	require.NoError(t, row.Scan(&n))
	require.Equal(t, 1, n)
}
