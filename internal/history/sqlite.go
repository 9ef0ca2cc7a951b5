// Package history archives execution results and dead-letter snapshots to
// SQLite. It is an audit sink: the scheduler's authoritative state stays in
// memory and nothing here is read back on startup.
package history

import (
	"context"
	"database/sql"
	"time"

	"genflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS task_results (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  success INTEGER NOT NULL,
  result BLOB,
  error TEXT,
  duration_ms INTEGER NOT NULL,
  worker_id TEXT NOT NULL,
  completed_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_task ON task_results(task_id);
CREATE INDEX IF NOT EXISTS idx_results_completed ON task_results(completed_at);
CREATE TABLE IF NOT EXISTS dead_letters (
  entry_id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  reason TEXT NOT NULL,
  attempts INTEGER NOT NULL,
  payload BLOB,
  dead_at DATETIME NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

type Archive struct{ db *sql.DB }

func NewArchive(db *sql.DB) *Archive { return &Archive{db: db} }

// RecordResult appends one execution outcome.
func (a *Archive) RecordResult(ctx context.Context, res domain.TaskResult) error {
	_, err := a.db.ExecContext(ctx, `
INSERT INTO task_results (task_id,success,result,error,duration_ms,worker_id,completed_at)
VALUES (?,?,?,?,?,?,?)
`, res.TaskID, res.Success, []byte(res.Result), res.Error, res.Duration.Milliseconds(), res.WorkerID, res.CompletedAt)
	return err
}

// RecordDeadLetter appends one dead-letter snapshot. Requeues do not remove
// rows; the table is an append-only audit trail.
func (a *Archive) RecordDeadLetter(ctx context.Context, e domain.DeadLetterEntry) error {
	_, err := a.db.ExecContext(ctx, `
INSERT OR REPLACE INTO dead_letters (entry_id,task_id,reason,attempts,payload,dead_at)
VALUES (?,?,?,?,?,?)
`, e.ID, e.Task.ID, e.Reason, e.Attempts, []byte(e.Task.Payload), e.DeadAt)
	return err
}

// RecentResults returns the newest results, most recent first.
func (a *Archive) RecentResults(ctx context.Context, limit int) ([]domain.TaskResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx, `
SELECT task_id,success,result,error,duration_ms,worker_id,completed_at
FROM task_results ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TaskResult
	for rows.Next() {
		var r domain.TaskResult
		var durMs int64
		var result []byte
		if err := rows.Scan(&r.TaskID, &r.Success, &result, &r.Error, &durMs, &r.WorkerID, &r.CompletedAt); err != nil {
			return nil, err
		}
		r.Result = result
		r.Duration = time.Duration(durMs) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}
