// Package registry persists the ingestion task registry: what work exists and
// what remains. It is the durable source of truth for run progress; every
// status transition is committed before the call returns, so a crash loses at
// most the task being claimed.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"tickvault/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	category    TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	timeframe   TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT '',
	error_class TEXT NOT NULL DEFAULT '',
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (category, symbol, timeframe)
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Registry is a SQLite-backed task registry. Task rows are updated
// individually, never rewritten wholesale, so concurrent workers cannot
// clobber each other's transitions.
type Registry struct {
	db    *sql.DB
	runID string
}

// Open opens (or creates) the registry database at dbPath and ensures the
// schema, run ID, and start timestamp exist.
func Open(dbPath string) (*Registry, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection avoids SQLITE_BUSY under concurrent workers; the
	// driver serializes statements on it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating registry schema: %w", err)
	}

	r := &Registry{db: db}
	if err := r.initMeta(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// Close closes the underlying database connection.
func (r *Registry) Close() error {
	return r.db.Close()
}

// RunID returns the identifier assigned when the registry was first created.
func (r *Registry) RunID() string { return r.runID }

func (r *Registry) initMeta() error {
	if _, err := r.db.Exec(
		`INSERT OR IGNORE INTO meta (key, value) VALUES ('run_id', ?), ('started_at', ?)`,
		uuid.NewString(), fmt.Sprintf("%d", time.Now().Unix()),
	); err != nil {
		return fmt.Errorf("initializing registry meta: %w", err)
	}
	return r.db.QueryRow(`SELECT value FROM meta WHERE key = 'run_id'`).Scan(&r.runID)
}

// Generate inserts a Pending task for every (category, symbol, timeframe) not
// already present. Existing tasks, including Completed ones, are left
// untouched, making regeneration idempotent. Returns the number of tasks
// added.
func (r *Registry) Generate(ctx context.Context, symbolsByCategory map[string][]string, timeframes []domain.Timeframe) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO tasks (category, symbol, timeframe, status, updated_at)
		VALUES (?, ?, ?, 'pending', ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := time.Now().Unix()
	added := 0
	for category, symbols := range symbolsByCategory {
		for _, symbol := range symbols {
			for _, tf := range timeframes {
				res, err := stmt.ExecContext(ctx, category, symbol, string(tf), now)
				if err != nil {
					return added, fmt.Errorf("inserting task %s/%s/%s: %w", category, symbol, tf, err)
				}
				if n, _ := res.RowsAffected(); n > 0 {
					added++
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return added, err
	}
	return added, nil
}

// ClaimNext atomically selects one Pending task, marks it InProgress, and
// returns it. Returns (nil, nil) when no Pending task exists. Safe under
// concurrent callers: the status check and transition happen in one UPDATE.
func (r *Registry) ClaimNext(ctx context.Context) (*domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE tasks SET status = 'in_progress', updated_at = ?
		WHERE rowid = (SELECT rowid FROM tasks WHERE status = 'pending' LIMIT 1)
		RETURNING category, symbol, timeframe, attempts`,
		time.Now().Unix())

	var t domain.Task
	var tf string
	err := row.Scan(&t.Category, &t.Symbol, &tf, &t.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming task: %w", err)
	}
	t.Timeframe = domain.Timeframe(tf)
	t.Status = domain.TaskInProgress
	return &t, nil
}

// Complete marks the task Completed.
func (r *Registry) Complete(ctx context.Context, t *domain.Task) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'completed', last_error = '', error_class = '', updated_at = ?
		WHERE category = ? AND symbol = ? AND timeframe = ?`,
		time.Now().Unix(), t.Category, t.Symbol, string(t.Timeframe))
	if err != nil {
		return fmt.Errorf("completing task %s: %w", t.Key(), err)
	}
	return nil
}

// Fail marks the task Failed, increments its attempt count, and records the
// error with its classification. Failed tasks are not re-queued until an
// explicit ResumeFailed.
func (r *Registry) Fail(ctx context.Context, t *domain.Task, class string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'failed', attempts = attempts + 1,
			last_error = ?, error_class = ?, updated_at = ?
		WHERE category = ? AND symbol = ? AND timeframe = ?`,
		msg, class, time.Now().Unix(), t.Category, t.Symbol, string(t.Timeframe))
	if err != nil {
		return fmt.Errorf("failing task %s: %w", t.Key(), err)
	}
	return nil
}

// ResumeFailed transitions every Failed task back to Pending and returns the
// number of tasks re-queued.
func (r *Registry) ResumeFailed(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', updated_at = ? WHERE status = 'failed'`,
		time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("resuming failed tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RepairStale marks InProgress tasks last updated before the threshold as
// Failed, making them eligible for ResumeFailed. Run this at process start so
// tasks orphaned by a crash are never stuck InProgress.
func (r *Registry) RepairStale(ctx context.Context, olderThan time.Duration) (int, error) {
	// updated_at holds whole seconds, so truncating the cutoff the same way
	// and comparing inclusively keeps claims aged exactly past the threshold
	// from slipping through on the sub-second remainder.
	cutoff := time.Now().Add(-olderThan).Unix()
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'failed', attempts = attempts + 1,
			last_error = 'stale in-progress claim', error_class = 'stale', updated_at = ?
		WHERE status = 'in_progress' AND updated_at <= ?`,
		time.Now().Unix(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("repairing stale tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Stats recomputes aggregate counts from current task statuses.
func (r *Registry) Stats(ctx context.Context) (domain.Stats, error) {
	var s domain.Stats
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return s, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return s, err
		}
		s.Total += n
		switch domain.TaskStatus(status) {
		case domain.TaskCompleted:
			s.Completed += n
		case domain.TaskFailed:
			s.Failed += n
		case domain.TaskPending:
			s.Pending += n
		}
	}
	if err := rows.Err(); err != nil {
		return s, err
	}

	var started int64
	if err := r.db.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = 'started_at'`).Scan(&started); err == nil {
		s.StartedAt = time.Unix(started, 0).UTC()
	}
	var updated sql.NullInt64
	if err := r.db.QueryRowContext(ctx,
		`SELECT MAX(updated_at) FROM tasks`).Scan(&updated); err == nil && updated.Valid {
		s.UpdatedAt = time.Unix(updated.Int64, 0).UTC()
	}
	return s, nil
}

// FailedByClass returns the count of Failed tasks grouped by error
// classification, for the operator's resume-or-fix decision.
func (r *Registry) FailedByClass(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT error_class, COUNT(*) FROM tasks WHERE status = 'failed' GROUP BY error_class`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var class string
		var n int
		if err := rows.Scan(&class, &n); err != nil {
			return nil, err
		}
		out[class] = n
	}
	return out, rows.Err()
}

// FailedTasks returns every Failed task with its recorded error.
func (r *Registry) FailedTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT category, symbol, timeframe, attempts, last_error, error_class, updated_at
		FROM tasks WHERE status = 'failed' ORDER BY category, symbol, timeframe`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		var t domain.Task
		var tf string
		var updated int64
		if err := rows.Scan(&t.Category, &t.Symbol, &tf, &t.Attempts, &t.LastError, &t.ErrorClass, &updated); err != nil {
			return nil, err
		}
		t.Timeframe = domain.Timeframe(tf)
		t.Status = domain.TaskFailed
		t.UpdatedAt = time.Unix(updated, 0).UTC()
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
