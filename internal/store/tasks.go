package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const taskColumns = `id, project, project_path, prompt, thread_id, adapter, continue_session,
	status, result, error, tokens_used, token_budget, worker_pid, worker_pid_start,
	checkpoint, created_at, started_at, completed_at`

// EnqueueTask inserts a queued task. The per-project queued count is checked
// inside the same transaction as the insert, so the cap cannot be raced past.
func (s *Store) EnqueueTask(t *TaskRecord, maxQueuedPerProject int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var queued int
	err = tx.QueryRow(`SELECT COUNT(*) FROM tasks WHERE project = ? AND status = ?`,
		t.Project, StatusQueued).Scan(&queued)
	if err != nil {
		return fmt.Errorf("counting queued tasks: %w", err)
	}
	if queued >= maxQueuedPerProject {
		return ErrQueueFull
	}

	t.Status = StatusQueued
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	_, err = tx.Exec(`INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Project, t.ProjectPath, t.Prompt, t.ThreadID, t.Adapter,
		boolToInt(t.ContinueSession), t.Status, t.Result, t.Error, t.TokensUsed,
		t.TokenBudget, t.WorkerPID, t.WorkerPIDStart, t.Checkpoint,
		formatTime(t.CreatedAt), formatTime(t.StartedAt), formatTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}

	return tx.Commit()
}

// DequeueNext claims the oldest queued task whose project has no task in
// running or needs_approval, flips it to running and stamps started_at.
// Returns (nil, nil) when every queued task is blocked by its project lock.
// Selection and claim happen in one transaction; this is what enforces
// per-project mutual exclusion across restarts.
func (s *Store) DequeueNext() (*TaskRecord, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin dequeue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRow(`SELECT ` + taskColumns + ` FROM tasks t
		WHERE t.status = 'queued'
		AND NOT EXISTS (
			SELECT 1 FROM tasks b
			WHERE b.project = t.project AND b.status IN ('running', 'needs_approval')
		)
		ORDER BY t.created_at ASC, t.rowid ASC
		LIMIT 1`)

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	res, err := tx.Exec(`UPDATE tasks SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		StatusRunning, formatTime(now), t.ID, StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("claiming task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dequeue: %w", err)
	}

	t.Status = StatusRunning
	t.StartedAt = now
	return t, nil
}

// GetTask returns a task by ID.
func (s *Store) GetTask(id string) (*TaskRecord, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// MarkDone completes a running task. The status condition means a task that
// was cancelled mid-run keeps its cancelled_by_user error; the supervisor's
// result is dropped. Reports whether the row changed.
func (s *Store) MarkDone(id, result string, tokensUsed int) (bool, error) {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, result = ?, tokens_used = ?,
		completed_at = ?, worker_pid = NULL, worker_pid_start = NULL
		WHERE id = ? AND status = ?`,
		StatusDone, result, tokensUsed, formatTime(time.Now()), id, StatusRunning)
	if err != nil {
		return false, fmt.Errorf("marking task done: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkFailed moves a non-terminal task to failed with the given error code.
// Reports whether the row changed.
func (s *Store) MarkFailed(id, errCode string) (bool, error) {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, error = ?,
		completed_at = ?, worker_pid = NULL, worker_pid_start = NULL
		WHERE id = ? AND status IN ('queued', 'running', 'needs_approval')`,
		StatusFailed, errCode, formatTime(time.Now()), id)
	if err != nil {
		return false, fmt.Errorf("marking task failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkNeedsApproval persists the checkpoint and flips a running task to
// needs_approval in a single statement, so the checkpoint is never missing
// once the status is visible.
func (s *Store) MarkNeedsApproval(id, checkpoint string) (bool, error) {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, checkpoint = ?,
		worker_pid = NULL, worker_pid_start = NULL
		WHERE id = ? AND status = ?`,
		StatusNeedsApproval, checkpoint, id, StatusRunning)
	if err != nil {
		return false, fmt.Errorf("marking task needs_approval: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ResumeForReplay flips an approved needs_approval task back to running.
func (s *Store) ResumeForReplay(id string) (bool, error) {
	res, err := s.db.Exec(`UPDATE tasks SET status = ? WHERE id = ? AND status = ?`,
		StatusRunning, id, StatusNeedsApproval)
	if err != nil {
		return false, fmt.Errorf("resuming task for replay: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CancelTask flips a task in any non-terminal state to failed with
// cancelled_by_user. Terminating a subprocess is the engine's job.
func (s *Store) CancelTask(id string) (bool, error) {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, error = ?, completed_at = ?
		WHERE id = ? AND status IN ('queued', 'running', 'needs_approval')`,
		StatusFailed, ErrCodeCancelled, formatTime(time.Now()), id)
	if err != nil {
		return false, fmt.Errorf("cancelling task: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateTokens persists the running token estimate.
func (s *Store) UpdateTokens(id string, tokensUsed int) error {
	_, err := s.db.Exec(`UPDATE tasks SET tokens_used = ? WHERE id = ?`, tokensUsed, id)
	if err != nil {
		return fmt.Errorf("updating tokens: %w", err)
	}
	return nil
}

// SetWorkerPID records the spawned process identity on the task row. Only a
// running task may own a PID.
func (s *Store) SetWorkerPID(id string, pid int, startTS int64) error {
	res, err := s.db.Exec(`UPDATE tasks SET worker_pid = ?, worker_pid_start = ?
		WHERE id = ? AND status = ?`, pid, startTS, id, StatusRunning)
	if err != nil {
		return fmt.Errorf("setting worker pid: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("setting worker pid: task %s is not running", id)
	}
	return nil
}

// ClearWorkerPID removes the process identity from the task row.
func (s *Store) ClearWorkerPID(id string) error {
	_, err := s.db.Exec(`UPDATE tasks SET worker_pid = NULL, worker_pid_start = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("clearing worker pid: %w", err)
	}
	return nil
}

// RunningOrphans returns every task left in running state; at engine start
// these are candidates for PID-verified cleanup.
func (s *Store) RunningOrphans() ([]TaskRecord, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC`,
		StatusRunning)
}

// TasksByThread returns the newest tasks for a thread.
func (s *Store) TasksByThread(threadID string, limit int) ([]TaskRecord, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks WHERE thread_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, threadID, orDefault(limit, 20))
}

// TasksByProject returns the newest tasks for a project.
func (s *Store) TasksByProject(project string, limit int) ([]TaskRecord, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks WHERE project = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, project, orDefault(limit, 20))
}

// QueueStatus reports queued/running/needs_approval counts per project.
func (s *Store) QueueStatus() ([]QueueCounts, error) {
	rows, err := s.db.Query(`SELECT project,
		SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END),
		SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END),
		SUM(CASE WHEN status = 'needs_approval' THEN 1 ELSE 0 END)
		FROM tasks
		WHERE status IN ('queued', 'running', 'needs_approval')
		GROUP BY project ORDER BY project`)
	if err != nil {
		return nil, fmt.Errorf("querying queue status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []QueueCounts
	for rows.Next() {
		var qc QueueCounts
		if err := rows.Scan(&qc.Project, &qc.Queued, &qc.Running, &qc.NeedsApproval); err != nil {
			return nil, fmt.Errorf("scanning queue status: %w", err)
		}
		out = append(out, qc)
	}
	return out, rows.Err()
}

// PendingCountByProject returns the queued count for one project.
func (s *Store) PendingCountByProject(project string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE project = ? AND status = ?`,
		project, StatusQueued).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting queued tasks: %w", err)
	}
	return n, nil
}

// TokensUsedToday sums tokens over tasks created since UTC midnight.
// Empty project means all projects.
func (s *Store) TokensUsedToday(project string) (int, error) {
	midnight := time.Now().UTC().Truncate(24 * time.Hour)

	query := `SELECT COALESCE(SUM(tokens_used), 0) FROM tasks WHERE created_at >= ?`
	args := []any{formatTime(midnight)}
	if project != "" {
		query += ` AND project = ?`
		args = append(args, project)
	}

	var n int
	if err := s.db.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("summing tokens: %w", err)
	}
	return n, nil
}

func (s *Store) queryTasks(query string, args ...any) ([]TaskRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []TaskRecord
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskFrom(sc rowScanner) (*TaskRecord, error) {
	var t TaskRecord
	var continueSession int
	var tokenBudget sql.NullInt64
	var workerPID sql.NullInt64
	var workerPIDStart sql.NullInt64
	var createdAt, startedAt, completedAt string

	err := sc.Scan(&t.ID, &t.Project, &t.ProjectPath, &t.Prompt, &t.ThreadID,
		&t.Adapter, &continueSession, &t.Status, &t.Result, &t.Error,
		&t.TokensUsed, &tokenBudget, &workerPID, &workerPIDStart, &t.Checkpoint,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.ContinueSession = continueSession != 0
	if tokenBudget.Valid {
		v := int(tokenBudget.Int64)
		t.TokenBudget = &v
	}
	if workerPID.Valid {
		v := int(workerPID.Int64)
		t.WorkerPID = &v
	}
	if workerPIDStart.Valid {
		v := workerPIDStart.Int64
		t.WorkerPIDStart = &v
	}
	t.CreatedAt = parseTime(createdAt)
	t.StartedAt = parseTime(startedAt)
	t.CompletedAt = parseTime(completedAt)

	return &t, nil
}

func scanTask(row *sql.Row) (*TaskRecord, error) {
	t, err := scanTaskFrom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning task: %w", err)
	}
	return t, nil
}

func scanTaskRows(rows *sql.Rows) (*TaskRecord, error) {
	t, err := scanTaskFrom(rows)
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}
	return t, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
