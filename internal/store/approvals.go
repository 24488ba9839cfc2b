package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const approvalColumns = `id, task_id, action_class, description, status, requested_at, resolved_at, resolver`

// CreateApproval inserts a pending approval for a task.
func (s *Store) CreateApproval(a *ApprovalRecord) error {
	a.Status = ApprovalPending
	if a.RequestedAt.IsZero() {
		a.RequestedAt = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO approvals (`+approvalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TaskID, a.ActionClass, a.Description, a.Status,
		formatTime(a.RequestedAt), formatTime(a.ResolvedAt), a.Resolver)
	if err != nil {
		return fmt.Errorf("inserting approval: %w", err)
	}
	return nil
}

// GetApproval returns an approval by ID.
func (s *Store) GetApproval(id string) (*ApprovalRecord, error) {
	row := s.db.QueryRow(`SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// PendingApprovalByTask returns the pending approval for a task, if any.
func (s *Store) PendingApprovalByTask(taskID string) (*ApprovalRecord, error) {
	row := s.db.QueryRow(`SELECT `+approvalColumns+` FROM approvals
		WHERE task_id = ? AND status = ? ORDER BY requested_at DESC LIMIT 1`,
		taskID, ApprovalPending)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ResolveApproval atomically flips a pending approval to the given terminal
// status. Returns false if the approval was no longer pending (lost race).
func (s *Store) ResolveApproval(id string, status ApprovalStatus, resolver string) (bool, error) {
	if status != ApprovalApproved && status != ApprovalDenied {
		return false, fmt.Errorf("resolve approval: %q is not a terminal status", status)
	}
	res, err := s.db.Exec(`UPDATE approvals SET status = ?, resolver = ?, resolved_at = ?
		WHERE id = ? AND status = ?`,
		status, resolver, formatTime(time.Now()), id, ApprovalPending)
	if err != nil {
		return false, fmt.Errorf("resolving approval: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ExpireApprovals flips every pending approval requested before the cutoff
// to denied with the given resolver, and returns the expired records so the
// engine can fail the associated tasks.
func (s *Store) ExpireApprovals(cutoff time.Time, resolver string) ([]ApprovalRecord, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin expire approvals: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`SELECT `+approvalColumns+` FROM approvals
		WHERE status = ? AND requested_at < ?`,
		ApprovalPending, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("selecting expired approvals: %w", err)
	}

	var expired []ApprovalRecord
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		expired = append(expired, *a)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	now := formatTime(time.Now())
	for i := range expired {
		_, err := tx.Exec(`UPDATE approvals SET status = ?, resolver = ?, resolved_at = ?
			WHERE id = ? AND status = ?`,
			ApprovalDenied, resolver, now, expired[i].ID, ApprovalPending)
		if err != nil {
			return nil, fmt.Errorf("expiring approval %s: %w", expired[i].ID, err)
		}
		expired[i].Status = ApprovalDenied
		expired[i].Resolver = resolver
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit expire approvals: %w", err)
	}
	return expired, nil
}

func scanApproval(sc rowScanner) (*ApprovalRecord, error) {
	var a ApprovalRecord
	var requestedAt, resolvedAt string
	err := sc.Scan(&a.ID, &a.TaskID, &a.ActionClass, &a.Description, &a.Status,
		&requestedAt, &resolvedAt, &a.Resolver)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning approval: %w", err)
	}
	a.RequestedAt = parseTime(requestedAt)
	a.ResolvedAt = parseTime(resolvedAt)
	return &a, nil
}
