package store

import (
	"fmt"
	"time"
)

const auditColumns = `id, ts, task_id, project, thread_id, actor, action, detail`

// InsertAudit appends an audit row. Callers are expected to have redacted
// the entry already; the audit package does that.
func (s *Store) InsertAudit(e *AuditEntry) error {
	if e.TS.IsZero() {
		e.TS = time.Now()
	}
	if e.Detail == "" {
		e.Detail = "{}"
	}
	res, err := s.db.Exec(`INSERT INTO audit_log (ts, task_id, project, thread_id, actor, action, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		formatTime(e.TS), e.TaskID, e.Project, e.ThreadID, e.Actor, e.Action, e.Detail)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// AuditByTask returns audit rows for one task, oldest first.
func (s *Store) AuditByTask(taskID string) ([]AuditEntry, error) {
	return s.queryAudit(`SELECT `+auditColumns+` FROM audit_log WHERE task_id = ? ORDER BY id ASC`, taskID)
}

// AuditByProject returns the newest audit rows for a project.
func (s *Store) AuditByProject(project string, limit int) ([]AuditEntry, error) {
	return s.queryAudit(`SELECT `+auditColumns+` FROM audit_log WHERE project = ?
		ORDER BY id DESC LIMIT ?`, project, orDefault(limit, 50))
}

// AuditRecent returns the newest audit rows across all projects.
func (s *Store) AuditRecent(limit int) ([]AuditEntry, error) {
	return s.queryAudit(`SELECT `+auditColumns+` FROM audit_log ORDER BY id DESC LIMIT ?`,
		orDefault(limit, 50))
}

func (s *Store) queryAudit(query string, args ...any) ([]AuditEntry, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.TaskID, &e.Project, &e.ThreadID,
			&e.Actor, &e.Action, &e.Detail); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.TS = parseTime(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
