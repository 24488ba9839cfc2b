package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// BindThread maps an adapter thread to a project. Re-binding an existing
// thread replaces the previous mapping.
func (s *Store) BindThread(b *ThreadBinding) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO thread_bindings (thread_id, project, adapter, creator, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			project = excluded.project,
			adapter = excluded.adapter,
			creator = excluded.creator`,
		b.ThreadID, b.Project, b.Adapter, b.Creator, formatTime(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("binding thread: %w", err)
	}
	return nil
}

// GetBinding returns the project binding for a thread.
func (s *Store) GetBinding(threadID string) (*ThreadBinding, error) {
	var b ThreadBinding
	var createdAt string
	err := s.db.QueryRow(`SELECT thread_id, project, adapter, creator, created_at
		FROM thread_bindings WHERE thread_id = ?`, threadID).
		Scan(&b.ThreadID, &b.Project, &b.Adapter, &b.Creator, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting binding: %w", err)
	}
	b.CreatedAt = parseTime(createdAt)
	return &b, nil
}
