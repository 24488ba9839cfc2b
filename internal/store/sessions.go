package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertSession records the last agent session reference for a thread.
func (s *Store) UpsertSession(threadID, project, sessionRef string) error {
	_, err := s.db.Exec(`INSERT INTO sessions (thread_id, project, session_ref, last_used_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			project = excluded.project,
			session_ref = excluded.session_ref,
			last_used_at = excluded.last_used_at`,
		threadID, project, sessionRef, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// GetSession returns the session for a thread if it is younger than ttl.
func (s *Store) GetSession(threadID string, ttl time.Duration) (*SessionRecord, error) {
	var rec SessionRecord
	var lastUsed string
	err := s.db.QueryRow(`SELECT thread_id, project, session_ref, last_used_at
		FROM sessions WHERE thread_id = ?`, threadID).
		Scan(&rec.ThreadID, &rec.Project, &rec.SessionRef, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}

	rec.LastUsedAt = parseTime(lastUsed)
	if ttl > 0 && time.Since(rec.LastUsedAt) > ttl {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// DeleteSession removes a session reference, e.g. after a failed resume.
func (s *Store) DeleteSession(threadID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE thread_id = ?`, threadID)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// PruneSessions removes sessions unused for longer than ttl and returns
// the number removed.
func (s *Store) PruneSessions(ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)
	res, err := s.db.Exec(`DELETE FROM sessions WHERE last_used_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
