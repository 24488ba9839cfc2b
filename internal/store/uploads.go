package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const uploadColumns = `id, project, original_name, server_path, created_at, expires_at, consumed_at`

// CreateUpload inserts an upload reference.
func (s *Store) CreateUpload(u *UploadRecord) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO uploads (`+uploadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Project, u.OriginalName, u.ServerPath,
		formatTime(u.CreatedAt), formatTime(u.ExpiresAt), formatTime(u.ConsumedAt))
	if err != nil {
		return fmt.Errorf("inserting upload: %w", err)
	}
	return nil
}

// GetUpload returns an upload reference by ID.
func (s *Store) GetUpload(id string) (*UploadRecord, error) {
	row := s.db.QueryRow(`SELECT `+uploadColumns+` FROM uploads WHERE id = ?`, id)
	u, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

// MarkUploadConsumed stamps consumed_at on an upload reference.
func (s *Store) MarkUploadConsumed(id string) (bool, error) {
	res, err := s.db.Exec(`UPDATE uploads SET consumed_at = ? WHERE id = ? AND consumed_at = ''`,
		formatTime(time.Now()), id)
	if err != nil {
		return false, fmt.Errorf("marking upload consumed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ExpiredUploads returns uploads whose expiry has passed.
func (s *Store) ExpiredUploads(now time.Time) ([]UploadRecord, error) {
	rows, err := s.db.Query(`SELECT `+uploadColumns+` FROM uploads
		WHERE expires_at != '' AND expires_at < ?`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("querying expired uploads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []UploadRecord
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// DeleteUpload removes an upload reference row.
func (s *Store) DeleteUpload(id string) error {
	_, err := s.db.Exec(`DELETE FROM uploads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting upload: %w", err)
	}
	return nil
}

func scanUpload(sc rowScanner) (*UploadRecord, error) {
	var u UploadRecord
	var createdAt, expiresAt, consumedAt string
	err := sc.Scan(&u.ID, &u.Project, &u.OriginalName, &u.ServerPath,
		&createdAt, &expiresAt, &consumedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning upload: %w", err)
	}
	u.CreatedAt = parseTime(createdAt)
	u.ExpiresAt = parseTime(expiresAt)
	u.ConsumedAt = parseTime(consumedAt)
	return &u, nil
}
