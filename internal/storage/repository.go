package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

var ErrSessionNotFound = errors.New("session not found")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(s *SessionRecord) error {
	query := `INSERT INTO upload_sessions (upload_id, object_key, content_type, status, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?)`

	_, err := r.db.Exec(query,
		s.UploadID,
		s.Key,
		s.ContentType,
		s.Status,
		s.CreatedAt,
		s.UpdatedAt,
	)
	return err
}

func (r *Repository) GetByID(uploadID string) (*SessionRecord, error) {
	query := `SELECT upload_id, object_key, content_type, status, created_at, updated_at
			  FROM upload_sessions WHERE upload_id = ?`

	s := &SessionRecord{}
	err := r.db.QueryRow(query, uploadID).Scan(
		&s.UploadID,
		&s.Key,
		&s.ContentType,
		&s.Status,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListOpenBefore returns sessions still open that were created before cutoff, oldest first.
func (r *Repository) ListOpenBefore(cutoff int64) ([]*SessionRecord, error) {
	query := `SELECT upload_id, object_key, content_type, status, created_at, updated_at
			  FROM upload_sessions WHERE status = ? AND created_at < ? ORDER BY created_at`

	rows, err := r.db.Query(query, SessionOpen, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*SessionRecord
	for rows.Next() {
		s := &SessionRecord{}
		if err := rows.Scan(&s.UploadID, &s.Key, &s.ContentType, &s.Status, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// UpdateStatus moves an open session to status. Finalized sessions are left untouched.
func (r *Repository) UpdateStatus(uploadID string, status SessionStatus, updatedAt int64) error {
	return r.execWithRowCheck(`UPDATE upload_sessions SET status = ?, updated_at = ? WHERE upload_id = ? AND status = ?`,
		status, updatedAt, uploadID, SessionOpen)
}

func (r *Repository) DeleteFinalizedBefore(cutoff int64) (int64, error) {
	result, err := r.db.Exec(`DELETE FROM upload_sessions WHERE status != ? AND updated_at < ?`, SessionOpen, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CountByStatus returns how many ledger rows are in each status.
func (r *Repository) CountByStatus() (map[SessionStatus]int, error) {
	rows, err := r.db.Query(`SELECT status, COUNT(*) FROM upload_sessions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[SessionStatus]int)
	for rows.Next() {
		var status SessionStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (r *Repository) execWithRowCheck(query string, args ...interface{}) error {
	result, err := r.db.Exec(query, args...)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: no open session matched", ErrSessionNotFound)
	}

	return nil
}
