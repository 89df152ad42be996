package students

import (
	"context"
	"database/sql"
	"errors"
)

type StudentRow struct {
	StudentID string
	Name      string
	Secret    string
}

type Store struct{ db *sql.DB }

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) GetByID(ctx context.Context, studentID string) (*StudentRow, error) {
	const q = `SELECT student_id, name, secret FROM students WHERE student_id = ? LIMIT 1`
	var row StudentRow
	err := s.db.QueryRowContext(ctx, q, studentID).Scan(&row.StudentID, &row.Name, &row.Secret)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Store) Upsert(ctx context.Context, studentID, name, secret string) error {
	const q = `
	INSERT INTO students (student_id, name, secret, created_at)
	VALUES (?, ?, ?, NOW(6))
	ON DUPLICATE KEY UPDATE name = VALUES(name), secret = VALUES(secret)`
	_, err := s.db.ExecContext(ctx, q, studentID, name, secret)
	return err
}

func (s *Store) UpdateSecret(ctx context.Context, studentID, secret string) (int64, error) {
	const q = `UPDATE students SET secret = ? WHERE student_id = ?`
	res, err := s.db.ExecContext(ctx, q, secret, studentID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}
