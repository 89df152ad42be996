package circulation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	platformdb "apbolc-backend/internal/platform/db"
)

// ===== 貸出エンジンが依存する協調コンポーネント =====

// UserDirectory は学生名簿の参照。見つからなければ (nil, nil)
type UserDirectory interface {
	FindStudent(ctx context.Context, studentID string) (*Student, error)
}

// CatalogStore は蔵書台帳。UpdateBook は status/保持者/予約者の部分更新
type CatalogStore interface {
	FindBook(ctx context.Context, bookID string) (*Book, error)
	UpdateBook(ctx context.Context, bookID string, u BookUpdate) error
}

// WaitingList は本ごとの順番待ちリスト。ListEntries は先着順（entry_id 昇順）
type WaitingList interface {
	ListEntries(ctx context.Context, bookID string) ([]WaitEntry, error)
	AppendEntry(ctx context.Context, e *WaitEntry) error
	RemoveEntry(ctx context.Context, entryID int64) error
}

// TransactionLog は貸出・返却の監査ログ。エンジンは追記のみ、一覧は職員用
type TransactionLog interface {
	AppendTransaction(ctx context.Context, t *Transaction) error
	ListTransactions(ctx context.Context, f TransactionFilter, p Page) ([]Transaction, int64, error)
}

// ===== MySQL実装 =====

type Store struct{ db *sql.DB }

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) FindStudent(ctx context.Context, studentID string) (*Student, error) {
	const q = `SELECT student_id, name, secret FROM students WHERE student_id = ? LIMIT 1`
	var st Student
	err := s.db.QueryRowContext(ctx, q, studentID).Scan(&st.StudentID, &st.Name, &st.Secret)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) FindBook(ctx context.Context, bookID string) (*Book, error) {
	const q = `
	SELECT book_id, isbn, title, status, holder_id, holder_name, reserved_for_id, reserved_for_name
	FROM books WHERE book_id = ? LIMIT 1`
	var b Book
	err := s.db.QueryRowContext(ctx, q, bookID).Scan(
		&b.BookID, &b.ISBN, &b.Title, &b.Status,
		&b.HolderID, &b.HolderName, &b.ReservedForID, &b.ReservedForName,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) UpdateBook(ctx context.Context, bookID string, u BookUpdate) error {
	const q = `
	UPDATE books
	SET status = ?, holder_id = ?, holder_name = ?, reserved_for_id = ?, reserved_for_name = ?
	WHERE book_id = ?`
	// 同値更新だと RowsAffected=0 になるので件数チェックはしない
	// （存在確認はエンジン側の FindBook で済んでいる）
	res, err := s.db.ExecContext(ctx, q,
		u.Status, u.HolderID, u.HolderName, u.ReservedForID, u.ReservedForName, bookID,
	)
	if err != nil {
		return err
	}
	_, _ = res.RowsAffected()
	return nil
}

func (s *Store) ListEntries(ctx context.Context, bookID string) ([]WaitEntry, error) {
	const q = `
	SELECT entry_id, entry_ulid, book_id, student_id, queued_at
	FROM wait_entries WHERE book_id = ? ORDER BY entry_id ASC`
	rows, err := s.db.QueryContext(ctx, q, bookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WaitEntry
	for rows.Next() {
		var e WaitEntry
		if err := rows.Scan(&e.EntryID, &e.EntryULID, &e.BookID, &e.StudentID, &e.QueuedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) AppendEntry(ctx context.Context, e *WaitEntry) error {
	const q = `
	INSERT INTO wait_entries (entry_ulid, book_id, student_id, queued_at)
	VALUES (?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q, e.EntryULID, e.BookID, e.StudentID, e.QueuedAt)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	e.EntryID = id
	return nil
}

func (s *Store) RemoveEntry(ctx context.Context, entryID int64) error {
	const q = `DELETE FROM wait_entries WHERE entry_id = ?`
	res, err := s.db.ExecContext(ctx, q, entryID)
	if err != nil {
		return err
	}
	aff, _ := res.RowsAffected()
	if aff != 1 {
		return ErrInternal("failed to remove wait entry")
	}
	return nil
}

func (s *Store) AppendTransaction(ctx context.Context, t *Transaction) error {
	const q = `
	INSERT INTO transactions (txn_ulid, action, book_id, student_id, acted_at)
	VALUES (?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q, t.TxnULID, t.Action, t.BookID, t.StudentID, t.ActedAt)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	t.TxnID = id
	return nil
}

func (s *Store) ListTransactions(ctx context.Context, f TransactionFilter, p Page) ([]Transaction, int64, error) {
	where := strings.Builder{}
	where.WriteString(` WHERE 1=1`)
	args := []any{}
	if f.BookID != nil {
		where.WriteString(` AND book_id = ?`)
		args = append(args, *f.BookID)
	}
	if f.StudentID != nil {
		where.WriteString(` AND student_id = ?`)
		args = append(args, *f.StudentID)
	}
	if f.Action != nil {
		where.WriteString(` AND action = ?`)
		args = append(args, *f.Action)
	}

	order := "DESC"
	if strings.ToLower(p.Order) == "asc" {
		order = "ASC"
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Offset < 0 {
		p.Offset = 0
	}

	var items []Transaction
	var total int64

	// 一覧と件数を同一スナップショットで読む
	err := platformdb.ReadOnly(ctx, s.db, func(ctx context.Context, tx platformdb.DBTX) error {
		q := fmt.Sprintf(`
		SELECT txn_id, txn_ulid, action, book_id, student_id, acted_at
		FROM transactions%s ORDER BY txn_id %s LIMIT ? OFFSET ?`, where.String(), order)

		rows, err := tx.QueryContext(ctx, q, append(args, p.Limit, p.Offset)...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var t Transaction
			if err := rows.Scan(&t.TxnID, &t.TxnULID, &t.Action, &t.BookID, &t.StudentID, &t.ActedAt); err != nil {
				return err
			}
			items = append(items, t)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		cq := `SELECT COUNT(*) FROM transactions` + where.String()
		return tx.QueryRowContext(ctx, cq, args...).Scan(&total)
	})
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}
