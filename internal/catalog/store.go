package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	platformdb "apbolc-backend/internal/platform/db"
)

type Store struct{ db *sql.DB }

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) InsertBook(ctx context.Context, in CreateBookRequest) error {
	const q = `
	INSERT INTO books
	(book_id, isbn, title, status, holder_id, holder_name, reserved_for_id, reserved_for_name, created_at)
	VALUES (?, ?, ?, 'Available', '', '', '', '', NOW(6))`
	isbn := ""
	if in.ISBN != nil {
		isbn = *in.ISBN
	}
	_, err := s.db.ExecContext(ctx, q, in.BookID, isbn, in.Title)
	return err
}

func (s *Store) GetBookByID(ctx context.Context, bookID string) (*BookResponse, error) {
	const q = `
	SELECT book_id, isbn, title, status, holder_id, holder_name, reserved_for_id, reserved_for_name, created_at
	FROM books WHERE book_id = ? LIMIT 1`
	var b BookResponse
	err := s.db.QueryRowContext(ctx, q, bookID).Scan(
		&b.BookID, &b.ISBN, &b.Title, &b.Status,
		&b.HolderID, &b.HolderName, &b.ReservedForID, &b.ReservedForName, &b.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) ListBooks(ctx context.Context, f BookSearchQuery, p Page) ([]BookResponse, int64, error) {
	where := strings.Builder{}
	where.WriteString(` WHERE 1=1`)
	args := []any{}
	if f.Status != nil {
		where.WriteString(` AND status = ?`)
		args = append(args, *f.Status)
	}
	if f.Title != nil {
		where.WriteString(` AND title LIKE ?`)
		args = append(args, "%"+*f.Title+"%")
	}

	order := "ASC"
	if strings.ToLower(p.Order) == "desc" {
		order = "DESC"
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Offset < 0 {
		p.Offset = 0
	}

	q := fmt.Sprintf(`
	SELECT book_id, isbn, title, status, holder_id, holder_name, reserved_for_id, reserved_for_name, created_at
	FROM books%s ORDER BY book_id %s LIMIT ? OFFSET ?`, where.String(), order)

	rows, err := s.db.QueryContext(ctx, q, append(args, p.Limit, p.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []BookResponse
	for rows.Next() {
		var b BookResponse
		if err := rows.Scan(
			&b.BookID, &b.ISBN, &b.Title, &b.Status,
			&b.HolderID, &b.HolderName, &b.ReservedForID, &b.ReservedForName, &b.CreatedAt,
		); err != nil {
			return nil, 0, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int64
	cq := `SELECT COUNT(*) FROM books` + where.String()
	if err := s.db.QueryRowContext(ctx, cq, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return out, total, nil
}

func (s *Store) UpdateBookByID(ctx context.Context, bookID string, in UpdateBookRequest) (*BookResponse, error) {
	sets := []string{}
	args := []any{}
	if in.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *in.Title)
	}
	if in.ISBN != nil {
		sets = append(sets, "isbn = ?")
		args = append(args, *in.ISBN)
	}
	q := fmt.Sprintf(`UPDATE books SET %s WHERE book_id = ?`, strings.Join(sets, ", "))
	args = append(args, bookID)

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	if aff, _ := res.RowsAffected(); aff == 0 {
		// 同値更新の可能性もあるので存在確認してから判定する
		if _, err := s.GetBookByID(ctx, bookID); err != nil {
			return nil, err
		}
	}
	return s.GetBookByID(ctx, bookID)
}

// 一括INSERT。途中で失敗したら全行ROLLBACK
func (s *Store) ImportBooksTx(ctx context.Context, rows []CreateBookRequest) error {
	return platformdb.RunInTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx platformdb.DBTX) error {
		const q = `
		INSERT INTO books
		(book_id, isbn, title, status, holder_id, holder_name, reserved_for_id, reserved_for_name, created_at)
		VALUES (?, ?, ?, 'Available', '', '', '', '', NOW(6))`
		for _, r := range rows {
			isbn := ""
			if r.ISBN != nil {
				isbn = *r.ISBN
			}
			if _, err := tx.ExecContext(ctx, q, r.BookID, isbn, r.Title); err != nil {
				return err
			}
		}
		return nil
	})
}
