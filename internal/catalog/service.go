package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	mysql "github.com/go-sql-driver/mysql"
)

// ===== Error model =====
type Code string

const (
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeInternal        Code = "INTERNAL"
)

type APIError struct {
	Code    Code
	Message string
}

func (e *APIError) Error() string      { return fmt.Sprintf("%s: %s", e.Code, e.Message) }
func ErrInvalid(msg string) *APIError  { return &APIError{Code: CodeInvalidArgument, Message: msg} }
func ErrNotFound(msg string) *APIError { return &APIError{Code: CodeNotFound, Message: msg} }
func ErrConflict(msg string) *APIError { return &APIError{Code: CodeConflict, Message: msg} }
func ErrInternal(msg string) *APIError { return &APIError{Code: CodeInternal, Message: msg} }

func toHTTPStatus(err error) int {
	var api *APIError
	if errors.As(err, &api) {
		switch api.Code {
		case CodeInvalidArgument:
			return 400
		case CodeNotFound:
			return 404
		case CodeConflict:
			return 409
		default:
			return 500
		}
	}
	return 500
}

type Service struct {
	db    *sql.DB
	store *Store
}

func NewService(db *sql.DB) *Service { return &Service{db: db, store: NewStore(db)} }

// 新規登録。初期状態は Available、保持者・予約者は空
func (s *Service) CreateBook(ctx context.Context, in CreateBookRequest) (BookResponse, error) {
	if strings.TrimSpace(in.BookID) == "" || strings.TrimSpace(in.Title) == "" {
		return BookResponse{}, ErrInvalid("book_id and title are required")
	}

	if err := s.store.InsertBook(ctx, in); err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == 1062 { // duplicate key
			return BookResponse{}, ErrConflict("book_id already exists")
		}
		return BookResponse{}, err
	}

	out, err := s.store.GetBookByID(ctx, in.BookID)
	if err != nil {
		if err == sql.ErrNoRows {
			return BookResponse{}, ErrNotFound("book not found")
		}
		return BookResponse{}, err
	}
	return *out, nil
}

func (s *Service) GetBook(ctx context.Context, bookID string) (BookResponse, error) {
	out, err := s.store.GetBookByID(ctx, bookID)
	if err != nil {
		if err == sql.ErrNoRows {
			return BookResponse{}, ErrNotFound("book not found")
		}
		return BookResponse{}, err
	}
	return *out, nil
}

func (s *Service) ListBooks(ctx context.Context, q BookSearchQuery, p Page) ([]BookResponse, int64, error) {
	items, total, err := s.store.ListBooks(ctx, q, p)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// 書誌情報のみ更新。貸出状態は貸出エンジン以外から触らない
func (s *Service) UpdateBook(ctx context.Context, bookID string, in UpdateBookRequest) (BookResponse, error) {
	if in.Title == nil && in.ISBN == nil {
		return BookResponse{}, ErrInvalid("nothing to update")
	}
	if in.Title != nil && strings.TrimSpace(*in.Title) == "" {
		return BookResponse{}, ErrInvalid("title must not be empty")
	}

	out, err := s.store.UpdateBookByID(ctx, bookID, in)
	if err != nil {
		if err == sql.ErrNoRows {
			return BookResponse{}, ErrNotFound("book not found")
		}
		return BookResponse{}, err
	}
	return *out, nil
}

// CSV一括取込（catalogctl用）。全行を1トランザクションで入れる
func (s *Service) ImportBooks(ctx context.Context, rows []CreateBookRequest) (ImportBooksResponse, error) {
	for i, r := range rows {
		if strings.TrimSpace(r.BookID) == "" || strings.TrimSpace(r.Title) == "" {
			return ImportBooksResponse{}, ErrInvalid(fmt.Sprintf("row %d: book_id and title are required", i+1))
		}
	}

	if err := s.store.ImportBooksTx(ctx, rows); err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == 1062 {
			return ImportBooksResponse{}, ErrConflict("duplicate book_id in import")
		}
		return ImportBooksResponse{}, err
	}
	return ImportBooksResponse{Total: len(rows), OkCount: len(rows)}, nil
}
