package students

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ===== Error model (circulation と同型) =====
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

// ===== Service =====

type Service struct {
	store *Store
}

func NewService(db *sql.DB) *Service {
	return &Service{store: NewStore(db)}
}

// 登録は単純なupsert。既存IDなら名前とsecretを上書きする
func (s *Service) Register(ctx context.Context, in RegisterStudentRequest) (StudentResponse, error) {
	id := strings.TrimSpace(in.StudentID)
	name := strings.TrimSpace(in.Name)
	if id == "" || name == "" || strings.TrimSpace(in.Secret) == "" {
		return StudentResponse{}, ErrInvalid("student_id, name, secret are required")
	}

	if err := s.store.Upsert(ctx, id, name, in.Secret); err != nil {
		return StudentResponse{}, err
	}
	return StudentResponse{StudentID: id, Name: name}, nil
}

func (s *Service) ChangeSecret(ctx context.Context, studentID string, in ChangeSecretRequest) error {
	if strings.TrimSpace(in.NewSecret) == "" {
		return ErrInvalid("new_secret is required")
	}
	n, err := s.store.UpdateSecret(ctx, studentID, in.NewSecret)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound("student not found")
	}
	return nil
}

// secretは返さない
func (s *Service) Get(ctx context.Context, studentID string) (StudentResponse, error) {
	row, err := s.store.GetByID(ctx, studentID)
	if err != nil {
		return StudentResponse{}, err
	}
	if row == nil {
		return StudentResponse{}, ErrNotFound("student not found")
	}
	return StudentResponse{StudentID: row.StudentID, Name: row.Name}, nil
}
