package circulation

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ===== インターフェース群 =====

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

type IDGen interface {
	New() (string, error)
}

type ulidGen struct{}

func (ulidGen) New() (string, error) {
	t := time.Now().UTC()
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// ===== Service本体（貸出エンジン） =====

type Service struct {
	users    UserDirectory
	catalog  CatalogStore
	waitlist WaitingList
	txlog    TransactionLog
	clock    Clock
	id       IDGen

	// 同一 book_id に対する読み→判定→更新を直列化する
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(db *sql.DB) *Service {
	st := NewStore(db)
	return newService(st, st, st, st, realClock{}, ulidGen{})
}

func newService(u UserDirectory, c CatalogStore, w WaitingList, l TransactionLog, clock Clock, id IDGen) *Service {
	return &Service{
		users:    u,
		catalog:  c,
		waitlist: w,
		txlog:    l,
		clock:    clock,
		id:       id,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (s *Service) lockBook(bookID string) *sync.Mutex {
	s.mu.Lock()
	m, ok := s.locks[bookID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[bookID] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m
}

// 貸出
func (s *Service) Borrow(ctx context.Context, req BorrowRequest) (ActionResponse, error) {
	if strings.TrimSpace(req.BookID) == "" || strings.TrimSpace(req.StudentID) == "" {
		return ActionResponse{}, ErrInvalid("book_id and student_id are required")
	}

	// 1. 学生の確認
	st, err := s.users.FindStudent(ctx, req.StudentID)
	if err != nil {
		return ActionResponse{}, err
	}
	if st == nil {
		return ActionResponse{}, ErrNotFound("student not found")
	}

	// 2. secret照合（前後空白を除いてそのまま比較）
	if strings.TrimSpace(req.Secret) != strings.TrimSpace(st.Secret) {
		return ActionResponse{}, ErrUnauthorized("secret mismatch")
	}

	m := s.lockBook(req.BookID)
	defer m.Unlock()

	// 3. 本の確認
	b, err := s.catalog.FindBook(ctx, req.BookID)
	if err != nil {
		return ActionResponse{}, err
	}
	if b == nil {
		return ActionResponse{}, ErrNotFound("book not found, check the book id")
	}

	// 4. 状態による分岐
	switch b.Status {
	case StatusBorrowed:
		// 貸出中は否定応答。順番待ちを案内する
		return ActionResponse{
			Success:  false,
			Message:  "book is already borrowed, you can join the waiting list",
			CanQueue: true,
		}, nil
	case StatusReserved:
		if b.ReservedForID != req.StudentID {
			name := b.ReservedForName
			if name == "" {
				name = b.ReservedForID
			}
			return ActionResponse{
				Success:     false,
				Message:     fmt.Sprintf("book is reserved for %s", name),
				ReservedFor: b.ReservedForID,
			}, nil
		}
		// 予約本人なら貸出してよい
	}

	// 5. 貸出実行（Availableまたは予約本人のReserved）
	u := BookUpdate{
		Status:     StatusBorrowed,
		HolderID:   req.StudentID,
		HolderName: st.Name,
	}
	if err := s.catalog.UpdateBook(ctx, b.BookID, u); err != nil {
		return ActionResponse{}, err
	}

	if err := s.appendTxn(ctx, ActionBorrow, b.BookID, req.StudentID); err != nil {
		// 台帳更新は済んでいるが、ログ欠損は呼び出し側へ失敗として返す
		return ActionResponse{}, err
	}

	return ActionResponse{
		Success: true,
		Message: fmt.Sprintf("borrowed successfully: %s", b.Title),
		Title:   b.Title,
	}, nil
}

// 返却
func (s *Service) Return(ctx context.Context, req ReturnRequest) (ActionResponse, error) {
	if strings.TrimSpace(req.BookID) == "" || strings.TrimSpace(req.StudentID) == "" {
		return ActionResponse{}, ErrInvalid("book_id and student_id are required")
	}

	m := s.lockBook(req.BookID)
	defer m.Unlock()

	b, err := s.catalog.FindBook(ctx, req.BookID)
	if err != nil {
		return ActionResponse{}, err
	}
	if b == nil {
		return ActionResponse{}, ErrNotFound("book not found, check the book id")
	}

	entries, err := s.waitlist.ListEntries(ctx, req.BookID)
	if err != nil {
		return ActionResponse{}, err
	}

	resp := ActionResponse{Success: true}

	if len(entries) > 0 {
		// 最も早く並んだ1件を選ぶ（ListEntriesは昇順だが、順位最小を明示的に取る）
		head := entries[0]
		for _, e := range entries[1:] {
			if e.EntryID < head.EntryID {
				head = e
			}
		}

		name := head.StudentID
		if st, err := s.users.FindStudent(ctx, head.StudentID); err == nil && st != nil {
			name = st.Name
		}

		u := BookUpdate{
			Status:          StatusReserved,
			ReservedForID:   head.StudentID,
			ReservedForName: name,
		}
		if err := s.catalog.UpdateBook(ctx, b.BookID, u); err != nil {
			return ActionResponse{}, err
		}

		// 選ばれた1件だけ削除。残りの順序は保たれる
		if err := s.waitlist.RemoveEntry(ctx, head.EntryID); err != nil {
			return ActionResponse{}, err
		}

		resp.Message = fmt.Sprintf("returned, book is now reserved for %s", name)
		resp.PromotedTo = head.StudentID
	} else {
		u := BookUpdate{Status: StatusAvailable}
		if err := s.catalog.UpdateBook(ctx, b.BookID, u); err != nil {
			return ActionResponse{}, err
		}
		resp.Message = "returned, thank you"
	}

	// 誰が持っていたかは検証せず、渡された student_id で記録する（仕様）
	if err := s.appendTxn(ctx, ActionReturn, b.BookID, req.StudentID); err != nil {
		return ActionResponse{}, err
	}

	return resp, nil
}

// 順番待ち登録
func (s *Service) Enqueue(ctx context.Context, req QueueRequest) (QueueResponse, error) {
	if strings.TrimSpace(req.BookID) == "" || strings.TrimSpace(req.StudentID) == "" {
		return QueueResponse{}, ErrInvalid("book_id and student_id are required")
	}

	m := s.lockBook(req.BookID)
	defer m.Unlock()

	b, err := s.catalog.FindBook(ctx, req.BookID)
	if err != nil {
		return QueueResponse{}, err
	}
	if b == nil {
		return QueueResponse{}, ErrNotFound("book not found, check the book id")
	}

	idStr, err := s.id.New()
	if err != nil {
		return QueueResponse{}, err
	}

	// 同一学生の重複登録や保持者本人の登録は弾かない（仕様）
	e := &WaitEntry{
		EntryULID: idStr,
		BookID:    req.BookID,
		StudentID: req.StudentID,
		QueuedAt:  s.clock.Now(),
	}
	if err := s.waitlist.AppendEntry(ctx, e); err != nil {
		return QueueResponse{}, err
	}

	// 順位は挿入後の件数。先頭が消化されるとずれるが、それも仕様
	entries, err := s.waitlist.ListEntries(ctx, req.BookID)
	if err != nil {
		return QueueResponse{}, err
	}
	pos := len(entries)

	return QueueResponse{
		Success:  true,
		Message:  fmt.Sprintf("queued, you are number %d in line", pos),
		Position: pos,
	}, nil
}

// スキャン（状態照会）
func (s *Service) Scan(ctx context.Context, bookID string) (ScanResponse, error) {
	b, err := s.catalog.FindBook(ctx, bookID)
	if err != nil {
		return ScanResponse{}, err
	}
	if b == nil {
		return ScanResponse{}, ErrNotFound("book not found, check the book id")
	}

	resp := ScanResponse{
		BookID:          b.BookID,
		Title:           b.Title,
		Status:          b.Status,
		HolderID:        b.HolderID,
		HolderName:      b.HolderName,
		ReservedForID:   b.ReservedForID,
		ReservedForName: b.ReservedForName,
	}
	switch b.Status {
	case StatusAvailable:
		resp.Message = "book is in the library, ready to borrow"
	case StatusBorrowed:
		resp.Message = "book is currently borrowed, you can join the waiting list"
	}
	// Reserved はメッセージなし。呼び出し側が status を見て判断する
	return resp, nil
}

// 順番待ち一覧
func (s *Service) ListQueue(ctx context.Context, bookID string) ([]WaitEntryResponse, error) {
	b, err := s.catalog.FindBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrNotFound("book not found, check the book id")
	}

	entries, err := s.waitlist.ListEntries(ctx, bookID)
	if err != nil {
		return nil, err
	}
	out := make([]WaitEntryResponse, 0, len(entries))
	for i, e := range entries {
		out = append(out, WaitEntryResponse{
			Position:  i + 1,
			StudentID: e.StudentID,
			QueuedAt:  e.QueuedAt,
		})
	}
	return out, nil
}

// 貸出履歴一覧（職員用）
func (s *Service) ListTransactions(ctx context.Context, f TransactionFilter, p Page) (TransactionListResponse, error) {
	items, total, err := s.txlog.ListTransactions(ctx, f, p)
	if err != nil {
		return TransactionListResponse{}, err
	}
	out := make([]TransactionResponse, 0, len(items))
	for _, t := range items {
		out = append(out, TransactionResponse{
			TxnULID:   t.TxnULID,
			Action:    t.Action,
			BookID:    t.BookID,
			StudentID: t.StudentID,
			ActedAt:   t.ActedAt,
		})
	}
	return TransactionListResponse{Items: out, Total: total}, nil
}

func (s *Service) appendTxn(ctx context.Context, action Action, bookID, studentID string) error {
	idStr, err := s.id.New()
	if err != nil {
		return err
	}
	return s.txlog.AppendTransaction(ctx, &Transaction{
		TxnULID:   idStr,
		Action:    action,
		BookID:    bookID,
		StudentID: studentID,
		ActedAt:   s.clock.Now(),
	})
}
