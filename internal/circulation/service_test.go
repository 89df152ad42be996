package circulation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ===== インメモリ実装（テスト用） =====

type memDirectory struct {
	mu       sync.Mutex
	students map[string]Student
}

func (d *memDirectory) FindStudent(_ context.Context, id string) (*Student, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.students[id]
	if !ok {
		return nil, nil
	}
	cp := st
	return &cp, nil
}

type memCatalog struct {
	mu      sync.Mutex
	books   map[string]Book
	updates int
}

func (c *memCatalog) FindBook(_ context.Context, id string) (*Book, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.books[id]
	if !ok {
		return nil, nil
	}
	cp := b
	return &cp, nil
}

func (c *memCatalog) UpdateBook(_ context.Context, id string, u BookUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.books[id]
	if !ok {
		return ErrInternal("update on missing book")
	}
	b.Status = u.Status
	b.HolderID = u.HolderID
	b.HolderName = u.HolderName
	b.ReservedForID = u.ReservedForID
	b.ReservedForName = u.ReservedForName
	c.books[id] = b
	c.updates++
	return nil
}

type memWaitlist struct {
	mu      sync.Mutex
	entries []WaitEntry
	nextID  int64
	// 順位最小選択の検証用。trueだとListEntriesを逆順で返す
	reversed bool
}

func (w *memWaitlist) ListEntries(_ context.Context, bookID string) ([]WaitEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []WaitEntry
	for _, e := range w.entries {
		if e.BookID == bookID {
			out = append(out, e)
		}
	}
	if w.reversed {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (w *memWaitlist) AppendEntry(_ context.Context, e *WaitEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	e.EntryID = w.nextID
	w.entries = append(w.entries, *e)
	return nil
}

func (w *memWaitlist) RemoveEntry(_ context.Context, entryID int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, e := range w.entries {
		if e.EntryID == entryID {
			w.entries = append(w.entries[:i], w.entries[i+1:]...)
			return nil
		}
	}
	return ErrInternal("failed to remove wait entry")
}

type memTxnLog struct {
	mu         sync.Mutex
	items      []Transaction
	failAppend bool
}

func (l *memTxnLog) AppendTransaction(_ context.Context, t *Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failAppend {
		return ErrInternal("transaction log unavailable")
	}
	l.items = append(l.items, *t)
	return nil
}

func (l *memTxnLog) ListTransactions(_ context.Context, f TransactionFilter, _ Page) ([]Transaction, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Transaction
	for _, t := range l.items {
		if f.BookID != nil && t.BookID != *f.BookID {
			continue
		}
		if f.StudentID != nil && t.StudentID != *f.StudentID {
			continue
		}
		if f.Action != nil && t.Action != *f.Action {
			continue
		}
		out = append(out, t)
	}
	return out, int64(len(out)), nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) New() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("TEST%08d", g.n), nil
}

// ===== fixtures =====

type fixture struct {
	svc *Service
	dir *memDirectory
	cat *memCatalog
	wl  *memWaitlist
	log *memTxnLog
}

func newFixture() *fixture {
	dir := &memDirectory{students: map[string]Student{
		"S1": {StudentID: "S1", Name: "Alice Chen", Secret: "pw-s1"},
		"S2": {StudentID: "S2", Name: "Bob Lin", Secret: "pw-s2"},
		"S3": {StudentID: "S3", Name: "Carol Wu", Secret: "pw-s3"},
		"S4": {StudentID: "S4", Name: "Dave Huang", Secret: "pw-s4"},
	}}
	cat := &memCatalog{books: map[string]Book{
		"B1": {BookID: "B1", ISBN: "9780000000001", Title: "The Go Programming Language", Status: StatusAvailable},
		"B2": {BookID: "B2", ISBN: "9780000000002", Title: "Compilers", Status: StatusAvailable},
	}}
	wl := &memWaitlist{}
	log := &memTxnLog{}
	svc := newService(dir, cat, wl, log, fixedClock{t: time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)}, &seqIDGen{})
	return &fixture{svc: svc, dir: dir, cat: cat, wl: wl, log: log}
}

func (f *fixture) book(t *testing.T, id string) Book {
	t.Helper()
	b, err := f.cat.FindBook(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, b)
	return *b
}

// status=Borrowed ⇔ 保持者あり、status=Reserved ⇔ 予約者あり、両方同時はなし
func assertBookInvariant(t *testing.T, b Book) {
	t.Helper()
	switch b.Status {
	case StatusBorrowed:
		assert.NotEmpty(t, b.HolderID)
		assert.Empty(t, b.ReservedForID)
		assert.Empty(t, b.ReservedForName)
	case StatusReserved:
		assert.NotEmpty(t, b.ReservedForID)
		assert.Empty(t, b.HolderID)
		assert.Empty(t, b.HolderName)
	case StatusAvailable:
		assert.Empty(t, b.HolderID)
		assert.Empty(t, b.HolderName)
		assert.Empty(t, b.ReservedForID)
		assert.Empty(t, b.ReservedForName)
	default:
		t.Fatalf("unexpected status %q", b.Status)
	}
}

// ===== Borrow =====

func TestBorrowAvailableBook(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	res, err := f.svc.Borrow(ctx, BorrowRequest{BookID: "B1", StudentID: "S1", Secret: "pw-s1"})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "The Go Programming Language", res.Title)

	b := f.book(t, "B1")
	assert.Equal(t, StatusBorrowed, b.Status)
	assert.Equal(t, "S1", b.HolderID)
	assert.Equal(t, "Alice Chen", b.HolderName)
	assertBookInvariant(t, b)

	require.Len(t, f.log.items, 1)
	assert.Equal(t, ActionBorrow, f.log.items[0].Action)
	assert.Equal(t, "B1", f.log.items[0].BookID)
	assert.Equal(t, "S1", f.log.items[0].StudentID)
}

func TestBorrowUnknownStudent(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Borrow(context.Background(), BorrowRequest{BookID: "B1", StudentID: "NOPE", Secret: "x"})
	require.Error(t, err)

	api, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, CodeNotFound, api.Code)

	assert.Equal(t, StatusAvailable, f.book(t, "B1").Status)
	assert.Empty(t, f.log.items)
}

func TestBorrowUnknownBook(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Borrow(context.Background(), BorrowRequest{BookID: "NOPE", StudentID: "S1", Secret: "pw-s1"})
	require.Error(t, err)

	api, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, CodeNotFound, api.Code)
}

func TestBorrowWrongSecret(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Borrow(context.Background(), BorrowRequest{BookID: "B1", StudentID: "S1", Secret: "wrong"})
	require.Error(t, err)

	api, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, CodeUnauthorized, api.Code)

	// 状態もログも変わらない
	assert.Equal(t, StatusAvailable, f.book(t, "B1").Status)
	assert.Zero(t, f.cat.updates)
	assert.Empty(t, f.log.items)
}

func TestBorrowSecretComparedTrimmed(t *testing.T) {
	f := newFixture()

	res, err := f.svc.Borrow(context.Background(), BorrowRequest{BookID: "B1", StudentID: "S1", Secret: "  pw-s1\n"})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestBorrowAlreadyBorrowed(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.Borrow(ctx, BorrowRequest{BookID: "B1", StudentID: "S1", Secret: "pw-s1"})
	require.NoError(t, err)
	updatesBefore := f.cat.updates

	res, err := f.svc.Borrow(ctx, BorrowRequest{BookID: "B1", StudentID: "S2", Secret: "pw-s2"})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.True(t, res.CanQueue)

	// 否定応答では何も書かない
	b := f.book(t, "B1")
	assert.Equal(t, StatusBorrowed, b.Status)
	assert.Equal(t, "S1", b.HolderID)
	assert.Equal(t, updatesBefore, f.cat.updates)
	assert.Len(t, f.log.items, 1)
}

func TestBorrowTwiceSameArguments(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	req := BorrowRequest{BookID: "B1", StudentID: "S1", Secret: "pw-s1"}

	first, err := f.svc.Borrow(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Success)

	// 同一引数でも2回目はBorrowed分岐に落ちる（冪等ではない）
	second, err := f.svc.Borrow(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.True(t, second.CanQueue)
}

func TestBorrowReservedForOther(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// B1をS2のために予約状態にする
	_, err := f.svc.Borrow(ctx, BorrowRequest{BookID: "B1", StudentID: "S1", Secret: "pw-s1"})
	require.NoError(t, err)
	_, err = f.svc.Enqueue(ctx, QueueRequest{BookID: "B1", StudentID: "S2"})
	require.NoError(t, err)
	_, err = f.svc.Return(ctx, ReturnRequest{BookID: "B1", StudentID: "S1"})
	require.NoError(t, err)
	require.Equal(t, StatusReserved, f.book(t, "B1").Status)

	updatesBefore := f.cat.updates

	// S3は借りられない。予約者の名前入りで断られる
	res, err := f.svc.Borrow(ctx, BorrowRequest{BookID: "B1", StudentID: "S3", Secret: "pw-s3"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "S2", res.ReservedFor)
	assert.Contains(t, res.Message, "Bob Lin")
	assert.Equal(t, updatesBefore, f.cat.updates)

	// 予約本人のS2は借りられて、予約欄がクリアされる
	res, err = f.svc.Borrow(ctx, BorrowRequest{BookID: "B1", StudentID: "S2", Secret: "pw-s2"})
	require.NoError(t, err)
	assert.True(t, res.Success)

	b := f.book(t, "B1")
	assert.Equal(t, StatusBorrowed, b.Status)
	assert.Equal(t, "S2", b.HolderID)
	assert.Empty(t, b.ReservedForID)
	assertBookInvariant(t, b)
}

func TestBorrowLogAppendFailureIsSurfaced(t *testing.T) {
	f := newFixture()
	f.log.failAppend = true

	_, err := f.svc.Borrow(context.Background(), BorrowRequest{BookID: "B1", StudentID: "S1", Secret: "pw-s1"})
	require.Error(t, err)

	// 台帳更新はロールバックしない（許容された部分適用）
	b := f.book(t, "B1")
	assert.Equal(t, StatusBorrowed, b.Status)
	assert.Equal(t, "S1", b.HolderID)
}

// ===== Return =====

func TestReturnWithEmptyQueue(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.Borrow(ctx, BorrowRequest{BookID: "B1", StudentID: "S1", Secret: "pw-s1"})
	require.NoError(t, err)

	res, err := f.svc.Return(ctx, ReturnRequest{BookID: "B1", StudentID: "S1"})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Empty(t, res.PromotedTo)

	b := f.book(t, "B1")
	assert.Equal(t, StatusAvailable, b.Status)
	assertBookInvariant(t, b)

	require.Len(t, f.log.items, 2)
	assert.Equal(t, ActionReturn, f.log.items[1].Action)
}

func TestReturnPromotesEarliestEntrant(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.Borrow(ctx, BorrowRequest{BookID: "B1", StudentID: "S1", Secret: "pw-s1"})
	require.NoError(t, err)

	// S2 → S3 の順で並ぶ
	q2, err := f.svc.Enqueue(ctx, QueueRequest{BookID: "B1", StudentID: "S2"})
	require.NoError(t, err)
	assert.Equal(t, 1, q2.Position)
	q3, err := f.svc.Enqueue(ctx, QueueRequest{BookID: "B1", StudentID: "S3"})
	require.NoError(t, err)
	assert.Equal(t, 2, q3.Position)

	res, err := f.svc.Return(ctx, ReturnRequest{BookID: "B1", StudentID: "S1"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "S2", res.PromotedTo)
	assert.Contains(t, res.Message, "Bob Lin")

	b := f.book(t, "B1")
	assert.Equal(t, StatusReserved, b.Status)
	assert.Equal(t, "S2", b.ReservedForID)
	assert.Equal(t, "Bob Lin", b.ReservedForName)
	assertBookInvariant(t, b)

	// S2の1件だけ消えて、S3が先頭(position 1)に繰り上がる
	queue, err := f.svc.ListQueue(ctx, "B1")
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, "S3", queue[0].StudentID)
	assert.Equal(t, 1, queue[0].Position)
}

func TestReturnPicksSmallestEntryIDEvenIfListUnordered(t *testing.T) {
	f := newFixture()
	f.wl.reversed = true
	ctx := context.Background()

	_, err := f.svc.Borrow(ctx, BorrowRequest{BookID: "B1", StudentID: "S1", Secret: "pw-s1"})
	require.NoError(t, err)
	_, err = f.svc.Enqueue(ctx, QueueRequest{BookID: "B1", StudentID: "S2"})
	require.NoError(t, err)
	_, err = f.svc.Enqueue(ctx, QueueRequest{BookID: "B1", StudentID: "S3"})
	require.NoError(t, err)

	// 並びが逆でも最初に並んだS2が昇格する（先頭ではなく順位最小を選ぶ）
	res, err := f.svc.Return(ctx, ReturnRequest{BookID: "B1", StudentID: "S1"})
	require.NoError(t, err)
	assert.Equal(t, "S2", res.PromotedTo)
}

func TestReturnPreservesRemainingOrder(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.Borrow(ctx, BorrowRequest{BookID: "B1", StudentID: "S1", Secret: "pw-s1"})
	require.NoError(t, err)
	for _, id := range []string{"S2", "S3", "S4"} {
		_, err = f.svc.Enqueue(ctx, QueueRequest{BookID: "B1", StudentID: id})
		require.NoError(t, err)
	}

	_, err = f.svc.Return(ctx, ReturnRequest{BookID: "B1", StudentID: "S1"})
	require.NoError(t, err)

	queue, err := f.svc.ListQueue(ctx, "B1")
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, "S3", queue[0].StudentID)
	assert.Equal(t, "S4", queue[1].StudentID)
}

func TestReturnUnknownBook(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Return(context.Background(), ReturnRequest{BookID: "NOPE", StudentID: "S1"})
	require.Error(t, err)

	api, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, CodeNotFound, api.Code)
}

func TestReturnRecordsSuppliedStudentID(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.Borrow(ctx, BorrowRequest{BookID: "B1", StudentID: "S1", Secret: "pw-s1"})
	require.NoError(t, err)

	// 保持者はS1だが、S9を名乗った返却でもそのまま記録される（既知の信頼ギャップ）
	_, err = f.svc.Return(ctx, ReturnRequest{BookID: "B1", StudentID: "S9"})
	require.NoError(t, err)

	require.Len(t, f.log.items, 2)
	assert.Equal(t, "S9", f.log.items[1].StudentID)
}

// ===== Enqueue =====

func TestEnqueuePositionIsCountAfterInsert(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	q1, err := f.svc.Enqueue(ctx, QueueRequest{BookID: "B1", StudentID: "S2"})
	require.NoError(t, err)
	assert.Equal(t, 1, q1.Position)

	q2, err := f.svc.Enqueue(ctx, QueueRequest{BookID: "B1", StudentID: "S3"})
	require.NoError(t, err)
	assert.Equal(t, 2, q2.Position)

	// 別の本の列は独立
	o1, err := f.svc.Enqueue(ctx, QueueRequest{BookID: "B2", StudentID: "S4"})
	require.NoError(t, err)
	assert.Equal(t, 1, o1.Position)

	// 蔵書台帳は触らない
	assert.Zero(t, f.cat.updates)
}

func TestEnqueueDuplicateIsAccepted(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// 同じ学生が同じ本に何度でも並べる（重複ガードなしは仕様上の既知のギャップ）
	for want := 1; want <= 3; want++ {
		q, err := f.svc.Enqueue(ctx, QueueRequest{BookID: "B1", StudentID: "S2"})
		require.NoError(t, err)
		assert.Equal(t, want, q.Position)
	}
}

func TestEnqueueUnknownBook(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Enqueue(context.Background(), QueueRequest{BookID: "NOPE", StudentID: "S2"})
	require.Error(t, err)

	api, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, CodeNotFound, api.Code)
}

// ===== Scan =====

func TestScanStatuses(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	res, err := f.svc.Scan(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, res.Status)
	assert.NotEmpty(t, res.Message)

	_, err = f.svc.Borrow(ctx, BorrowRequest{BookID: "B1", StudentID: "S1", Secret: "pw-s1"})
	require.NoError(t, err)

	res, err = f.svc.Scan(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, StatusBorrowed, res.Status)
	assert.Equal(t, "S1", res.HolderID)
	assert.Contains(t, res.Message, "waiting list")

	// Reserved はメッセージを付けない
	_, err = f.svc.Enqueue(ctx, QueueRequest{BookID: "B1", StudentID: "S2"})
	require.NoError(t, err)
	_, err = f.svc.Return(ctx, ReturnRequest{BookID: "B1", StudentID: "S1"})
	require.NoError(t, err)

	res, err = f.svc.Scan(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, StatusReserved, res.Status)
	assert.Equal(t, "S2", res.ReservedForID)
	assert.Empty(t, res.Message)
}

func TestScanUnknownBook(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Scan(context.Background(), "NOPE")
	require.Error(t, err)

	api, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, CodeNotFound, api.Code)
}

// ===== 履歴 =====

func TestListTransactionsFilters(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.Borrow(ctx, BorrowRequest{BookID: "B1", StudentID: "S1", Secret: "pw-s1"})
	require.NoError(t, err)
	_, err = f.svc.Return(ctx, ReturnRequest{BookID: "B1", StudentID: "S1"})
	require.NoError(t, err)
	_, err = f.svc.Borrow(ctx, BorrowRequest{BookID: "B2", StudentID: "S2", Secret: "pw-s2"})
	require.NoError(t, err)

	all, err := f.svc.ListTransactions(ctx, TransactionFilter{}, Page{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), all.Total)

	borrow := ActionBorrow
	onlyBorrow, err := f.svc.ListTransactions(ctx, TransactionFilter{Action: &borrow}, Page{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), onlyBorrow.Total)

	b1 := "B1"
	onlyB1, err := f.svc.ListTransactions(ctx, TransactionFilter{BookID: &b1}, Page{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), onlyB1.Total)
}

// ===== 並行性 =====

func TestConcurrentBorrowSingleWinner(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	const clients = 4
	students := []string{"S1", "S2", "S3", "S4"}
	secrets := []string{"pw-s1", "pw-s2", "pw-s3", "pw-s4"}

	var wg sync.WaitGroup
	wg.Add(clients)
	start := make(chan struct{})
	results := make([]ActionResponse, clients)
	errs := make([]error, clients)

	for i := 0; i < clients; i++ {
		i := i
		go func() {
			defer wg.Done()
			<-start
			results[i], errs[i] = f.svc.Borrow(ctx, BorrowRequest{
				BookID: "B1", StudentID: students[i], Secret: secrets[i],
			})
		}()
	}
	close(start)
	wg.Wait()

	winners := 0
	for i := 0; i < clients; i++ {
		require.NoError(t, errs[i])
		if results[i].Success {
			winners++
		} else {
			assert.True(t, results[i].CanQueue)
		}
	}
	assert.Equal(t, 1, winners)

	b := f.book(t, "B1")
	assert.Equal(t, StatusBorrowed, b.Status)
	assertBookInvariant(t, b)
	assert.Len(t, f.log.items, 1)
}
