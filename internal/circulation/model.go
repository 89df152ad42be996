package circulation

import "time"

// 蔵書ステータス
type BookStatus string

const (
	StatusAvailable BookStatus = "Available"
	StatusBorrowed  BookStatus = "Borrowed"
	StatusReserved  BookStatus = "Reserved"
)

// 取引種別
type Action string

const (
	ActionBorrow Action = "Borrow"
	ActionReturn Action = "Return"
)

// Book は books テーブルの1行を表す
// Borrowed のときだけ Holder 系、Reserved のときだけ ReservedFor 系が入る
type Book struct {
	BookID          string
	ISBN            string
	Title           string
	Status          BookStatus
	HolderID        string
	HolderName      string
	ReservedForID   string
	ReservedForName string
}

// BookUpdate は貸出エンジンが books に適用する部分更新（4項目+status）
type BookUpdate struct {
	Status          BookStatus
	HolderID        string
	HolderName      string
	ReservedForID   string
	ReservedForName string
}

// Student は students テーブルの1行。貸出エンジンからは参照のみ
type Student struct {
	StudentID string
	Name      string
	Secret    string
}

// WaitEntry は wait_entries テーブルの1行を表す
// 同一 book_id 内の順序は entry_id 昇順（挿入順 = 先着順）
type WaitEntry struct {
	EntryID   int64
	EntryULID string
	BookID    string
	StudentID string
	QueuedAt  time.Time
}

// Transaction は transactions テーブルの1行（追記専用、エンジンからは読まない）
type Transaction struct {
	TxnID     int64
	TxnULID   string
	Action    Action
	BookID    string
	StudentID string
	ActedAt   time.Time
}

// 貸出履歴の検索条件
type TransactionFilter struct {
	BookID    *string
	StudentID *string
	Action    *Action
}

type Page struct {
	Limit  int
	Offset int
	Order  string // "asc" or "desc"
}
