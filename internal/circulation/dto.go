package circulation

import "time"

// 借りるリクエスト
// secret は students.secret と前後空白を除いてそのまま比較する
type BorrowRequest struct {
	BookID    string `json:"book_id" binding:"required"`
	StudentID string `json:"student_id" binding:"required"`
	Secret    string `json:"secret" binding:"required"`
}

// 返すリクエスト
// student_id は記録用。現在の保持者と一致するかは検証しない（仕様）
type ReturnRequest struct {
	BookID    string `json:"book_id" binding:"required"`
	StudentID string `json:"student_id" binding:"required"`
}

// 順番待ちリクエスト
type QueueRequest struct {
	BookID    string `json:"book_id" binding:"required"`
	StudentID string `json:"student_id" binding:"required"`
}

// 借りる/返すの結果
// success=false でも HTTP 200（在庫切れ等は正常系の否定応答として返す）
type ActionResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	Title       string `json:"title,omitempty"`
	CanQueue    bool   `json:"can_queue,omitempty"`
	ReservedFor string `json:"reserved_for,omitempty"`
	PromotedTo  string `json:"promoted_to,omitempty"`
}

// 順番待ちの結果
type QueueResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Position int    `json:"position"`
}

// スキャン（状態照会）の結果
type ScanResponse struct {
	BookID          string     `json:"book_id"`
	Title           string     `json:"title"`
	Status          BookStatus `json:"status"`
	HolderID        string     `json:"holder_id,omitempty"`
	HolderName      string     `json:"holder_name,omitempty"`
	ReservedForID   string     `json:"reserved_for_id,omitempty"`
	ReservedForName string     `json:"reserved_for_name,omitempty"`
	Message         string     `json:"message,omitempty"`
}

// 順番待ち一覧の1行
type WaitEntryResponse struct {
	Position  int       `json:"position"`
	StudentID string    `json:"student_id"`
	QueuedAt  time.Time `json:"queued_at"`
}

// 貸出履歴の1行
type TransactionResponse struct {
	TxnULID   string    `json:"txn_ulid"`
	Action    Action    `json:"action"`
	BookID    string    `json:"book_id"`
	StudentID string    `json:"student_id"`
	ActedAt   time.Time `json:"acted_at"`
}

type TransactionListResponse struct {
	Items []TransactionResponse `json:"items"`
	Total int64                 `json:"total"`
}
