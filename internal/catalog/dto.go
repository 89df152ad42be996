package catalog

import "time"

// ===== Requests =====

type CreateBookRequest struct {
	BookID string  `json:"book_id" binding:"required"`
	Title  string  `json:"title" binding:"required"`
	ISBN   *string `json:"isbn,omitempty"`
}

type UpdateBookRequest struct {
	Title *string `json:"title,omitempty"`
	ISBN  *string `json:"isbn,omitempty"`
}

// ===== Responses =====

type BookResponse struct {
	BookID          string    `json:"book_id"`
	ISBN            string    `json:"isbn,omitempty"`
	Title           string    `json:"title"`
	Status          string    `json:"status"`
	HolderID        string    `json:"holder_id,omitempty"`
	HolderName      string    `json:"holder_name,omitempty"`
	ReservedForID   string    `json:"reserved_for_id,omitempty"`
	ReservedForName string    `json:"reserved_for_name,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type BookListResponse struct {
	Items []BookResponse `json:"items"`
	Total int64          `json:"total"`
}

type ImportBooksResponse struct {
	Total   int `json:"total"`
	OkCount int `json:"ok_count"`
}

// ===== Listing helpers =====

type Page struct {
	Limit  int
	Offset int
	Order  string // "asc" or "desc"
}

type BookSearchQuery struct {
	Status *string
	Title  *string // 部分一致
}
