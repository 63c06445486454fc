package catalog

import (
	"context"
	"time"

	"librarydesk/internal/apperr"
)

// Borrow record statuses.
const (
	StatusBorrowed = "borrowed"
	StatusReturned = "returned"
)

// Book is one catalog entry with its availability counter.
type Book struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Author      string  `json:"author"`
	ISBN        *string `json:"isbn,omitempty"`
	TotalCopies int     `json:"total_copies"`
	Available   int     `json:"available"`
}

// BorrowRecord tracks one copy lent to one student.
type BorrowRecord struct {
	ID         string     `json:"id"`
	StudentID  string     `json:"student_id"`
	BookID     string     `json:"book_id"`
	BorrowDate time.Time  `json:"borrow_date"`
	DueDate    time.Time  `json:"due_date"`
	ReturnDate *time.Time `json:"return_date,omitempty"`
	Status     string     `json:"status"`
	ApprovedBy *string    `json:"approved_by,omitempty"`
}

// Actor identifies the admin performing a direct ledger action.
type Actor struct {
	ID   string
	Name string
}

// Store is the book ledger persistence. Borrow and Return must apply the
// availability mutation, the record write, and the audit row in one
// transaction, holding 0 <= available <= total_copies throughout.
type Store interface {
	AddBook(ctx context.Context, b Book) (Book, error)
	GetBook(ctx context.Context, id string) (*Book, error)
	ListBooks(ctx context.Context) ([]Book, error)
	Borrow(ctx context.Context, studentID, bookID string, actor Actor, now, due time.Time, limit int) (BorrowRecord, error)
	Return(ctx context.Context, borrowID string, actor Actor, now time.Time) (BorrowRecord, error)
	BorrowedCount(ctx context.Context, studentID string) (int, error)
	ListBorrowsByStudent(ctx context.Context, studentID string) ([]BorrowRecord, error)
}

// DueDater supplies the closure-adjusted due date for a borrow starting now.
type DueDater interface {
	DueDate(ctx context.Context) time.Time
	Now() time.Time
}

// Service is the admin-facing book ledger: catalog management and the direct
// borrow/return path that bypasses the pending-request step while reusing the
// same invariant checks.
type Service struct {
	store       Store
	due         DueDater
	borrowLimit int
}

// NewService creates a catalog service.
func NewService(store Store, due DueDater, borrowLimit int) *Service {
	if borrowLimit <= 0 {
		borrowLimit = 2
	}
	return &Service{store: store, due: due, borrowLimit: borrowLimit}
}

// AddBook registers a catalog entry with all copies available.
func (s *Service) AddBook(ctx context.Context, title, author string, isbn *string, copies int) (Book, error) {
	if title == "" {
		return Book{}, apperr.New(apperr.Validation, "title required")
	}
	if copies <= 0 {
		return Book{}, apperr.New(apperr.Validation, "total copies must be positive")
	}
	return s.store.AddBook(ctx, Book{Title: title, Author: author, ISBN: isbn, TotalCopies: copies, Available: copies})
}

// GetBook returns a catalog entry.
func (s *Service) GetBook(ctx context.Context, id string) (*Book, error) {
	return s.store.GetBook(ctx, id)
}

// ListBooks returns the catalog.
func (s *Service) ListBooks(ctx context.Context) ([]Book, error) {
	return s.store.ListBooks(ctx)
}

// AdminBorrow lends a copy directly, skipping the approval queue. The store
// enforces availability and the per-student borrow cap at commit time.
func (s *Service) AdminBorrow(ctx context.Context, studentID, bookID string, actor Actor) (BorrowRecord, error) {
	if studentID == "" || bookID == "" {
		return BorrowRecord{}, apperr.New(apperr.Validation, "student and book required")
	}
	return s.store.Borrow(ctx, studentID, bookID, actor, s.due.Now(), s.due.DueDate(ctx), s.borrowLimit)
}

// AdminReturn completes a borrow record directly.
func (s *Service) AdminReturn(ctx context.Context, borrowID string, actor Actor) (BorrowRecord, error) {
	if borrowID == "" {
		return BorrowRecord{}, apperr.New(apperr.Validation, "borrow id required")
	}
	return s.store.Return(ctx, borrowID, actor, s.due.Now())
}

// BorrowsByStudent lists a student's borrow records.
func (s *Service) BorrowsByStudent(ctx context.Context, studentID string) ([]BorrowRecord, error) {
	return s.store.ListBorrowsByStudent(ctx, studentID)
}
