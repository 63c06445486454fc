package catalog

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"librarydesk/internal/apperr"
	"librarydesk/internal/audit"
)

// Repository persists the book ledger in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// AddBook inserts a catalog entry.
func (r *Repository) AddBook(ctx context.Context, b Book) (Book, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO books (id, title, author, isbn, total_copies, available)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, b.ID, b.Title, b.Author, b.ISBN, b.TotalCopies, b.Available)
	if err != nil {
		return Book{}, apperr.Wrap(apperr.Internal, "insert book", err)
	}
	return b, nil
}

// GetBook returns a catalog entry, nil when absent.
func (r *Repository) GetBook(ctx context.Context, id string) (*Book, error) {
	var b Book
	err := r.db.QueryRowContext(ctx, `
		SELECT id, title, author, isbn, total_copies, available
		FROM books WHERE id = $1
	`, id).Scan(&b.ID, &b.Title, &b.Author, &b.ISBN, &b.TotalCopies, &b.Available)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "query book", err)
	}
	return &b, nil
}

// ListBooks returns the catalog ordered by title.
func (r *Repository) ListBooks(ctx context.Context) ([]Book, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, title, author, isbn, total_copies, available
		FROM books ORDER BY title
	`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list books", err)
	}
	defer rows.Close()
	var res []Book
	for rows.Next() {
		var b Book
		if err := rows.Scan(&b.ID, &b.Title, &b.Author, &b.ISBN, &b.TotalCopies, &b.Available); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan book", err)
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// Borrow lends a copy in one transaction: lock the student row to serialize
// per-student borrows, re-check the cap, take a copy with a bounded
// decrement, write the record and the audit row.
func (r *Repository) Borrow(ctx context.Context, studentID, bookID string, actor Actor, now, due time.Time, limit int) (BorrowRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return BorrowRecord{}, apperr.Wrap(apperr.Internal, "begin borrow", err)
	}
	defer tx.Rollback()

	rec, err := BorrowInTx(ctx, tx, studentID, bookID, actor, now, due, limit)
	if err != nil {
		return BorrowRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return BorrowRecord{}, apperr.Wrap(apperr.Internal, "commit borrow", err)
	}
	return rec, nil
}

// BorrowInTx applies the borrow ledger mutation inside the caller's
// transaction; the request workflow reuses it so approval and borrow commit
// together.
func BorrowInTx(ctx context.Context, tx *sql.Tx, studentID, bookID string, actor Actor, now, due time.Time, limit int) (BorrowRecord, error) {
	var lockedID string
	err := tx.QueryRowContext(ctx, `SELECT id FROM students WHERE id = $1 FOR UPDATE`, studentID).Scan(&lockedID)
	if errors.Is(err, sql.ErrNoRows) {
		return BorrowRecord{}, apperr.New(apperr.NotFound, "student not found")
	}
	if err != nil {
		return BorrowRecord{}, apperr.Wrap(apperr.Internal, "lock student", err)
	}

	var borrowed int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM borrow_records WHERE student_id = $1 AND status = $2
	`, studentID, StatusBorrowed).Scan(&borrowed); err != nil {
		return BorrowRecord{}, apperr.Wrap(apperr.Internal, "count borrows", err)
	}
	if borrowed >= limit {
		return BorrowRecord{}, apperr.Newf(apperr.Capacity, "borrow limit of %d reached", limit)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE books SET available = available - 1
		WHERE id = $1 AND available > 0
	`, bookID)
	if err != nil {
		return BorrowRecord{}, apperr.Wrap(apperr.Internal, "decrement availability", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM books WHERE id = $1)`, bookID).Scan(&exists); err != nil {
			return BorrowRecord{}, apperr.Wrap(apperr.Internal, "query book", err)
		}
		if !exists {
			return BorrowRecord{}, apperr.New(apperr.NotFound, "book not found")
		}
		return BorrowRecord{}, apperr.New(apperr.Capacity, "book not available")
	}

	rec := BorrowRecord{
		ID:         uuid.NewString(),
		StudentID:  studentID,
		BookID:     bookID,
		BorrowDate: now,
		DueDate:    due,
		Status:     StatusBorrowed,
		ApprovedBy: &actor.ID,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO borrow_records (id, student_id, book_id, borrow_date, due_date, status, approved_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rec.ID, rec.StudentID, rec.BookID, rec.BorrowDate, rec.DueDate, rec.Status, rec.ApprovedBy); err != nil {
		return BorrowRecord{}, apperr.Wrap(apperr.Internal, "insert borrow record", err)
	}

	if err := audit.Insert(ctx, tx, audit.Entry{
		AdminID:    actor.ID,
		AdminName:  actor.Name,
		Action:     "borrow",
		TargetType: "book",
		TargetID:   bookID,
		Details:    "borrow record " + rec.ID,
		CreatedAt:  now,
	}); err != nil {
		return BorrowRecord{}, apperr.Wrap(apperr.Internal, "append admin log", err)
	}
	return rec, nil
}

// Return completes a borrow record and releases the copy, capped so a
// spurious call can never push available past total_copies.
func (r *Repository) Return(ctx context.Context, borrowID string, actor Actor, now time.Time) (BorrowRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return BorrowRecord{}, apperr.Wrap(apperr.Internal, "begin return", err)
	}
	defer tx.Rollback()

	rec, err := ReturnInTx(ctx, tx, borrowID, actor, now)
	if err != nil {
		return BorrowRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return BorrowRecord{}, apperr.Wrap(apperr.Internal, "commit return", err)
	}
	return rec, nil
}

// ReturnInTx applies the return ledger mutation inside the caller's
// transaction.
func ReturnInTx(ctx context.Context, tx *sql.Tx, borrowID string, actor Actor, now time.Time) (BorrowRecord, error) {
	var rec BorrowRecord
	err := tx.QueryRowContext(ctx, `
		UPDATE borrow_records
		SET status = $2, return_date = $3
		WHERE id = $1 AND status = $4
		RETURNING id, student_id, book_id, borrow_date, due_date, return_date, status, approved_by
	`, borrowID, StatusReturned, now, StatusBorrowed).
		Scan(&rec.ID, &rec.StudentID, &rec.BookID, &rec.BorrowDate, &rec.DueDate, &rec.ReturnDate, &rec.Status, &rec.ApprovedBy)
	if errors.Is(err, sql.ErrNoRows) {
		var status string
		qerr := tx.QueryRowContext(ctx, `SELECT status FROM borrow_records WHERE id = $1`, borrowID).Scan(&status)
		if errors.Is(qerr, sql.ErrNoRows) {
			return BorrowRecord{}, apperr.New(apperr.NotFound, "borrow record not found")
		}
		if qerr != nil {
			return BorrowRecord{}, apperr.Wrap(apperr.Internal, "query borrow record", qerr)
		}
		return BorrowRecord{}, apperr.New(apperr.Conflict, "book already returned")
	}
	if err != nil {
		return BorrowRecord{}, apperr.Wrap(apperr.Internal, "mark returned", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE books SET available = LEAST(available + 1, total_copies) WHERE id = $1
	`, rec.BookID); err != nil {
		return BorrowRecord{}, apperr.Wrap(apperr.Internal, "increment availability", err)
	}

	if err := audit.Insert(ctx, tx, audit.Entry{
		AdminID:    actor.ID,
		AdminName:  actor.Name,
		Action:     "return",
		TargetType: "book",
		TargetID:   rec.BookID,
		Details:    "borrow record " + rec.ID,
		CreatedAt:  now,
	}); err != nil {
		return BorrowRecord{}, apperr.Wrap(apperr.Internal, "append admin log", err)
	}
	return rec, nil
}

// BorrowedCount returns how many copies the student currently holds.
func (r *Repository) BorrowedCount(ctx context.Context, studentID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM borrow_records WHERE student_id = $1 AND status = $2
	`, studentID, StatusBorrowed).Scan(&n)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "count borrows", err)
	}
	return n, nil
}

// ListBorrowsByStudent returns a student's borrow history, newest first.
func (r *Repository) ListBorrowsByStudent(ctx context.Context, studentID string) ([]BorrowRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, book_id, borrow_date, due_date, return_date, status, approved_by
		FROM borrow_records
		WHERE student_id = $1
		ORDER BY borrow_date DESC
	`, studentID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list borrows", err)
	}
	defer rows.Close()
	var res []BorrowRecord
	for rows.Next() {
		var rec BorrowRecord
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.BookID, &rec.BorrowDate, &rec.DueDate, &rec.ReturnDate, &rec.Status, &rec.ApprovedBy); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan borrow record", err)
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
