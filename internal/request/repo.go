package request

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"librarydesk/internal/apperr"
	"librarydesk/internal/attendance"
	"librarydesk/internal/audit"
	"librarydesk/internal/catalog"
	"librarydesk/internal/pcsession"
	"librarydesk/internal/store"
)

// Repository persists pending requests in Postgres. The partial unique
// index ux_pending_per_student enforces one pending row per student.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreatePending inserts a pending request.
func (r *Repository) CreatePending(ctx context.Context, req PendingRequest) (PendingRequest, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	var bookID, transactionID *string
	var pcNumber *int
	switch p := req.Payload.(type) {
	case BorrowBook:
		bookID = &p.BookID
	case ReturnBook:
		transactionID = &p.TransactionID
	case ReservePC:
		pcNumber = &p.PCNumber
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pending_requests (id, student_id, type, book_id, transaction_id, pc_number, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, req.ID, req.StudentID, req.Type, bookID, transactionID, pcNumber, req.Status, req.CreatedAt)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return PendingRequest{}, apperr.New(apperr.Conflict, "a pending request already exists")
		}
		return PendingRequest{}, apperr.Wrap(apperr.Internal, "insert pending request", err)
	}
	return req, nil
}

const requestColumns = `id, student_id, type, book_id, transaction_id, pc_number, status, created_at, approved_at, approved_by`

type requestRow struct {
	req           PendingRequest
	bookID        *string
	transactionID *string
	pcNumber      *int
}

func scanRequest(row interface{ Scan(dest ...any) error }) (*requestRow, error) {
	var rr requestRow
	err := row.Scan(&rr.req.ID, &rr.req.StudentID, &rr.req.Type, &rr.bookID, &rr.transactionID, &rr.pcNumber,
		&rr.req.Status, &rr.req.CreatedAt, &rr.req.ApprovedAt, &rr.req.ApprovedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "scan pending request", err)
	}
	switch rr.req.Type {
	case TypeBorrowBook:
		if rr.bookID != nil {
			rr.req.Payload = BorrowBook{BookID: *rr.bookID}
		}
	case TypeReturnBook:
		if rr.transactionID != nil {
			rr.req.Payload = ReturnBook{TransactionID: *rr.transactionID}
		}
	case TypeReservePC:
		if rr.pcNumber != nil {
			rr.req.Payload = ReservePC{PCNumber: *rr.pcNumber}
		}
	}
	// Unrecognised types load with a nil payload; the service treats them as
	// data-integrity failures and PurgeInvalid removes them.
	return &rr, nil
}

// Get returns a request by id, nil when absent.
func (r *Repository) Get(ctx context.Context, id string) (*PendingRequest, error) {
	rr, err := scanRequest(r.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM pending_requests WHERE id = $1
	`, id))
	if err != nil || rr == nil {
		return nil, err
	}
	return &rr.req, nil
}

// GetStudent returns the requesting student, nil when absent.
func (r *Repository) GetStudent(ctx context.Context, studentID string) (*attendance.Student, error) {
	var s attendance.Student
	err := r.db.QueryRowContext(ctx, `
		SELECT id, student_number, name, role, created_at FROM students WHERE id = $1
	`, studentID).Scan(&s.ID, &s.StudentNumber, &s.Name, &s.Role, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "query student", err)
	}
	return &s, nil
}

// ListPending returns requests awaiting a decision, oldest first.
func (r *Repository) ListPending(ctx context.Context) ([]PendingRequest, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM pending_requests
		WHERE status = $1 ORDER BY created_at ASC
	`, StatusPending)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list pending requests", err)
	}
	defer rows.Close()
	var res []PendingRequest
	for rows.Next() {
		rr, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rr.req)
	}
	return res, rows.Err()
}

// takePending locks the request row and flips it to the terminal status.
// Returns Conflict when the row already left pending, so a racing decision
// applies at most once.
func takePending(ctx context.Context, tx *sql.Tx, requestID, terminal string, actor catalog.Actor, now time.Time) (*requestRow, error) {
	rr, err := scanRequest(tx.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM pending_requests WHERE id = $1 FOR UPDATE
	`, requestID))
	if err != nil {
		return nil, err
	}
	if rr == nil {
		return nil, apperr.New(apperr.NotFound, "request not found")
	}
	if rr.req.Status != StatusPending {
		return nil, apperr.New(apperr.Conflict, "request already processed")
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE pending_requests SET status = $2, approved_at = $3, approved_by = $4 WHERE id = $1
	`, requestID, terminal, now, actor.ID); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "update request status", err)
	}
	rr.req.Status = terminal
	rr.req.ApprovedAt = &now
	rr.req.ApprovedBy = &actor.ID
	return rr, nil
}

func (r *Repository) decide(ctx context.Context, requestID, terminal, action string, actor catalog.Actor, now time.Time,
	apply func(tx *sql.Tx, rr *requestRow) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "begin decision", err)
	}
	defer tx.Rollback()

	rr, err := takePending(ctx, tx, requestID, terminal, actor, now)
	if err != nil {
		return err
	}
	if apply != nil {
		if err := apply(tx, rr); err != nil {
			return err
		}
	}
	if err := audit.Insert(ctx, tx, audit.Entry{
		AdminID:    actor.ID,
		AdminName:  actor.Name,
		Action:     action,
		TargetType: "request",
		TargetID:   requestID,
		Details:    rr.req.Type,
		CreatedAt:  now,
	}); err != nil {
		return apperr.Wrap(apperr.Internal, "append admin log", err)
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.Internal, "commit decision", err)
	}
	return nil
}

// ApproveBorrow approves a borrow request and lends the copy atomically.
func (r *Repository) ApproveBorrow(ctx context.Context, requestID string, actor catalog.Actor, now, due time.Time, limit int) (catalog.BorrowRecord, error) {
	var rec catalog.BorrowRecord
	err := r.decide(ctx, requestID, StatusApproved, "approve_borrow", actor, now, func(tx *sql.Tx, rr *requestRow) error {
		if rr.bookID == nil {
			return apperr.New(apperr.Validation, "request has no book id")
		}
		var err error
		rec, err = catalog.BorrowInTx(ctx, tx, rr.req.StudentID, *rr.bookID, actor, now, due, limit)
		return err
	})
	return rec, err
}

// ApproveReturn approves a return request and releases the copy atomically.
func (r *Repository) ApproveReturn(ctx context.Context, requestID string, actor catalog.Actor, now time.Time) (catalog.BorrowRecord, error) {
	var rec catalog.BorrowRecord
	err := r.decide(ctx, requestID, StatusApproved, "approve_return", actor, now, func(tx *sql.Tx, rr *requestRow) error {
		if rr.transactionID == nil {
			return apperr.New(apperr.Validation, "request has no transaction id")
		}
		var err error
		rec, err = catalog.ReturnInTx(ctx, tx, *rr.transactionID, actor, now)
		return err
	})
	return rec, err
}

// ApproveReservePC approves a PC request, occupying or queueing atomically.
func (r *Repository) ApproveReservePC(ctx context.Context, requestID string, actor catalog.Actor, now time.Time) (pcsession.Session, error) {
	var sess pcsession.Session
	err := r.decide(ctx, requestID, StatusApproved, "approve_reserve_pc", actor, now, func(tx *sql.Tx, rr *requestRow) error {
		if rr.pcNumber == nil {
			return apperr.New(apperr.Validation, "request has no pc number")
		}
		var err error
		sess, err = pcsession.CreateInTx(ctx, tx, rr.req.StudentID, *rr.pcNumber, now)
		return err
	})
	return sess, err
}

// Reject marks the request rejected with no ledger effect.
func (r *Repository) Reject(ctx context.Context, requestID string, actor catalog.Actor, now time.Time) error {
	return r.decide(ctx, requestID, StatusRejected, "reject_request", actor, now, nil)
}

// PurgeInvalid deletes pending rows whose type is not recognised.
func (r *Repository) PurgeInvalid(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM pending_requests
		WHERE status = $1 AND type NOT IN ($2, $3, $4)
	`, StatusPending, TypeBorrowBook, TypeReturnBook, TypeReservePC)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "purge invalid requests", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
