package request

import (
	"context"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"librarydesk/internal/apperr"
	"librarydesk/internal/attendance"
	"librarydesk/internal/catalog"
	"librarydesk/internal/pcsession"
)

// Decisions an admin can take on a pending request.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

var decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "librarydesk_request_decisions_total",
	Help: "Pending-request decisions applied, by outcome.",
}, []string{"decision"})

// Store is the workflow persistence. CreatePending must reject a second
// pending row per student; each Approve method must flip the request out of
// pending and apply the ledger mutation in one transaction, so a ledger
// failure leaves the request pending.
type Store interface {
	CreatePending(ctx context.Context, req PendingRequest) (PendingRequest, error)
	Get(ctx context.Context, id string) (*PendingRequest, error)
	GetStudent(ctx context.Context, studentID string) (*attendance.Student, error)
	ListPending(ctx context.Context) ([]PendingRequest, error)
	ApproveBorrow(ctx context.Context, requestID string, actor catalog.Actor, now, due time.Time, limit int) (catalog.BorrowRecord, error)
	ApproveReturn(ctx context.Context, requestID string, actor catalog.Actor, now time.Time) (catalog.BorrowRecord, error)
	ApproveReservePC(ctx context.Context, requestID string, actor catalog.Actor, now time.Time) (pcsession.Session, error)
	Reject(ctx context.Context, requestID string, actor catalog.Actor, now time.Time) error
	PurgeInvalid(ctx context.Context) (int, error)
}

// CheckinGate answers whether a student is currently checked in.
type CheckinGate interface {
	IsCheckedIn(ctx context.Context, studentID string) (bool, error)
}

// BorrowCounter reports a student's live borrow count for the early cap check.
type BorrowCounter interface {
	BorrowedCount(ctx context.Context, studentID string) (int, error)
}

// DueDater supplies the closure-adjusted due date and the current time.
type DueDater interface {
	DueDate(ctx context.Context) time.Time
	Now() time.Time
}

// Notifier receives fire-and-forget decision events.
type Notifier interface {
	RequestDecided(ctx context.Context, studentID, requestID, decision string)
}

// Result carries what a decision produced.
type Result struct {
	Request PendingRequest        `json:"request"`
	Borrow  *catalog.BorrowRecord `json:"borrow,omitempty"`
	Session *pcsession.Session    `json:"session,omitempty"`
}

// Service is the pending-request state machine.
type Service struct {
	store       Store
	gate        CheckinGate
	borrows     BorrowCounter
	due         DueDater
	notifier    Notifier
	borrowLimit int
}

// NewService creates a workflow engine. notifier may be nil.
func NewService(store Store, gate CheckinGate, borrows BorrowCounter, due DueDater, notifier Notifier, borrowLimit int) *Service {
	if borrowLimit <= 0 {
		borrowLimit = 2
	}
	return &Service{store: store, gate: gate, borrows: borrows, due: due, notifier: notifier, borrowLimit: borrowLimit}
}

// Create opens a pending request for a checked-in student. The borrow cap is
// checked here for an early rejection; the approval transaction re-checks it
// as the authoritative gate.
func (s *Service) Create(ctx context.Context, studentID string, payload Payload) (PendingRequest, error) {
	if payload == nil {
		return PendingRequest{}, apperr.New(apperr.Validation, "request payload required")
	}
	if err := validatePayload(payload); err != nil {
		return PendingRequest{}, err
	}

	checkedIn, err := s.gate.IsCheckedIn(ctx, studentID)
	if err != nil {
		return PendingRequest{}, err
	}
	if !checkedIn {
		return PendingRequest{}, apperr.New(apperr.Precondition, "not checked in")
	}

	if payload.RequestType() == TypeBorrowBook {
		n, err := s.borrows.BorrowedCount(ctx, studentID)
		if err != nil {
			return PendingRequest{}, err
		}
		if n >= s.borrowLimit {
			return PendingRequest{}, apperr.Newf(apperr.Capacity, "borrow limit of %d reached", s.borrowLimit)
		}
	}

	return s.store.CreatePending(ctx, PendingRequest{
		StudentID: studentID,
		Type:      payload.RequestType(),
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: s.due.Now(),
	})
}

func validatePayload(p Payload) error {
	switch v := p.(type) {
	case BorrowBook:
		if v.BookID == "" {
			return apperr.New(apperr.Validation, "book id required")
		}
	case ReturnBook:
		if v.TransactionID == "" {
			return apperr.New(apperr.Validation, "transaction id required")
		}
	case ReservePC:
		if v.PCNumber <= 0 {
			return apperr.New(apperr.Validation, "pc number required")
		}
	default:
		return apperr.New(apperr.Validation, "unknown request type")
	}
	return nil
}

// Decide applies an admin decision exactly once. Approval re-verifies the
// student's number against the identifier the admin checked in person; a
// mismatch leaves the request pending.
func (s *Service) Decide(ctx context.Context, requestID, decision string, actor catalog.Actor, verifiedIdentifier string) (Result, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return Result{}, apperr.New(apperr.Validation, "decision must be approve or reject")
	}

	req, err := s.store.Get(ctx, requestID)
	if err != nil {
		return Result{}, err
	}
	if req == nil {
		return Result{}, apperr.New(apperr.NotFound, "request not found")
	}
	if req.Status != StatusPending {
		return Result{}, apperr.New(apperr.Conflict, "request already processed")
	}

	now := s.due.Now()

	if decision == DecisionReject {
		if err := s.store.Reject(ctx, requestID, actor, now); err != nil {
			return Result{}, err
		}
		decisionsTotal.WithLabelValues(DecisionReject).Inc()
		s.notify(ctx, req.StudentID, requestID, StatusRejected)
		req.Status = StatusRejected
		req.ApprovedAt = &now
		req.ApprovedBy = &actor.ID
		return Result{Request: *req}, nil
	}

	student, err := s.store.GetStudent(ctx, req.StudentID)
	if err != nil {
		return Result{}, err
	}
	if student == nil {
		return Result{}, apperr.New(apperr.NotFound, "student not found")
	}
	if verifiedIdentifier != student.StudentNumber {
		return Result{}, apperr.New(apperr.Verification, "student number mismatch")
	}

	res := Result{Request: *req}
	switch req.Payload.(type) {
	case BorrowBook:
		rec, err := s.store.ApproveBorrow(ctx, requestID, actor, now, s.due.DueDate(ctx), s.borrowLimit)
		if err != nil {
			return Result{}, err
		}
		res.Borrow = &rec
	case ReturnBook:
		rec, err := s.store.ApproveReturn(ctx, requestID, actor, now)
		if err != nil {
			return Result{}, err
		}
		res.Borrow = &rec
	case ReservePC:
		sess, err := s.store.ApproveReservePC(ctx, requestID, actor, now)
		if err != nil {
			return Result{}, err
		}
		res.Session = &sess
	default:
		return Result{}, apperr.Newf(apperr.Validation, "unknown request type %q, purge invalid requests", req.Type)
	}

	decisionsTotal.WithLabelValues(DecisionApprove).Inc()
	s.notify(ctx, req.StudentID, requestID, StatusApproved)
	res.Request.Status = StatusApproved
	res.Request.ApprovedAt = &now
	res.Request.ApprovedBy = &actor.ID
	return res, nil
}

func (s *Service) notify(ctx context.Context, studentID, requestID, decision string) {
	if s.notifier == nil {
		return
	}
	s.notifier.RequestDecided(ctx, studentID, requestID, decision)
}

// Pending lists requests awaiting a decision.
func (s *Service) Pending(ctx context.Context) ([]PendingRequest, error) {
	return s.store.ListPending(ctx)
}

// PurgeInvalid deletes pending rows whose type the engine does not recognise.
// A data-hygiene escape hatch, not part of the state machine.
func (s *Service) PurgeInvalid(ctx context.Context) (int, error) {
	n, err := s.store.PurgeInvalid(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("purged %d invalid pending requests", n)
	}
	return n, nil
}
