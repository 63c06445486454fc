package request

import (
	"time"
)

// Request types.
const (
	TypeBorrowBook = "borrow_book"
	TypeReturnBook = "return_book"
	TypeReservePC  = "reserve_pc"
)

// Request statuses. Pending is the only non-terminal state.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// Payload is the per-type request body. Modelling it as a sum keeps the
// unknown-type branch out of the normal flow; rows with an unrecognised type
// surface a nil Payload and are handled defensively.
type Payload interface {
	RequestType() string
}

// BorrowBook asks to borrow one copy of a book.
type BorrowBook struct {
	BookID string `json:"book_id"`
}

// RequestType implements Payload.
func (BorrowBook) RequestType() string { return TypeBorrowBook }

// ReturnBook asks to return a borrowed copy by its borrow-record id.
type ReturnBook struct {
	TransactionID string `json:"transaction_id"`
}

// RequestType implements Payload.
func (ReturnBook) RequestType() string { return TypeReturnBook }

// ReservePC asks to occupy or queue for a PC station.
type ReservePC struct {
	PCNumber int `json:"pc_number"`
}

// RequestType implements Payload.
func (ReservePC) RequestType() string { return TypeReservePC }

// PendingRequest is one student-initiated intent awaiting a staff decision.
// Terminal rows are immutable and kept as the audit trail.
type PendingRequest struct {
	ID         string     `json:"id"`
	StudentID  string     `json:"student_id"`
	Type       string     `json:"type"`
	Payload    Payload    `json:"payload,omitempty"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	ApprovedBy *string    `json:"approved_by,omitempty"`
}
