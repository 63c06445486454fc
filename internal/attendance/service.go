package attendance

import (
	"context"
	"time"

	"librarydesk/internal/apperr"
	"librarydesk/internal/calendar"
)

// Toggle actions recorded in the attendance log.
const (
	ActionCheckIn  = "checkin"
	ActionCheckOut = "checkout"
)

// Student is the read-only principal record maintained by registration.
type Student struct {
	ID            string    `json:"id"`
	StudentNumber string    `json:"student_number"`
	Name          string    `json:"name"`
	Role          string    `json:"role"`
	CreatedAt     time.Time `json:"created_at"`
}

// ToggleResult reports which way a toggle flipped and when.
type ToggleResult struct {
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// LogEntry is one immutable attendance log row.
type LogEntry struct {
	ID         string    `json:"id"`
	StudentID  string    `json:"student_id"`
	Action     string    `json:"action"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Store is the persistence the attendance service needs. Toggle must flip
// the stored state and append the log row atomically per student.
type Store interface {
	GetStudentByNumber(ctx context.Context, number string) (*Student, error)
	GetStudentByID(ctx context.Context, id string) (*Student, error)
	Toggle(ctx context.Context, studentID string, now time.Time) (ToggleResult, error)
	IsCheckedIn(ctx context.Context, studentID string) (bool, error)
	ListLog(ctx context.Context, limit, offset int) ([]LogEntry, error)
}

// Service coordinates check-in/out toggling.
type Service struct {
	store Store
	clock calendar.Clock
}

// NewService creates a service backed by a store.
func NewService(store Store, clock calendar.Clock) *Service {
	return &Service{store: store, clock: clock}
}

// Toggle flips the student's attendance state. Absent state counts as
// checked out, so the first call always checks in.
func (s *Service) Toggle(ctx context.Context, studentNumber string) (ToggleResult, error) {
	if studentNumber == "" {
		return ToggleResult{}, apperr.New(apperr.Validation, "student number required")
	}
	student, err := s.store.GetStudentByNumber(ctx, studentNumber)
	if err != nil {
		return ToggleResult{}, err
	}
	if student == nil {
		return ToggleResult{}, apperr.New(apperr.NotFound, "student not found")
	}
	return s.store.Toggle(ctx, student.ID, s.clock.Now())
}

// StudentByNumber resolves a student by their external identifier.
func (s *Service) StudentByNumber(ctx context.Context, studentNumber string) (*Student, error) {
	student, err := s.store.GetStudentByNumber(ctx, studentNumber)
	if err != nil {
		return nil, err
	}
	if student == nil {
		return nil, apperr.New(apperr.NotFound, "student not found")
	}
	return student, nil
}

// IsCheckedIn reports the current attendance state, false when never toggled.
func (s *Service) IsCheckedIn(ctx context.Context, studentID string) (bool, error) {
	return s.store.IsCheckedIn(ctx, studentID)
}

// StatusByNumber resolves a student number and reports their state.
func (s *Service) StatusByNumber(ctx context.Context, studentNumber string) (*Student, bool, error) {
	student, err := s.store.GetStudentByNumber(ctx, studentNumber)
	if err != nil {
		return nil, false, err
	}
	if student == nil {
		return nil, false, apperr.New(apperr.NotFound, "student not found")
	}
	checkedIn, err := s.store.IsCheckedIn(ctx, student.ID)
	if err != nil {
		return nil, false, err
	}
	return student, checkedIn, nil
}

// Log returns recent attendance log entries.
func (s *Service) Log(ctx context.Context, limit, offset int) ([]LogEntry, error) {
	return s.store.ListLog(ctx, limit, offset)
}
