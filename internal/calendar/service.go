package calendar

import (
	"context"
	"log"
	"time"
)

// HolidayStore is the holiday access the due-date service needs.
type HolidayStore interface {
	Add(ctx context.Context, date, description string) (Holiday, error)
	Remove(ctx context.Context, date string) error
	List(ctx context.Context) ([]Holiday, error)
	Dates(ctx context.Context) (DateSet, error)
}

// Service wires the pure due-date math to wall clock and holiday storage.
type Service struct {
	store         HolidayStore
	clock         Clock
	closedWeekday time.Weekday
	loan          time.Duration
}

// NewService creates a due-date service.
func NewService(store HolidayStore, clock Clock, closedWeekday time.Weekday, loanHours int) *Service {
	if loanHours <= 0 {
		loanHours = 24
	}
	return &Service{store: store, clock: clock, closedWeekday: closedWeekday, loan: time.Duration(loanHours) * time.Hour}
}

// Now returns the current time in the institution's zone.
func (s *Service) Now() time.Time { return s.clock.Now() }

// DueDate computes now+loan adjusted past closure days and holidays. A failed
// holiday lookup degrades to the unadjusted due date; a borrow must not fail
// because the calendar is unreadable.
func (s *Service) DueDate(ctx context.Context) time.Time {
	now := s.clock.Now()
	dates, err := s.store.Dates(ctx)
	if err != nil {
		log.Printf("holiday lookup failed, due date unadjusted: %v", err)
		return now.Add(s.loan)
	}
	return DueDateAfter(now, s.loan, s.closedWeekday, dates)
}

// AddHoliday registers a closure date.
func (s *Service) AddHoliday(ctx context.Context, date, description string) (Holiday, error) {
	return s.store.Add(ctx, date, description)
}

// RemoveHoliday deletes a closure date.
func (s *Service) RemoveHoliday(ctx context.Context, date string) error {
	return s.store.Remove(ctx, date)
}

// Holidays lists configured closure dates.
func (s *Service) Holidays(ctx context.Context) ([]Holiday, error) {
	return s.store.List(ctx)
}
