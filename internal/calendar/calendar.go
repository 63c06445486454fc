package calendar

import (
	"time"
)

// maxAdjustIterations bounds the closure-skipping loop so a malformed or
// contiguous holiday set can never hang a borrow operation.
const maxAdjustIterations = 30

// DateKey renders a timestamp's calendar date as YYYY-MM-DD.
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// DateSet holds calendar dates keyed by DateKey.
type DateSet map[string]struct{}

// Contains reports whether the set holds t's calendar date.
func (s DateSet) Contains(t time.Time) bool {
	_, ok := s[DateKey(t)]
	return ok
}

// DueDateAfter returns start+loan, advanced one calendar day at a time
// (preserving time of day) while the candidate lands on the weekly closure
// day or a registered holiday. After maxAdjustIterations the last candidate
// is returned as-is.
func DueDateAfter(start time.Time, loan time.Duration, closedWeekday time.Weekday, holidays DateSet) time.Time {
	candidate := start.Add(loan)
	for i := 0; i < maxAdjustIterations; i++ {
		if candidate.Weekday() != closedWeekday && !holidays.Contains(candidate) {
			break
		}
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}
