package calendar

import (
	"fmt"
	"time"
)

// Clock supplies the current time; injected so temporal logic stays testable.
type Clock interface {
	Now() time.Time
}

// FixedZoneClock reports wall-clock time in the institution's civil offset.
type FixedZoneClock struct {
	loc *time.Location
}

// NewClock builds a clock for the given UTC offset in hours.
func NewClock(offsetHours int) *FixedZoneClock {
	name := fmt.Sprintf("UTC%+d", offsetHours)
	return &FixedZoneClock{loc: time.FixedZone(name, offsetHours*3600)}
}

// Now returns the current time in the configured zone.
func (c *FixedZoneClock) Now() time.Time {
	return time.Now().In(c.loc)
}
