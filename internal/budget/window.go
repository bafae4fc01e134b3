package budget

import "time"

// Window is one monthly accounting period, expressed as UTC epoch
// seconds. Start is the first instant of the month and ResetAt the
// first instant of the next one, both as observed in the budget's
// timezone.
type Window struct {
	Start   int64
	ResetAt int64
}

// Contains reports whether the instant falls inside the window.
func (w Window) Contains(epoch int64) bool {
	return epoch >= w.Start && epoch < w.ResetAt
}

// loadLocation resolves an IANA zone name. Missing or unknown names
// degrade to UTC rather than failing; a bad admin-entered timezone
// must not break metering.
func loadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// GetMonthWindow computes the calendar-month window containing now, as
// observed in the given timezone. Boundaries are built with time.Date
// in the target location, so month-length, the December rollover and
// DST shifts around local midnight are all handled by the zone
// database instead of offset arithmetic.
func GetMonthWindow(now time.Time, tzName string) Window {
	loc := loadLocation(tzName)
	local := now.In(loc)

	start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	reset := time.Date(local.Year(), local.Month()+1, 1, 0, 0, 0, 0, loc)

	return Window{Start: start.Unix(), ResetAt: reset.Unix()}
}
