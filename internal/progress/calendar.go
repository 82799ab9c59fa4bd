package progress

import "time"

// CivilDate drops the time of day, keeping the date as written in t's own
// location. The result is midnight UTC so dates compare and subtract cleanly.
func CivilDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// LocalDate is the calendar date of instant t as observed in loc.
func LocalDate(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return CivilDate(t.In(loc))
}

// DaysBetween counts calendar days from one civil date to another.
func DaysBetween(from, to time.Time) int {
	return int(CivilDate(to).Sub(CivilDate(from)).Hours() / 24)
}

// ParseDate reads a YYYY-MM-DD civil date.
func ParseDate(value string) (time.Time, error) {
	return time.Parse(time.DateOnly, value)
}
