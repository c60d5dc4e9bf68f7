package models

import "time"

// TimeLayout is the sortable wire format for updatedAt values.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Stamp normalizes t to UTC with millisecond precision so that
// timestamps survive a round trip through storage unchanged.
func Stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// Now returns the current time normalized with Stamp.
func Now() time.Time {
	return Stamp(time.Now())
}

// FormatTime formats t using TimeLayout.
func FormatTime(t time.Time) string {
	return Stamp(t).Format(TimeLayout)
}

// ParseTime parses a value produced by FormatTime. RFC 3339 input with any
// fractional precision is accepted as well.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return Stamp(t), nil
}
