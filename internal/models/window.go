package models

import "time"

// DateLayout is the YYYY-MM-DD format used by URL parameters and form inputs
const DateLayout = "2006-01-02"

// Window is the visible date range shared by every chart of a session
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// WindowFromMillis builds a window from epoch-millisecond bounds
func WindowFromMillis(min, max int64) Window {
	return Window{Start: time.UnixMilli(min).UTC(), End: time.UnixMilli(max).UTC()}
}

// Min returns the start as epoch millis
func (w Window) Min() int64 { return w.Start.UnixMilli() }

// Max returns the end as epoch millis
func (w Window) Max() int64 { return w.End.UnixMilli() }

// Degenerate is true until a real window has been chosen (start == end)
func (w Window) Degenerate() bool { return w.Min() == w.Max() }

// Contains reports whether ts lies inside the inclusive window
func (w Window) Contains(ts int64) bool {
	return ts >= w.Min() && ts <= w.Max()
}

// FormatDate renders t as YYYY-MM-DD in UTC
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// ParseDate parses a YYYY-MM-DD (or RFC 3339) date input
func ParseDate(field, value string) (time.Time, error) {
	if t, err := time.Parse(DateLayout, value); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, &ValidationError{
		Field:   field,
		Value:   value,
		Message: "invalid date format, expected YYYY-MM-DD",
	}
}
