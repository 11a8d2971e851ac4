// Package timeutil provides calendar helpers that take the location deciding
// where a day ends. A nil location means UTC.
package timeutil

import "time"

func in(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc)
}

// StartOfDay returns midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	l := in(t, loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, l.Location())
}

// StartOfWeek returns Monday midnight of t's week in loc.
func StartOfWeek(t time.Time, loc *time.Location) time.Time {
	day := StartOfDay(t, loc)
	weekday := int(day.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday
	}
	return day.AddDate(0, 0, 1-weekday)
}

// IsSameDay checks if two times fall on the same calendar day in loc.
func IsSameDay(t1, t2 time.Time, loc *time.Location) bool {
	y1, m1, d1 := in(t1, loc).Date()
	y2, m2, d2 := in(t2, loc).Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
