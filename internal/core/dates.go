package core

import "time"

// dateLayouts are tried in order; ambiguous inputs such as 01/02/2023
// resolve to the first layout that accepts them.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
	"02-01-2006",
	"Jan 2, 2006",
}

// ParseDate parses text as a calendar date using the first matching layout.
// Dates carry no zone information and are returned in UTC.
func ParseDate(text string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		parsed, err := time.ParseInLocation(layout, text, time.UTC)
		if err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// Comparators for the datetime operator table. Both operands have already
// been through ParseDate.
func sameDay(left, right time.Time) bool    { return left.Equal(right) }
func notSameDay(left, right time.Time) bool { return !left.Equal(right) }
func before(left, right time.Time) bool     { return left.Before(right) }
func beforeOrAt(left, right time.Time) bool { return !left.After(right) }
func after(left, right time.Time) bool      { return left.After(right) }
func afterOrAt(left, right time.Time) bool  { return !left.Before(right) }
