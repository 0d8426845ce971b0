package sync

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// WeekWindow returns the Monday–Sunday window containing ref.
func WeekWindow(ref time.Time) (start, end string) {
	offset := (int(ref.Weekday()) + 6) % 7 // Monday = 0
	monday := ref.AddDate(0, 0, -offset)
	sunday := monday.AddDate(0, 0, 6)
	return monday.Format(dateLayout), sunday.Format(dateLayout)
}

// MonthWindow expands a "YYYY-MM" month to its first and last calendar day.
func MonthWindow(month string) (start, end string, err error) {
	first, parseErr := time.Parse("2006-01", month)
	if parseErr != nil {
		return "", "", fmt.Errorf("invalid month %q: want YYYY-MM", month)
	}
	last := first.AddDate(0, 1, -1)
	return first.Format(dateLayout), last.Format(dateLayout), nil
}

// ValidateRange checks a start/end pair for format and ordering.
func ValidateRange(start, end string) error {
	s, err := time.Parse(dateLayout, start)
	if err != nil {
		return fmt.Errorf("invalid start date %q: want YYYY-MM-DD", start)
	}
	e, err := time.Parse(dateLayout, end)
	if err != nil {
		return fmt.Errorf("invalid end date %q: want YYYY-MM-DD", end)
	}
	if e.Before(s) {
		return fmt.Errorf("end date %s precedes start date %s", end, start)
	}
	return nil
}
