package service

import (
	"fmt"
	"time"

	"github.com/noah-isme/pickup-go-api/internal/models"
)

// IsActiveOn reports whether the window grants access on the calendar date
// of date, read in date's own location. A nil weekday list allows every day;
// an empty one allows none.
func IsActiveOn(window models.Window, date time.Time) bool {
	if !window.IsActive {
		return false
	}

	start, err := ParseDate(window.StartDate, date.Location())
	if err != nil {
		return false
	}
	end, err := ParseDate(window.EndDate, date.Location())
	if err != nil {
		return false
	}

	day := FormatDate(date)
	if day < FormatDate(start) || day > FormatDate(end) {
		return false
	}

	if window.AllowedDaysOfWeek == nil {
		return true
	}
	weekday := int(date.Weekday())
	for _, allowed := range window.AllowedDaysOfWeek {
		if allowed == weekday {
			return true
		}
	}
	return false
}

// ParseDate parses a YYYY-MM-DD calendar date in loc.
func ParseDate(value string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation(models.DateLayout, value, loc)
}

// FormatDate renders the calendar date of t in t's location.
func FormatDate(t time.Time) string {
	return t.Format(models.DateLayout)
}

// ValidateWindow checks a window before it is stored and returns its
// normalised dates.
func ValidateWindow(startDate, endDate string, days []int) (string, string, error) {
	start, err := ParseDate(startDate, time.UTC)
	if err != nil {
		return "", "", fmt.Errorf("%w: start date %q", ErrInvalidWindow, startDate)
	}
	end, err := ParseDate(endDate, time.UTC)
	if err != nil {
		return "", "", fmt.Errorf("%w: end date %q", ErrInvalidWindow, endDate)
	}
	if end.Before(start) {
		return "", "", fmt.Errorf("%w: end date before start date", ErrInvalidWindow)
	}

	seen := make(map[int]struct{}, len(days))
	for _, day := range days {
		if day < 0 || day > 6 {
			return "", "", fmt.Errorf("%w: weekday %d out of range", ErrInvalidWindow, day)
		}
		if _, dup := seen[day]; dup {
			return "", "", fmt.Errorf("%w: weekday %d repeated", ErrInvalidWindow, day)
		}
		seen[day] = struct{}{}
	}

	return FormatDate(start), FormatDate(end), nil
}
