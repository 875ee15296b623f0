// Package normalize turns the raw cell text found in published spending
// files into typed values. Every function here is pure and total: bad input
// yields a neutral value, never an error, because ingestion must not halt on
// a single malformed cell.
package normalize

import (
	"strconv"
	"strings"
	"time"
)

var isoLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

var monthNames = map[string]time.Month{
	"jan": time.January, "january": time.January,
	"feb": time.February, "february": time.February,
	"mar": time.March, "march": time.March,
	"apr": time.April, "april": time.April,
	"may": time.May,
	"jun": time.June, "june": time.June,
	"jul": time.July, "july": time.July,
	"aug": time.August, "august": time.August,
	"sep": time.September, "sept": time.September, "september": time.September,
	"oct": time.October, "october": time.October,
	"nov": time.November, "november": time.November,
	"dec": time.December, "december": time.December,
}

// ParseDate recognizes the date renderings seen across council spending
// files: ISO-8601, day-first numeric (UK convention, / - or . separators,
// 2- or 4-digit years), DD-Mon-YY[YY] with full or abbreviated month names,
// and "Month DD, YYYY". Returns ok=false for empty or unrecognized input.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
		}
	}

	if t, ok := parseNumeric(s); ok {
		return t, true
	}
	if t, ok := parseDayMonthName(s); ok {
		return t, true
	}
	if t, ok := parseMonthDayYear(s); ok {
		return t, true
	}

	return time.Time{}, false
}

// parseNumeric handles NN/NN/YYYY and friends. Day-first by default; when
// the second component cannot be a month but the first can, the pair is
// reinterpreted as month-first (mostly US-sourced contract exports).
func parseNumeric(s string) (time.Time, bool) {
	parts := splitAny(s, "/-.")
	if len(parts) != 3 {
		return time.Time{}, false
	}

	a, err1 := strconv.Atoi(parts[0])
	b, err2 := strconv.Atoi(parts[1])
	y, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, false
	}

	switch {
	case len(parts[2]) == 2:
		if y < 50 {
			y += 2000
		} else {
			y += 1900
		}
	case len(parts[2]) != 4:
		return time.Time{}, false
	}

	day, month := a, b
	if month > 12 && day <= 12 {
		day, month = month, day
	}
	return makeDate(y, month, day)
}

// parseDayMonthName handles "12-Nov-25", "3 March 2024" and similar.
func parseDayMonthName(s string) (time.Time, bool) {
	parts := splitAny(s, "-/ ")
	if len(parts) != 3 {
		return time.Time{}, false
	}

	day, err := strconv.Atoi(parts[0])
	if err != nil {
		return time.Time{}, false
	}
	month, ok := monthNames[strings.ToLower(parts[1])]
	if !ok {
		return time.Time{}, false
	}
	y, err := strconv.Atoi(parts[2])
	if err != nil {
		return time.Time{}, false
	}
	if len(parts[2]) == 2 {
		if y < 50 {
			y += 2000
		} else {
			y += 1900
		}
	} else if len(parts[2]) != 4 {
		return time.Time{}, false
	}

	return makeDate(y, int(month), day)
}

// parseMonthDayYear handles "January 15, 2025".
func parseMonthDayYear(s string) (time.Time, bool) {
	parts := strings.Fields(strings.ReplaceAll(s, ",", " "))
	if len(parts) != 3 {
		return time.Time{}, false
	}
	month, ok := monthNames[strings.ToLower(parts[0])]
	if !ok {
		return time.Time{}, false
	}
	day, err := strconv.Atoi(parts[1])
	if err != nil {
		return time.Time{}, false
	}
	y, err := strconv.Atoi(parts[2])
	if err != nil || len(parts[2]) != 4 {
		return time.Time{}, false
	}
	return makeDate(y, int(month), day)
}

func makeDate(year, month, day int) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	// Reject impossible dates that time.Date silently normalizes (e.g. 31/02).
	if t.Day() != day || t.Month() != time.Month(month) {
		return time.Time{}, false
	}
	return t, true
}

func splitAny(s, seps string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return strings.ContainsRune(seps, r)
	})
}
