package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(y int, m time.Month, day int) time.Time {
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

func TestParseDate(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"2025-01-15", d(2025, time.January, 15), true},
		{"2025-01-15T10:30:00Z", d(2025, time.January, 15), true},
		{"2025-01-15T10:30:00+01:00", d(2025, time.January, 15), true},
		{"15/01/2025", d(2025, time.January, 15), true},
		{"15-01-2025", d(2025, time.January, 15), true},
		{"15.01.2025", d(2025, time.January, 15), true},
		{"15/01/25", d(2025, time.January, 15), true},
		{"15/01/99", d(1999, time.January, 15), true},
		{"01/02/2024", d(2024, time.February, 1), true}, // day-first by default
		{"02/28/2024", d(2024, time.February, 28), true}, // month-first when second > 12
		{"12-Nov-25", d(2025, time.November, 12), true},
		{"12-November-2025", d(2025, time.November, 12), true},
		{"3 March 2024", d(2024, time.March, 3), true},
		{"5-Sept-24", d(2024, time.September, 5), true},
		{"January 15, 2025", d(2025, time.January, 15), true},
		{"not a date", time.Time{}, false},
		{"", time.Time{}, false},
		{"   ", time.Time{}, false},
		{"31/02/2024", time.Time{}, false}, // impossible date
		{"15/13/2024", time.Time{}, false}, // no valid month either way
	}

	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, ok := ParseDate(tc.in)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}
