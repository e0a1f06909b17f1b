package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		expr string
		ok   bool
	}{
		{"0 9 * * 1", true},
		{"* * * * *", true},
		{"59 23 31 12 6", true},
		{"0 0 1 1 0", true},
		{"30 14 * * *", true},

		{"60 9 * * 1", false},  // minute out of range
		{"0 24 * * 1", false},  // hour out of range
		{"0 9 0 * *", false},   // day of month below range
		{"0 9 32 * *", false},  // day of month above range
		{"0 9 * 13 *", false},  // month out of range
		{"0 9 * * 7", false},   // day of week out of range
		{"0 9 * *", false},     // 4 fields
		{"0 9 * * 1 *", false}, // 6 fields
		{"", false},
		{"a 9 * * 1", false},
		{"0-5 9 * * 1", false}, // ranges unsupported
		{"*/5 * * * *", false}, // steps unsupported
		{"1,2 * * * *", false}, // lists unsupported
		{"-1 9 * * 1", false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.ok, Validate(tc.expr), "expr %q", tc.expr)
	}
}

func TestNextOccurrenceInvalid(t *testing.T) {
	_, ok := NextOccurrence("not a rule", time.Now())
	assert.False(t, ok)
}

func TestNextOccurrenceWeekly(t *testing.T) {
	// Wednesday 10:00.
	from := time.Date(2026, time.March, 4, 10, 0, 0, 0, time.UTC)
	require.Equal(t, time.Wednesday, from.Weekday())

	next, ok := NextOccurrence("0 9 * * 1", from)
	require.True(t, ok)

	// Following Monday at 09:00.
	assert.Equal(t, time.Date(2026, time.March, 9, 9, 0, 0, 0, time.UTC), next)
	assert.Equal(t, time.Monday, next.Weekday())
}

func TestNextOccurrenceWeeklySameDayWraps(t *testing.T) {
	// Monday 10:00 with a Monday 09:00 rule: today already passed, so the
	// occurrence lands a full week out.
	from := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)
	require.Equal(t, time.Monday, from.Weekday())

	next, ok := NextOccurrence("0 9 * * 1", from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, time.March, 9, 9, 0, 0, 0, time.UTC), next)
}

func TestNextOccurrenceWeeklySameDayLater(t *testing.T) {
	// Monday 08:00 with a Monday 09:00 rule: still due today.
	from := time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)
	next, ok := NextOccurrence("0 9 * * 1", from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC), next)
}

func TestNextOccurrenceMonthly(t *testing.T) {
	from := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

	// Day 15 still ahead this month.
	next, ok := NextOccurrence("30 8 15 * *", from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, time.March, 15, 8, 30, 0, 0, time.UTC), next)

	// Day 5 already passed: rolls to April.
	next, ok = NextOccurrence("30 8 5 * *", from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, time.April, 5, 8, 30, 0, 0, time.UTC), next)
}

func TestNextOccurrenceMonthlySkipsShortMonths(t *testing.T) {
	// Day 31 in April: April has no 31st, so the occurrence lands on May 31.
	from := time.Date(2026, time.April, 10, 12, 0, 0, 0, time.UTC)
	next, ok := NextOccurrence("0 9 31 * *", from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, time.May, 31, 9, 0, 0, 0, time.UTC), next)

	// From May 31 itself the next hit skips June straight to July 31.
	next, ok = NextOccurrence("0 9 31 * *", next)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, time.July, 31, 9, 0, 0, 0, time.UTC), next)

	// Day 29 skips February in a non-leap year.
	from = time.Date(2027, time.January, 30, 0, 0, 0, 0, time.UTC)
	next, ok = NextOccurrence("0 9 29 * *", from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2027, time.March, 29, 9, 0, 0, 0, time.UTC), next)
}

func TestNextOccurrenceMonthlyYearWrap(t *testing.T) {
	from := time.Date(2026, time.December, 20, 12, 0, 0, 0, time.UTC)
	next, ok := NextOccurrence("0 9 5 * *", from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2027, time.January, 5, 9, 0, 0, 0, time.UTC), next)
}

func TestNextOccurrenceDaily(t *testing.T) {
	from := time.Date(2026, time.March, 4, 10, 0, 0, 0, time.UTC)

	// 09:00 already passed today.
	next, ok := NextOccurrence("0 9 * * *", from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, time.March, 5, 9, 0, 0, 0, time.UTC), next)

	// 17:00 still ahead today.
	next, ok = NextOccurrence("0 17 * * *", from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, time.March, 4, 17, 0, 0, 0, time.UTC), next)
}

func TestNextOccurrenceAlwaysStrictlyAfterFrom(t *testing.T) {
	from := time.Date(2026, time.March, 4, 9, 0, 0, 0, time.UTC)
	for _, expr := range []string{"0 9 * * *", "0 9 4 * *", "0 9 * * 3"} {
		next, ok := NextOccurrence(expr, from)
		require.True(t, ok, "expr %q", expr)
		assert.True(t, next.After(from), "expr %q produced %v", expr, next)
	}
}

func TestNextOccurrenceDowWinsOverDom(t *testing.T) {
	// Both literal: stepping is weekly on the weekday, day-of-month ignored.
	from := time.Date(2026, time.March, 4, 10, 0, 0, 0, time.UTC)
	next, ok := NextOccurrence("0 9 20 * 1", from)
	require.True(t, ok)
	assert.Equal(t, time.Monday, next.Weekday())
}
