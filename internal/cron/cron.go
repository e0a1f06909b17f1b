// Package cron implements the restricted 5-field schedule expressions used by
// recurring emails: minute hour day-of-month month day-of-week, each field
// either "*" or a single bounded integer. Ranges, lists, and step syntax are
// not part of the grammar.
package cron

import (
	"strconv"
	"strings"
	"time"
)

type field struct {
	any   bool
	value int
}

type schedule struct {
	minute field
	hour   field
	dom    field
	month  field
	dow    field
}

var bounds = [5][2]int{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day of month
	{1, 12}, // month
	{0, 6},  // day of week, Sunday = 0
}

func parse(expr string) (schedule, bool) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return schedule{}, false
	}

	var fields [5]field
	for i, p := range parts {
		if p == "*" {
			fields[i] = field{any: true}
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < bounds[i][0] || n > bounds[i][1] {
			return schedule{}, false
		}
		fields[i] = field{value: n}
	}

	return schedule{
		minute: fields[0],
		hour:   fields[1],
		dom:    fields[2],
		month:  fields[3],
		dow:    fields[4],
	}, true
}

// Validate reports whether expr is a well-formed restricted expression.
func Validate(expr string) bool {
	_, ok := parse(expr)
	return ok
}

// NextOccurrence computes the next timestamp strictly after from that matches
// expr. It returns false for an invalid expression.
//
// The stepping unit is the coarsest literal field: weekly when day-of-week is
// literal, else monthly when day-of-month is literal, else daily. When both
// day-of-week and day-of-month are literal the weekly interpretation wins;
// the expression is not required to satisfy both. Monthly stepping skips
// months that lack the target day, so day 31 lands only on 31-day months and
// day 29 skips February outside leap years.
func NextOccurrence(expr string, from time.Time) (time.Time, bool) {
	s, ok := parse(expr)
	if !ok {
		return time.Time{}, false
	}

	minute := from.Minute()
	if !s.minute.any {
		minute = s.minute.value
	}
	hour := from.Hour()
	if !s.hour.any {
		hour = s.hour.value
	}

	switch {
	case !s.dow.any:
		// Weekly: next date on the target weekday, wrapping a full week if
		// today matches but the time of day has passed.
		days := (s.dow.value - int(from.Weekday()) + 7) % 7
		next := time.Date(from.Year(), from.Month(), from.Day()+days, hour, minute, 0, 0, from.Location())
		if !next.After(from) {
			next = next.AddDate(0, 0, 7)
		}
		return next, true

	case !s.dom.any:
		// Monthly: the target day in the nearest month that actually has it,
		// starting with the current one. time.Date normalizes day 31 in a
		// 30-day month into the next month, which Day() exposes, so such
		// months are skipped instead of occurring on the wrong date. Two
		// years of months always contain a match for any valid day.
		for i := 0; i < 24; i++ {
			next := time.Date(from.Year(), from.Month()+time.Month(i), s.dom.value, hour, minute, 0, 0, from.Location())
			if next.Day() != s.dom.value {
				continue
			}
			if next.After(from) {
				return next, true
			}
		}
		return time.Time{}, false

	default:
		// Daily.
		next := time.Date(from.Year(), from.Month(), from.Day(), hour, minute, 0, 0, from.Location())
		if !next.After(from) {
			next = next.AddDate(0, 0, 1)
		}
		return next, true
	}
}
