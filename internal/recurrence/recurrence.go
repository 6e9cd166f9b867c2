// Package recurrence computes payment occurrence dates. All functions are
// pure and work on calendar dates (midnight in the reference's location).
package recurrence

import (
	"errors"
	"fmt"
	"time"

	"recurpay/internal/payment"
)

// ErrUnknownFrequency reports a rule whose frequency is not daily, weekly or monthly.
var ErrUnknownFrequency = errors.New("unknown frequency")

// Date truncates t to midnight in loc (t's own location when loc is nil).
func Date(t time.Time, loc *time.Location) time.Time {
	if loc != nil {
		t = t.In(loc)
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Next returns the occurrence after ref:
//   - daily: ref + 1 day
//   - weekly: ref + 7 days; DayOfWeek is not used to realign
//   - monthly: DayOfMonth (1 when unset) of the month after ref
//
// ref is normalized to midnight first.
func Next(rule payment.Rule, ref time.Time) (time.Time, error) {
	ref = Date(ref, nil)
	switch rule.Frequency {
	case payment.Daily:
		return ref.AddDate(0, 0, 1), nil
	case payment.Weekly:
		return ref.AddDate(0, 0, 7), nil
	case payment.Monthly:
		dom := rule.DayOfMonth
		if dom <= 0 {
			dom = 1
		}
		// Days above 28 would roll into the following month.
		dom = min(dom, payment.MaxDayOfMonth)
		return time.Date(ref.Year(), ref.Month()+1, dom, 0, 0, 0, 0, ref.Location()), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownFrequency, rule.Frequency)
	}
}

// Upcoming returns the next n occurrences, each computed from the previous one.
func Upcoming(rule payment.Rule, ref time.Time, n int) ([]time.Time, error) {
	out := make([]time.Time, 0, max(n, 0))
	cur := ref
	for range n {
		next, err := Next(rule, cur)
		if err != nil {
			return nil, err
		}
		out = append(out, next)
		cur = next
	}
	return out, nil
}

// ReminderDate is the day a reminder for next is due: next minus days.
func ReminderDate(next time.Time, days int) time.Time {
	return Date(next, nil).AddDate(0, 0, -days)
}

// SameDay reports whether a and b fall on the same calendar date in loc.
func SameDay(a, b time.Time, loc *time.Location) bool {
	return Date(a, loc).Equal(Date(b, loc))
}

// SameDate reports whether a and b carry the same year, month and day, each
// read in its own location.
func SameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
