package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"recurpay/internal/payment"
)

// record is the column-level shape shared by the SQL drivers. Dates travel
// as YYYY-MM-DD strings so no driver applies a timezone conversion to them.
type record struct {
	ID         string
	OwnerID    string
	Name       string
	Amount     string
	CategoryID string
	BudgetID   *string
	Frequency  string
	DayOfWeek  int
	DayOfMonth int
	Next       string
	Last       *string
	Remind     int
	Auto       bool
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func dateKey(t time.Time) string { return t.Format(time.DateOnly) }

func parseDate(s string) (time.Time, error) {
	// postgres may render DATE with a trailing time when cast from timestamps.
	if len(s) > len(time.DateOnly) {
		s = s[:len(time.DateOnly)]
	}
	return time.Parse(time.DateOnly, s)
}

func toRecord(p payment.RecurringPayment) record {
	r := record{
		ID:         p.ID,
		OwnerID:    p.OwnerID,
		Name:       p.Name,
		Amount:     p.Amount.String(),
		CategoryID: p.CategoryID,
		Frequency:  string(p.Frequency),
		DayOfWeek:  p.DayOfWeek,
		DayOfMonth: p.DayOfMonth,
		Next:       dateKey(p.NextPaymentDate),
		Remind:     p.RemindBeforeDays,
		Auto:       p.AutoExecute,
		Active:     p.IsActive,
		CreatedAt:  p.CreatedAt.UTC(),
		UpdatedAt:  p.UpdatedAt.UTC(),
	}
	if b := strings.TrimSpace(p.BudgetID); b != "" {
		r.BudgetID = &b
	}
	if p.LastPaymentDate != nil {
		l := dateKey(*p.LastPaymentDate)
		r.Last = &l
	}
	return r
}

func (r record) payment() (payment.RecurringPayment, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return payment.RecurringPayment{}, fmt.Errorf("record %s: amount: %w", r.ID, err)
	}
	next, err := parseDate(r.Next)
	if err != nil {
		return payment.RecurringPayment{}, fmt.Errorf("record %s: next_payment_date: %w", r.ID, err)
	}
	p := payment.RecurringPayment{
		ID:               r.ID,
		OwnerID:          r.OwnerID,
		Name:             r.Name,
		Amount:           amount,
		CategoryID:       r.CategoryID,
		Frequency:        payment.Frequency(r.Frequency),
		DayOfWeek:        r.DayOfWeek,
		DayOfMonth:       r.DayOfMonth,
		NextPaymentDate:  next,
		RemindBeforeDays: r.Remind,
		AutoExecute:      r.Auto,
		IsActive:         r.Active,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.BudgetID != nil {
		p.BudgetID = *r.BudgetID
	}
	if r.Last != nil {
		last, err := parseDate(*r.Last)
		if err != nil {
			return payment.RecurringPayment{}, fmt.Errorf("record %s: last_payment_date: %w", r.ID, err)
		}
		p.LastPaymentDate = &last
	}
	return p, nil
}

// prepareCreate fills the id and timestamps and validates p in place.
func prepareCreate(p *payment.RecurringPayment, now time.Time) error {
	if strings.TrimSpace(p.ID) == "" {
		p.ID = uuid.NewString()
	}
	p.NextPaymentDate = calendarDate(p.NextPaymentDate)
	if p.LastPaymentDate != nil {
		l := calendarDate(*p.LastPaymentDate)
		p.LastPaymentDate = &l
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	return p.Validate()
}

// calendarDate keeps the y/m/d of t and drops the time and zone.
func calendarDate(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
