package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"recurpay/internal/payment"
)

// Memory is a process-local Store.
type Memory struct {
	mu   sync.RWMutex
	rows map[string]payment.RecurringPayment
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{rows: map[string]payment.RecurringPayment{}, now: time.Now}
}

func clone(p payment.RecurringPayment) payment.RecurringPayment {
	if p.LastPaymentDate != nil {
		l := *p.LastPaymentDate
		p.LastPaymentDate = &l
	}
	return p
}

func (m *Memory) Create(_ context.Context, p *payment.RecurringPayment) error {
	if err := prepareCreate(p, m.now().UTC()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[p.ID]; ok {
		return ErrConflict
	}
	m.rows[p.ID] = clone(*p)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (payment.RecurringPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.rows[id]
	if !ok {
		return payment.RecurringPayment{}, ErrNotFound
	}
	return clone(p), nil
}

func (m *Memory) Update(_ context.Context, owner, id string, patch payment.Patch) (payment.RecurringPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[id]
	if !ok || cur.OwnerID != owner {
		return payment.RecurringPayment{}, ErrNotFound
	}
	next, err := patch.Apply(clone(cur))
	if err != nil {
		return payment.RecurringPayment{}, err
	}
	next.NextPaymentDate = calendarDate(next.NextPaymentDate)
	next.UpdatedAt = m.now().UTC()
	m.rows[id] = next
	return clone(next), nil
}

func (m *Memory) Delete(_ context.Context, owner, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[id]
	if !ok || cur.OwnerID != owner {
		return ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

func (m *Memory) ListByOwner(_ context.Context, owner string) ([]payment.RecurringPayment, error) {
	return m.filter(func(p payment.RecurringPayment) bool { return p.OwnerID == owner }), nil
}

func (m *Memory) DueForExecution(_ context.Context, today time.Time) ([]payment.RecurringPayment, error) {
	key := dateKey(today)
	return m.filter(func(p payment.RecurringPayment) bool {
		return p.IsActive && p.AutoExecute && dateKey(p.NextPaymentDate) <= key
	}), nil
}

func (m *Memory) ReminderCandidates(context.Context) ([]payment.RecurringPayment, error) {
	return m.filter(func(p payment.RecurringPayment) bool {
		return p.IsActive && p.RemindBeforeDays > 0
	}), nil
}

func (m *Memory) Advance(_ context.Context, id string, expectedNext, last, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	if dateKey(cur.NextPaymentDate) != dateKey(expectedNext) {
		return ErrConflict
	}
	l := calendarDate(last)
	cur.LastPaymentDate = &l
	cur.NextPaymentDate = calendarDate(next)
	cur.UpdatedAt = m.now().UTC()
	m.rows[id] = cur
	return nil
}

func (m *Memory) Close() error { return nil }

// filter returns matching rows ordered by next payment date, then id.
func (m *Memory) filter(keep func(payment.RecurringPayment) bool) []payment.RecurringPayment {
	m.mu.RLock()
	out := make([]payment.RecurringPayment, 0, len(m.rows))
	for _, p := range m.rows {
		if keep(p) {
			out = append(out, clone(p))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextPaymentDate.Equal(out[j].NextPaymentDate) {
			return out[i].NextPaymentDate.Before(out[j].NextPaymentDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

var _ Store = (*Memory)(nil)
