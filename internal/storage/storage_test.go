package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurpay/internal/payment"
	logx "recurpay/pkg/logx"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newPayment(owner, name string, next time.Time) payment.RecurringPayment {
	p := payment.New(owner, name, decimal.RequireFromString("12.50"), "cat-1", payment.Monthly, next)
	p.DayOfMonth = next.Day()
	return p
}

type storeFactory func(t *testing.T) Store

func stores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			st, err := Open(context.Background(), Config{
				Driver: "sqlite",
				Path:   filepath.Join(t.TempDir(), "data", "recurpay.db"),
			}, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
}

func ids(ps []payment.RecurringPayment) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Name)
	}
	return out
}

func TestStoreContract(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			t.Run("create and get", func(t *testing.T) {
				st := open(t)
				ctx := context.Background()
				p := newPayment("u1", "rent", day(2025, 1, 15))
				p.BudgetID = "b-9"
				require.NoError(t, st.Create(ctx, &p))

				got, err := st.Get(ctx, p.ID)
				require.NoError(t, err)
				assert.Equal(t, "rent", got.Name)
				assert.True(t, got.Amount.Equal(decimal.RequireFromString("12.5")))
				assert.Equal(t, "b-9", got.BudgetID)
				assert.Equal(t, "2025-01-15", got.NextPaymentDate.Format(time.DateOnly))
				assert.Nil(t, got.LastPaymentDate)
				assert.True(t, got.AutoExecute)
				assert.True(t, got.IsActive)
				assert.False(t, got.CreatedAt.IsZero())
			})

			t.Run("create rejects invalid", func(t *testing.T) {
				st := open(t)
				p := newPayment("u1", "bad", day(2025, 1, 15))
				p.Amount = decimal.Zero
				err := st.Create(context.Background(), &p)
				assert.ErrorIs(t, err, payment.ErrInvalid)
			})

			t.Run("get missing", func(t *testing.T) {
				st := open(t)
				_, err := st.Get(context.Background(), "nope")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("due selection", func(t *testing.T) {
				st := open(t)
				ctx := context.Background()
				today := day(2025, 3, 10)

				yesterday := newPayment("u1", "yesterday", today.AddDate(0, 0, -1))
				onDay := newPayment("u1", "today", today)
				tomorrow := newPayment("u1", "tomorrow", today.AddDate(0, 0, 1))
				inactive := newPayment("u1", "inactive", today.AddDate(0, 0, -5))
				inactive.IsActive = false
				manual := newPayment("u1", "manual", today)
				manual.AutoExecute = false
				for _, p := range []*payment.RecurringPayment{&yesterday, &onDay, &tomorrow, &inactive, &manual} {
					require.NoError(t, st.Create(ctx, p))
				}

				due, err := st.DueForExecution(ctx, today)
				require.NoError(t, err)
				assert.Equal(t, []string{"yesterday", "today"}, ids(due))
			})

			t.Run("due uses the calendar day of today", func(t *testing.T) {
				st := open(t)
				ctx := context.Background()
				p := newPayment("u1", "late", day(2025, 3, 10))
				require.NoError(t, st.Create(ctx, &p))

				loc := time.FixedZone("UTC+7", 7*3600)
				due, err := st.DueForExecution(ctx, time.Date(2025, 3, 10, 0, 30, 0, 0, loc))
				require.NoError(t, err)
				assert.Len(t, due, 1)
			})

			t.Run("reminder candidates", func(t *testing.T) {
				st := open(t)
				ctx := context.Background()
				a := newPayment("u1", "a", day(2025, 6, 10))
				b := newPayment("u1", "b", day(2025, 6, 10))
				b.RemindBeforeDays = 0
				c := newPayment("u1", "c", day(2025, 6, 10))
				c.IsActive = false
				d := newPayment("u1", "d", day(2025, 6, 10))
				d.AutoExecute = false
				for _, p := range []*payment.RecurringPayment{&a, &b, &c, &d} {
					require.NoError(t, st.Create(ctx, p))
				}
				got, err := st.ReminderCandidates(ctx)
				require.NoError(t, err)
				assert.ElementsMatch(t, []string{"a", "d"}, ids(got))
			})

			t.Run("advance compares and swaps", func(t *testing.T) {
				st := open(t)
				ctx := context.Background()
				p := newPayment("u1", "gym", day(2025, 1, 15))
				require.NoError(t, st.Create(ctx, &p))

				require.NoError(t, st.Advance(ctx, p.ID, day(2025, 1, 15), day(2025, 1, 15), day(2025, 2, 15)))
				got, err := st.Get(ctx, p.ID)
				require.NoError(t, err)
				assert.Equal(t, "2025-02-15", got.NextPaymentDate.Format(time.DateOnly))
				require.NotNil(t, got.LastPaymentDate)
				assert.Equal(t, "2025-01-15", got.LastPaymentDate.Format(time.DateOnly))

				err = st.Advance(ctx, p.ID, day(2025, 1, 15), day(2025, 1, 15), day(2025, 2, 15))
				assert.ErrorIs(t, err, ErrConflict)

				err = st.Advance(ctx, "missing", day(2025, 1, 15), day(2025, 1, 15), day(2025, 2, 15))
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("owner scoping", func(t *testing.T) {
				st := open(t)
				ctx := context.Background()
				p := newPayment("u1", "netflix", day(2025, 1, 15))
				q := newPayment("u2", "spotify", day(2025, 1, 20))
				require.NoError(t, st.Create(ctx, &p))
				require.NoError(t, st.Create(ctx, &q))

				list, err := st.ListByOwner(ctx, "u1")
				require.NoError(t, err)
				assert.Equal(t, []string{"netflix"}, ids(list))

				name := "hijack"
				_, err = st.Update(ctx, "u2", p.ID, payment.Patch{Name: &name})
				assert.ErrorIs(t, err, ErrNotFound)
				assert.ErrorIs(t, st.Delete(ctx, "u2", p.ID), ErrNotFound)

				require.NoError(t, st.Delete(ctx, "u1", p.ID))
				_, err = st.Get(ctx, p.ID)
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("update", func(t *testing.T) {
				st := open(t)
				ctx := context.Background()
				p := newPayment("u1", "phone", day(2025, 1, 15))
				require.NoError(t, st.Create(ctx, &p))

				amount := decimal.RequireFromString("20")
				active := false
				got, err := st.Update(ctx, "u1", p.ID, payment.Patch{Amount: &amount, IsActive: &active})
				require.NoError(t, err)
				assert.True(t, got.Amount.Equal(amount))
				assert.False(t, got.IsActive)

				stored, err := st.Get(ctx, p.ID)
				require.NoError(t, err)
				assert.True(t, stored.Amount.Equal(amount))
				assert.False(t, stored.IsActive)

				zero := decimal.Zero
				_, err = st.Update(ctx, "u1", p.ID, payment.Patch{Amount: &zero})
				assert.ErrorIs(t, err, payment.ErrInvalid)
			})
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop())
	assert.Error(t, err)
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "sqlite"}, logx.Nop())
	assert.Error(t, err)
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "recurpay.db")
	st, err := Open(ctx, Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	p := newPayment("u1", "rent", day(2025, 1, 15))
	require.NoError(t, st.Create(ctx, &p))
	require.NoError(t, st.Close())

	st, err = Open(ctx, Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, err := st.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "rent", got.Name)
}
