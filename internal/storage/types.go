package storage

import (
	"context"
	"errors"
	"time"

	"recurpay/internal/payment"
)

var (
	ErrNotFound = errors.New("recurring payment not found")
	// ErrConflict means a conditional write lost: the record no longer has
	// the expected next payment date.
	ErrConflict = errors.New("recurring payment changed concurrently")
)

// Config configures storage.
//
// Driver values: "memory" (default), "sqlite", "postgres".
type Config struct {
	Driver      string
	Path        string        // sqlite file
	DSN         string        // postgres connection string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
	MaxConns    int32         // postgres pool size; 0 keeps the pgx default
}

// Store is the persistence API of the engine and the management surface.
//
// Dates are calendar dates. Comparisons use the year, month and day of the
// given time.Time in its own location.
type Store interface {
	Create(ctx context.Context, p *payment.RecurringPayment) error
	Get(ctx context.Context, id string) (payment.RecurringPayment, error)
	// Update applies patch to the record owned by owner.
	Update(ctx context.Context, owner, id string, patch payment.Patch) (payment.RecurringPayment, error)
	Delete(ctx context.Context, owner, id string) error
	ListByOwner(ctx context.Context, owner string) ([]payment.RecurringPayment, error)

	// DueForExecution returns active, auto-executing records whose next
	// payment date is on or before today.
	DueForExecution(ctx context.Context, today time.Time) ([]payment.RecurringPayment, error)
	// ReminderCandidates returns active records with a positive reminder lead time.
	ReminderCandidates(ctx context.Context) ([]payment.RecurringPayment, error)
	// Advance sets last and next payment dates only if the stored next date
	// still equals expectedNext. It returns ErrConflict otherwise.
	Advance(ctx context.Context, id string, expectedNext, last, next time.Time) error

	Close() error
}
