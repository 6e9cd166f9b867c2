package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "modernc.org/sqlite"

	"recurpay/internal/payment"
	logx "recurpay/pkg/logx"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

const sqliteColumns = `id, owner_id, name, amount, category_id, budget_id, frequency, day_of_week, day_of_month,
	next_payment_date, last_payment_date, remind_before_days, auto_execute, is_active, created_at, updated_at`

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; one connection also serializes Advance.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", pragma, err)
		}
	}

	drv, err := msqlite.WithInstance(db, &msqlite.Config{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate driver: %w", err)
	}
	// The migrate handle is not closed: closing it would close db.
	if _, err := migrateUp("sqlite", drv, log); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", "sqlite"), logx.String("path", path))
	return &sqliteStore{db: db, log: log, now: time.Now}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(sc rowScanner) (payment.RecurringPayment, error) {
	var (
		r                record
		created, updated string
	)
	err := sc.Scan(&r.ID, &r.OwnerID, &r.Name, &r.Amount, &r.CategoryID, &r.BudgetID, &r.Frequency,
		&r.DayOfWeek, &r.DayOfMonth, &r.Next, &r.Last, &r.Remind, &r.Auto, &r.Active, &created, &updated)
	if err != nil {
		return payment.RecurringPayment{}, err
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return r.payment()
}

func (s *sqliteStore) Create(ctx context.Context, p *payment.RecurringPayment) error {
	if err := prepareCreate(p, s.now().UTC()); err != nil {
		return err
	}
	r := toRecord(*p)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recurring_payments(`+sqliteColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.OwnerID, r.Name, r.Amount, r.CategoryID, r.BudgetID, r.Frequency, r.DayOfWeek, r.DayOfMonth,
		r.Next, r.Last, r.Remind, r.Auto, r.Active,
		r.CreatedAt.Format(time.RFC3339Nano), r.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrConflict
	}
	return err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (payment.RecurringPayment, error) {
	p, err := scanSQLite(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM recurring_payments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return payment.RecurringPayment{}, ErrNotFound
	}
	return p, err
}

func (s *sqliteStore) Update(ctx context.Context, owner, id string, patch payment.Patch) (payment.RecurringPayment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return payment.RecurringPayment{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanSQLite(tx.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM recurring_payments WHERE id = ? AND owner_id = ?`, id, owner))
	if errors.Is(err, sql.ErrNoRows) {
		return payment.RecurringPayment{}, ErrNotFound
	}
	if err != nil {
		return payment.RecurringPayment{}, err
	}
	next, err := patch.Apply(cur)
	if err != nil {
		return payment.RecurringPayment{}, err
	}
	next.NextPaymentDate = calendarDate(next.NextPaymentDate)
	next.UpdatedAt = s.now().UTC()
	r := toRecord(next)
	_, err = tx.ExecContext(ctx,
		`UPDATE recurring_payments SET name=?, amount=?, category_id=?, budget_id=?, frequency=?,
		 day_of_week=?, day_of_month=?, next_payment_date=?, remind_before_days=?, auto_execute=?,
		 is_active=?, updated_at=? WHERE id = ?`,
		r.Name, r.Amount, r.CategoryID, r.BudgetID, r.Frequency, r.DayOfWeek, r.DayOfMonth, r.Next,
		r.Remind, r.Auto, r.Active, r.UpdatedAt.Format(time.RFC3339Nano), r.ID,
	)
	if err != nil {
		return payment.RecurringPayment{}, err
	}
	if err := tx.Commit(); err != nil {
		return payment.RecurringPayment{}, err
	}
	return next, nil
}

func (s *sqliteStore) Delete(ctx context.Context, owner, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recurring_payments WHERE id = ? AND owner_id = ?`, id, owner)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListByOwner(ctx context.Context, owner string) ([]payment.RecurringPayment, error) {
	return s.query(ctx, `SELECT `+sqliteColumns+` FROM recurring_payments WHERE owner_id = ?
		ORDER BY next_payment_date, id`, owner)
}

func (s *sqliteStore) DueForExecution(ctx context.Context, today time.Time) ([]payment.RecurringPayment, error) {
	return s.query(ctx, `SELECT `+sqliteColumns+` FROM recurring_payments
		WHERE is_active = 1 AND auto_execute = 1 AND next_payment_date <= ?
		ORDER BY next_payment_date, id`, dateKey(today))
}

func (s *sqliteStore) ReminderCandidates(ctx context.Context) ([]payment.RecurringPayment, error) {
	return s.query(ctx, `SELECT `+sqliteColumns+` FROM recurring_payments
		WHERE is_active = 1 AND remind_before_days > 0
		ORDER BY next_payment_date, id`)
}

func (s *sqliteStore) Advance(ctx context.Context, id string, expectedNext, last, next time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recurring_payments SET last_payment_date = ?, next_payment_date = ?, updated_at = ?
		 WHERE id = ? AND next_payment_date = ?`,
		dateKey(last), dateKey(next), s.now().UTC().Format(time.RFC3339Nano), id, dateKey(expectedNext),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM recurring_payments WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]payment.RecurringPayment, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []payment.RecurringPayment
	for rows.Next() {
		p, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
