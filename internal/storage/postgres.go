package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mpgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"recurpay/internal/payment"
	logx "recurpay/pkg/logx"
)

type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

const pgColumns = `id, owner_id, name, amount::text, category_id, budget_id, frequency, day_of_week, day_of_month,
	next_payment_date::text, last_payment_date::text, remind_before_days, auto_execute, is_active, created_at, updated_at`

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	drv, err := mpgx.WithInstance(db, &mpgx.Config{})
	if err != nil {
		_ = db.Close()
		pool.Close()
		return nil, fmt.Errorf("postgres migrate driver: %w", err)
	}
	m, err := migrateUp("postgres", drv, log)
	if m != nil {
		_, _ = m.Close()
	}
	if err != nil {
		pool.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", "postgres"), logx.String("host", pcfg.ConnConfig.Host))
	return &pgStore{pool: pool, log: log}, nil
}

func (s *pgStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func scanPG(row pgx.Row) (payment.RecurringPayment, error) {
	var r record
	err := row.Scan(&r.ID, &r.OwnerID, &r.Name, &r.Amount, &r.CategoryID, &r.BudgetID, &r.Frequency,
		&r.DayOfWeek, &r.DayOfMonth, &r.Next, &r.Last, &r.Remind, &r.Auto, &r.Active, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return payment.RecurringPayment{}, err
	}
	return r.payment()
}

func (s *pgStore) Create(ctx context.Context, p *payment.RecurringPayment) error {
	if err := prepareCreate(p, time.Now().UTC()); err != nil {
		return err
	}
	r := toRecord(*p)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO recurring_payments(id, owner_id, name, amount, category_id, budget_id, frequency,
		 day_of_week, day_of_month, next_payment_date, last_payment_date, remind_before_days, auto_execute,
		 is_active, created_at, updated_at)
		 VALUES($1,$2,$3,$4::numeric,$5,$6,$7,$8,$9,$10::date,$11::date,$12,$13,$14,$15,$16)`,
		r.ID, r.OwnerID, r.Name, r.Amount, r.CategoryID, r.BudgetID, r.Frequency, r.DayOfWeek, r.DayOfMonth,
		r.Next, r.Last, r.Remind, r.Auto, r.Active, r.CreatedAt, r.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

func (s *pgStore) Get(ctx context.Context, id string) (payment.RecurringPayment, error) {
	p, err := scanPG(s.pool.QueryRow(ctx, `SELECT `+pgColumns+` FROM recurring_payments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return payment.RecurringPayment{}, ErrNotFound
	}
	return p, err
}

func (s *pgStore) Update(ctx context.Context, owner, id string, patch payment.Patch) (payment.RecurringPayment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return payment.RecurringPayment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := scanPG(tx.QueryRow(ctx,
		`SELECT `+pgColumns+` FROM recurring_payments WHERE id = $1 AND owner_id = $2 FOR UPDATE`, id, owner))
	if errors.Is(err, pgx.ErrNoRows) {
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
	next.UpdatedAt = time.Now().UTC()
	r := toRecord(next)
	_, err = tx.Exec(ctx,
		`UPDATE recurring_payments SET name=$1, amount=$2::numeric, category_id=$3, budget_id=$4, frequency=$5,
		 day_of_week=$6, day_of_month=$7, next_payment_date=$8::date, remind_before_days=$9, auto_execute=$10,
		 is_active=$11, updated_at=$12 WHERE id = $13`,
		r.Name, r.Amount, r.CategoryID, r.BudgetID, r.Frequency, r.DayOfWeek, r.DayOfMonth, r.Next,
		r.Remind, r.Auto, r.Active, r.UpdatedAt, r.ID,
	)
	if err != nil {
		return payment.RecurringPayment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return payment.RecurringPayment{}, err
	}
	return next, nil
}

func (s *pgStore) Delete(ctx context.Context, owner, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM recurring_payments WHERE id = $1 AND owner_id = $2`, id, owner)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) ListByOwner(ctx context.Context, owner string) ([]payment.RecurringPayment, error) {
	return s.query(ctx, `SELECT `+pgColumns+` FROM recurring_payments WHERE owner_id = $1
		ORDER BY next_payment_date, id`, owner)
}

func (s *pgStore) DueForExecution(ctx context.Context, today time.Time) ([]payment.RecurringPayment, error) {
	return s.query(ctx, `SELECT `+pgColumns+` FROM recurring_payments
		WHERE is_active AND auto_execute AND next_payment_date <= $1::date
		ORDER BY next_payment_date, id`, dateKey(today))
}

func (s *pgStore) ReminderCandidates(ctx context.Context) ([]payment.RecurringPayment, error) {
	return s.query(ctx, `SELECT `+pgColumns+` FROM recurring_payments
		WHERE is_active AND remind_before_days > 0
		ORDER BY next_payment_date, id`)
}

func (s *pgStore) Advance(ctx context.Context, id string, expectedNext, last, next time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE recurring_payments SET last_payment_date = $1::date, next_payment_date = $2::date, updated_at = now()
		 WHERE id = $3 AND next_payment_date = $4::date`,
		dateKey(last), dateKey(next), id, dateKey(expectedNext),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM recurring_payments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (s *pgStore) query(ctx context.Context, q string, args ...any) ([]payment.RecurringPayment, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []payment.RecurringPayment
	for rows.Next() {
		p, err := scanPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
