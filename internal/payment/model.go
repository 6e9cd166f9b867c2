// Package payment defines the recurring payment record and its validation.
package payment

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid recurring payment")

type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

func (f Frequency) Valid() bool {
	switch f {
	case Daily, Weekly, Monthly:
		return true
	}
	return false
}

// Defaults applied by New.
const (
	DefaultRemindBeforeDays = 1
	MaxDayOfMonth           = 28
)

// RecurringPayment is one user-owned obligation that the engine posts to the
// expense ledger on NextPaymentDate and advances afterwards.
//
// NextPaymentDate is the only input to due-ness. LastPaymentDate is written
// only when a post succeeded and the record was advanced.
type RecurringPayment struct {
	ID         string          `json:"id"`
	OwnerID    string          `json:"owner_id" validate:"required"`
	Name       string          `json:"name" validate:"required,max=200"`
	Amount     decimal.Decimal `json:"amount"`
	CategoryID string          `json:"category_id" validate:"required"`
	BudgetID   string          `json:"budget_id,omitempty"`

	Frequency  Frequency `json:"frequency" validate:"required,oneof=daily weekly monthly"`
	DayOfWeek  int       `json:"day_of_week,omitempty" validate:"required_if=Frequency weekly,omitempty,min=1,max=7"`
	DayOfMonth int       `json:"day_of_month,omitempty" validate:"required_if=Frequency monthly,omitempty,min=1,max=28"`

	NextPaymentDate  time.Time  `json:"next_payment_date" validate:"required"`
	LastPaymentDate  *time.Time `json:"last_payment_date,omitempty"`
	RemindBeforeDays int        `json:"remind_before_days" validate:"gte=0,lte=365"`

	AutoExecute bool `json:"auto_execute"`
	IsActive    bool `json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns a record with the documented defaults: a fresh id, one day of
// reminder lead time, auto-execution on and active.
func New(owner, name string, amount decimal.Decimal, categoryID string, freq Frequency, next time.Time) RecurringPayment {
	return RecurringPayment{
		ID:               uuid.NewString(),
		OwnerID:          owner,
		Name:             name,
		Amount:           amount,
		CategoryID:       categoryID,
		Frequency:        freq,
		NextPaymentDate:  next,
		RemindBeforeDays: DefaultRemindBeforeDays,
		AutoExecute:      true,
		IsActive:         true,
	}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			return name
		})
	})
	return validate
}

// Validate checks field constraints and the cross-field rules. The returned
// error wraps ErrInvalid.
func (p *RecurringPayment) Validate() error {
	var problems []string
	if err := structValidator().Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	if !p.Amount.IsPositive() {
		problems = append(problems, "amount must be > 0")
	}
	if p.LastPaymentDate != nil && !p.NextPaymentDate.IsZero() && p.NextPaymentDate.Before(*p.LastPaymentDate) {
		problems = append(problems, "next_payment_date is before last_payment_date")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Rule returns the recurrence parameters of p.
func (p *RecurringPayment) Rule() Rule {
	return Rule{Frequency: p.Frequency, DayOfWeek: p.DayOfWeek, DayOfMonth: p.DayOfMonth}
}

// Rule is the recurrence input: frequency plus its optional anchor day.
type Rule struct {
	Frequency  Frequency
	DayOfWeek  int
	DayOfMonth int
}

// Patch carries a partial update. Nil fields are left unchanged. Owner, id
// and LastPaymentDate cannot be patched.
type Patch struct {
	Name             *string          `json:"name,omitempty"`
	Amount           *decimal.Decimal `json:"amount,omitempty"`
	CategoryID       *string          `json:"category_id,omitempty"`
	BudgetID         *string          `json:"budget_id,omitempty"`
	Frequency        *Frequency       `json:"frequency,omitempty"`
	DayOfWeek        *int             `json:"day_of_week,omitempty"`
	DayOfMonth       *int             `json:"day_of_month,omitempty"`
	NextPaymentDate  *time.Time       `json:"next_payment_date,omitempty"`
	RemindBeforeDays *int             `json:"remind_before_days,omitempty"`
	AutoExecute      *bool            `json:"auto_execute,omitempty"`
	IsActive         *bool            `json:"is_active,omitempty"`
}

// Apply returns a copy of p with the patch applied and validated.
func (pt Patch) Apply(p RecurringPayment) (RecurringPayment, error) {
	set(&p.Name, pt.Name)
	set(&p.Amount, pt.Amount)
	set(&p.CategoryID, pt.CategoryID)
	set(&p.BudgetID, pt.BudgetID)
	set(&p.Frequency, pt.Frequency)
	set(&p.DayOfWeek, pt.DayOfWeek)
	set(&p.DayOfMonth, pt.DayOfMonth)
	set(&p.NextPaymentDate, pt.NextPaymentDate)
	set(&p.RemindBeforeDays, pt.RemindBeforeDays)
	set(&p.AutoExecute, pt.AutoExecute)
	set(&p.IsActive, pt.IsActive)
	if err := p.Validate(); err != nil {
		return RecurringPayment{}, err
	}
	return p, nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
