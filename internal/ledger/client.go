// Package ledger posts auto-executed payments to the expense service.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// ErrTransient marks a failed post that is safe to retry on a later pass.
// Every ledger failure is transient from the engine's point of view.
var ErrTransient = errors.New("ledger unavailable")

// StatusError is returned when the expense service answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ledger status %d", e.Code)
	}
	return fmt.Sprintf("ledger status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrTransient }

// Entry is one expense to create.
type Entry struct {
	OwnerID        string
	Amount         decimal.Decimal
	CategoryID     string
	BudgetID       string
	Note           string
	Date           time.Time
	IdempotencyKey string
}

// Poster is the dependency the execution dispatcher needs.
type Poster interface {
	CreateTransaction(ctx context.Context, e Entry) error
}

type Config struct {
	BaseURL      string
	Timeout      time.Duration // per request; 0 means 10s
	RatePerSec   float64       // 0 disables client-side limiting
	ServiceToken string        // bearer token; the owner id is used when empty
}

type Client struct {
	base    string
	token   string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("ledger base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		base:    base,
		token:   strings.TrimSpace(cfg.ServiceToken),
		timeout: timeout,
		http:    &http.Client{},
	}
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return c, nil
}

type expenseRequest struct {
	Amount     json.Number `json:"amount"`
	CategoryID string      `json:"categoryId"`
	BudgetID   string      `json:"budgetId,omitempty"`
	Note       string      `json:"note"`
	Date       string      `json:"date"`
}

// CreateTransaction posts e. Any transport error, timeout or non-2xx status
// is returned wrapping ErrTransient.
func (c *Client) CreateTransaction(ctx context.Context, e Entry) error {
	body, err := json.Marshal(expenseRequest{
		Amount:     json.Number(e.Amount.String()),
		CategoryID: e.CategoryID,
		BudgetID:   e.BudgetID,
		Note:       e.Note,
		Date:       e.Date.Format(time.DateOnly),
	})
	if err != nil {
		return fmt.Errorf("encode expense: %w", err)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/expenses", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	token := c.token
	if token == "" {
		token = e.OwnerID
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Owner-ID", e.OwnerID)
	if e.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", e.IdempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}
