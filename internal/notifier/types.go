package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled = errors.New("notifier disabled")
	// ErrDelivery wraps every failed delivery after retries are exhausted.
	ErrDelivery = errors.New("notification delivery failed")
)

// TypePayment is the notification type of every reminder.
const TypePayment = "payment"

// Config controls the notification client.
type Config struct {
	Enabled         bool
	BaseURL         string
	Timeout         time.Duration // per attempt; 0 means 10s
	RatePerSec      int           // 0 means 3
	RetryMax        int           // extra attempts after the first
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration // 0 disables suppression
	DedupMaxEntries int
}

// Message is one reminder for one owner.
type Message struct {
	OwnerID string
	Title   string
	Body    string
	// Key identifies the reminder occurrence for dedup. Empty means the
	// owner, title and body are hashed instead.
	Key string
}

// Sender is the dependency the reminder dispatcher needs.
type Sender interface {
	Notify(ctx context.Context, m Message) error
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	OwnerID string    `json:"owner_id"`
	Title   string    `json:"title"`
}

// StatusError is returned for a non-2xx answer of the notification service.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("notification service status %d", e.Code) }
