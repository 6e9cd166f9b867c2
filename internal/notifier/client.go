package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "recurpay/pkg/logx"
)

// Client posts reminders to {base}/api/notifications.
//
// It is safe for concurrent use.
type Client struct {
	mu      sync.Mutex
	cfg     Config
	base    string
	limiter *rate.Limiter
	http    *http.Client
	log     logx.Logger

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		http:  &http.Client{},
		log:   log,
		dedup: map[string]time.Time{},
	}
	c.applyLocked(cfg)
	return c
}

func (c *Client) Enabled() bool {
	c.mu.Lock()
	en := c.cfg.Enabled
	c.mu.Unlock()
	return en
}

func (c *Client) Apply(cfg Config) {
	c.mu.Lock()
	c.applyLocked(cfg)
	c.mu.Unlock()
}

func (c *Client) applyLocked(cfg Config) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 5000
	}
	c.cfg = cfg
	c.base = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

type notificationRequest struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Notify delivers m. A reminder suppressed by the dedup window returns nil.
func (c *Client) Notify(ctx context.Context, m Message) error {
	c.mu.Lock()
	cfg := c.cfg
	base := c.base
	lim := c.limiter
	c.mu.Unlock()

	if !cfg.Enabled || base == "" {
		return ErrDisabled
	}
	key := m.Key
	if key == "" {
		key = dedupKey(m)
	}
	if cfg.DedupWindow > 0 && c.seen(key) {
		c.log.Debug("reminder suppressed", logx.String("owner", m.OwnerID), logx.String("key", key))
		return nil
	}

	body, err := json.Marshal(notificationRequest{Title: m.Title, Message: m.Body, Type: TypePayment})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrDelivery, err)
		}
		lastErr = c.post(ctx, base, cfg.Timeout, m.OwnerID, body)
		if lastErr == nil {
			if cfg.DedupWindow > 0 {
				c.remember(key, cfg.DedupWindow, cfg.DedupMaxEntries)
			}
			c.appendHistory(m)
			return nil
		}
		c.log.Debug("notify send failed", logx.Err(lastErr), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt >= maxAttempts || !retryable(lastErr) {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: %v", ErrDelivery, ctx.Err())
		}
	}
	return fmt.Errorf("%w: %w", ErrDelivery, lastErr)
}

func (c *Client) post(ctx context.Context, base string, timeout time.Duration, owner string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/notifications", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+owner)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// retryable reports whether another attempt may succeed. Client errors other
// than 408 and 429 are final.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests || se.Code == http.StatusRequestTimeout
	}
	return true
}

// History returns recently delivered reminders, oldest first.
func (c *Client) History() []HistoryItem {
	c.hmu.Lock()
	out := append([]HistoryItem(nil), c.history...)
	c.hmu.Unlock()
	return out
}

func (c *Client) appendHistory(m Message) {
	c.hmu.Lock()
	c.history = append(c.history, HistoryItem{At: time.Now(), OwnerID: m.OwnerID, Title: m.Title})
	if len(c.history) > 300 {
		c.history = c.history[len(c.history)-300:]
	}
	c.hmu.Unlock()
}

func dedupKey(m Message) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(m.OwnerID))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(m.Title))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(m.Body))
	return fmt.Sprintf("%x", h.Sum64())
}

func (c *Client) seen(key string) bool {
	now := time.Now()
	c.dmu.Lock()
	defer c.dmu.Unlock()
	until, ok := c.dedup[key]
	return ok && now.Before(until)
}

func (c *Client) remember(key string, window time.Duration, max int) {
	now := time.Now()
	c.dmu.Lock()
	defer c.dmu.Unlock()
	c.dedup[key] = now.Add(window)
	for k, until := range c.dedup {
		if !now.Before(until) {
			delete(c.dedup, k)
		}
	}
	// Remove entries with earliest expiry until within cap.
	for len(c.dedup) > max {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range c.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(c.dedup, minKey)
	}
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
