package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "recurpay/pkg/logx"
)

func testConfig(url string) Config {
	return Config{
		Enabled:       true,
		BaseURL:       url,
		RatePerSec:    100,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}
}

func TestNotifyPostsPaymentNotification(t *testing.T) {
	var (
		path, auth string
		body       notificationRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), logx.Nop())
	err := c.Notify(context.Background(), Message{OwnerID: "u1", Title: "Upcoming payment", Body: "Rent in 3 days"})
	require.NoError(t, err)

	assert.Equal(t, "/api/notifications", path)
	assert.Equal(t, "Bearer u1", auth)
	assert.Equal(t, notificationRequest{Title: "Upcoming payment", Message: "Rent in 3 days", Type: "payment"}, body)
	require.Len(t, c.History(), 1)
	assert.Equal(t, "u1", c.History()[0].OwnerID)
}

func TestNotifyRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.RetryMax = 2
	c := New(cfg, logx.Nop())
	require.NoError(t, c.Notify(context.Background(), Message{OwnerID: "u1", Title: "t", Body: "b"}))
	assert.EqualValues(t, 3, calls.Load())
}

func TestNotifyDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.RetryMax = 3
	c := New(cfg, logx.Nop())
	err := c.Notify(context.Background(), Message{OwnerID: "u1", Title: "t", Body: "b"})
	assert.ErrorIs(t, err, ErrDelivery)
	assert.EqualValues(t, 1, calls.Load())
}

func TestNotifyDedupWindow(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.DedupWindow = time.Hour
	c := New(cfg, logx.Nop())
	m := Message{OwnerID: "u1", Title: "t", Body: "b", Key: "p1|2025-06-10"}
	require.NoError(t, c.Notify(context.Background(), m))
	require.NoError(t, c.Notify(context.Background(), m))
	m.Key = "p2|2025-06-10"
	require.NoError(t, c.Notify(context.Background(), m))
	assert.EqualValues(t, 2, calls.Load())
}

func TestNotifyDisabled(t *testing.T) {
	c := New(Config{}, logx.Nop())
	assert.ErrorIs(t, c.Notify(context.Background(), Message{OwnerID: "u1"}), ErrDisabled)
}

func TestRetryDelayCapped(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: 300 * time.Millisecond}
	for attempt := 1; attempt < 8; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.LessOrEqual(t, d, cfg.RetryMaxDelay)
		assert.Greater(t, d, time.Duration(0))
	}
}
