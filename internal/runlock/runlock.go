// Package runlock guards batch passes so that only one pass of a kind runs
// at a time, either within this process (local) or across every process
// sharing a redis server (redis).
package runlock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrHeld is returned by Run when another holder owns the lock.
var ErrHeld = errors.New("run lock held")

// Release frees a lock. It is safe to call more than once.
type Release func(ctx context.Context) error

// Locker acquires named, expiring locks. ok is false when the lock is held
// elsewhere.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release Release, ok bool, err error)
	Close() error
}

// Run acquires key, runs fn and releases the lock. A held lock returns
// ErrHeld without calling fn.
func Run(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(context.Context) error) error {
	release, ok, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrHeld
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		_ = release(rctx)
		cancel()
	}()
	return fn(ctx)
}

// Local is an in-process Locker.
type Local struct {
	mu    sync.Mutex
	held  map[string]localEntry
	now   func() time.Time
	nonce uint64
}

type localEntry struct {
	until time.Time
	id    uint64
}

func NewLocal() *Local {
	return &Local{held: map[string]localEntry{}, now: time.Now}
}

func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (Release, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, errors.New("run lock key is empty")
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.held[key]; ok && (e.until.IsZero() || now.Before(e.until)) {
		return nil, false, nil
	}
	l.nonce++
	e := localEntry{id: l.nonce}
	if ttl > 0 {
		e.until = now.Add(ttl)
	}
	l.held[key] = e
	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			if cur, ok := l.held[key]; ok && cur.id == e.id {
				delete(l.held, key)
			}
			l.mu.Unlock()
		})
		return nil
	}, true, nil
}

func (l *Local) Close() error { return nil }

var _ Locker = (*Local)(nil)
