package dispatch

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics accumulates counters across passes. The zero value is ready to use
// and it is safe for concurrent use.
type Metrics struct {
	passes          atomic.Uint64
	aborted         atomic.Uint64
	posted          atomic.Uint64
	failed          atomic.Uint64
	conflicts       atomic.Uint64
	remindersSent   atomic.Uint64
	remindersFailed atomic.Uint64

	mu   sync.Mutex
	last map[Kind]Report
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Passes          uint64          `json:"passes"`
	Aborted         uint64          `json:"aborted"`
	Posted          uint64          `json:"posted"`
	Failed          uint64          `json:"failed"`
	Conflicts       uint64          `json:"conflicts"`
	RemindersSent   uint64          `json:"reminders_sent"`
	RemindersFailed uint64          `json:"reminders_failed"`
	Last            map[Kind]Report `json:"last,omitempty"`
	At              time.Time       `json:"at"`
}

func (m *Metrics) record(r Report) {
	if m == nil {
		return
	}
	m.passes.Add(1)
	if r.Aborted != "" {
		m.aborted.Add(1)
	}
	switch r.Kind {
	case KindExecute:
		m.posted.Add(uint64(r.Posted))
		m.failed.Add(uint64(r.Failed))
		m.conflicts.Add(uint64(r.Conflicts))
	case KindRemind:
		m.remindersSent.Add(uint64(r.Posted))
		m.remindersFailed.Add(uint64(r.Failed))
	}
	m.mu.Lock()
	if m.last == nil {
		m.last = map[Kind]Report{}
	}
	m.last[r.Kind] = r
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{At: time.Now()}
	}
	s := MetricsSnapshot{
		Passes:          m.passes.Load(),
		Aborted:         m.aborted.Load(),
		Posted:          m.posted.Load(),
		Failed:          m.failed.Load(),
		Conflicts:       m.conflicts.Load(),
		RemindersSent:   m.remindersSent.Load(),
		RemindersFailed: m.remindersFailed.Load(),
		At:              time.Now(),
	}
	m.mu.Lock()
	if len(m.last) > 0 {
		s.Last = make(map[Kind]Report, len(m.last))
		for k, v := range m.last {
			s.Last[k] = v
		}
	}
	m.mu.Unlock()
	return s
}
