package app

import (
	"context"
	"time"

	"recurpay/internal/dispatch"
	"recurpay/internal/notifier"
	supervisor "recurpay/internal/runtime/supervisor"
	"recurpay/internal/task/engine"
	"recurpay/internal/task/scheduler"
)

// StatusDoc is served at /status.
type StatusDoc struct {
	Service   string    `json:"service"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Uptime    string    `json:"uptime,omitempty"`
	Today     string    `json:"today"`

	Dispatch   dispatch.MetricsSnapshot `json:"dispatch"`
	Scheduler  scheduler.Snapshot       `json:"scheduler"`
	Engine     engine.Snapshot          `json:"engine"`
	Reminders  []notifier.HistoryItem   `json:"reminders,omitempty"`
	Supervisor *supervisor.Snapshot     `json:"supervisor,omitempty"`

	EventsDropped uint64 `json:"events_dropped"`
}

func (a *App) Status() StatusDoc {
	doc := StatusDoc{
		Service:       "recurpay",
		Today:         a.today().Format(time.DateOnly),
		Dispatch:      a.metrics.Snapshot(),
		Scheduler:     a.sched.Snapshot(),
		Engine:        a.engine.Snapshot(),
		Reminders:     a.notif.History(),
		EventsDropped: a.bus.Dropped(),
	}
	if a.sup != nil {
		doc.StartedAt = a.startedAt
		doc.Uptime = time.Since(a.startedAt).Truncate(time.Second).String()
		snap := a.sup.Snapshot()
		doc.Supervisor = &snap
	}
	return doc
}

func (a *App) statusDoc(context.Context) any { return a.Status() }
