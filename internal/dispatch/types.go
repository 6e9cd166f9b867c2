package dispatch

import (
	"time"
)

// Kind names a batch pass.
type Kind string

const (
	KindExecute Kind = "execute"
	KindRemind  Kind = "remind"
)

// Failure reasons recorded in reports and events.
const (
	ReasonContract = "contract" // recurrence rule could not produce a next date
	ReasonLedger   = "ledger"
	ReasonStore    = "store"
	ReasonNotify   = "notify"
	ReasonPanic    = "panic"
)

const maxReportErrors = 50

// Options tune a dispatcher.
type Options struct {
	Workers int // records processed concurrently; 0 means 4
}

func (o Options) workers() int {
	if o.Workers <= 0 {
		return 4
	}
	return o.Workers
}

// RecordError describes one failed record.
type RecordError struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Date    string `json:"date"`
	Reason  string `json:"reason"`
	Error   string `json:"error"`
}

// Report summarizes one pass.
type Report struct {
	Kind       Kind          `json:"kind"`
	Date       string        `json:"date"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Candidates int           `json:"candidates"`
	// Posted counts advanced records (execute) or delivered reminders (remind).
	Posted    int           `json:"posted"`
	Failed    int           `json:"failed"`
	Conflicts int           `json:"conflicts"`
	Errors    []RecordError `json:"errors,omitempty"`
	// Aborted is set when the candidate query failed and nothing was dispatched.
	Aborted string `json:"aborted,omitempty"`
}

// PaymentEvent is the payload of every payment.* and reminder.* event.
type PaymentEvent struct {
	ID       string `json:"id"`
	OwnerID  string `json:"owner_id"`
	Name     string `json:"name"`
	Date     string `json:"date"`
	NextDate string `json:"next_date,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
}
