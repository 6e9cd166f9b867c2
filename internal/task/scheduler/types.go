package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"recurpay/internal/task/engine"
	logx "recurpay/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name, e.g. "Asia/Jakarta"; empty means process local
}

type scheduleDef struct {
	name    string
	spec    string // normalized cron spec or "@every <d>"
	source  string
	timeout time.Duration
	opt     engine.TaskOptions
	job     func(ctx context.Context) error

	entryID cron.EntryID
	spread  time.Duration
}

// Enqueuer is the part of engine.Service the scheduler needs.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	engine Enqueuer

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
	fired       map[string]uint64
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Source  string        `json:"source"`
	Timeout time.Duration `json:"timeout"`
	Fired   uint64        `json:"fired"`
	Next    time.Time     `json:"next,omitzero"`
	Prev    time.Time     `json:"prev,omitzero"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
