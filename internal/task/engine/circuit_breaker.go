package engine

import (
	"sort"
	"sync"
	"time"
)

// circuit tracks consecutive failures of one task name. After trip failures
// it opens for a cooldown that doubles with each further failure.
type circuit struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitSet struct {
	mu sync.Mutex
	m  map[string]*circuit
}

func tripThreshold(cfg Config, opt TaskOptions) int {
	if cfg.CircuitTripFailures < 0 || opt.CircuitTripFailures < 0 {
		return 0
	}
	if opt.CircuitTripFailures > 0 {
		return opt.CircuitTripFailures
	}
	return cfg.CircuitTripFailures
}

// expire resets a circuit whose last failure is older than resetAfter.
// Callers hold cs.mu.
func (c *circuit) expire(now time.Time, resetAfter time.Duration) {
	if !c.lastFailure.IsZero() && resetAfter > 0 && now.Sub(c.lastFailure) > resetAfter {
		*c = circuit{}
	}
}

func (cs *circuitSet) isOpen(now time.Time, name string, cfg Config, opt TaskOptions) (bool, time.Time) {
	if tripThreshold(cfg, opt) == 0 {
		return false, time.Time{}
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c := cs.m[name]
	if c == nil {
		return false, time.Time{}
	}
	c.expire(now, cfg.CircuitResetAfter)
	if now.Before(c.openUntil) {
		return true, c.openUntil
	}
	return false, time.Time{}
}

func (cs *circuitSet) record(now time.Time, name string, cfg Config, opt TaskOptions, err error) {
	trip := tripThreshold(cfg, opt)
	if trip == 0 {
		return
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.m == nil {
		cs.m = make(map[string]*circuit)
	}
	c := cs.m[name]
	if c == nil {
		c = &circuit{}
		cs.m[name] = c
	}
	c.expire(now, cfg.CircuitResetAfter)

	if err == nil {
		*c = circuit{}
		return
	}
	c.fails++
	c.lastFailure = now
	if c.fails < trip {
		return
	}
	d := cfg.CircuitBaseDelay
	for i := 0; i < c.fails-trip && d < cfg.CircuitMaxDelay; i++ {
		d *= 2
	}
	c.openUntil = now.Add(min(d, cfg.CircuitMaxDelay))
}

func (cs *circuitSet) open(now time.Time) []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	var out []string
	for name, c := range cs.m {
		if now.Before(c.openUntil) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
