package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"recurpay/internal/task/engine"
	logx "recurpay/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// Add registers (or replaces) the schedule called name. Each trigger enqueues
// an engine task with the same name, so opt.Overlap applies per schedule.
func (s *Service) Add(name, schedule string, timeout time.Duration, opt engine.TaskOptions, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = "@every " + ps.Every.String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, scheduleDef{
		name:    name,
		spec:    spec,
		source:  ps.Source,
		timeout: timeout,
		opt:     opt,
		job:     job,
	})
	if s.c == nil {
		return nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	s.log.Debug("schedule registered",
		logx.String("name", name),
		logx.String("spec", spec),
		logx.Time("next", s.c.Entry(d.entryID).Next),
	)
	return nil
}

// AddDaily registers a schedule that fires every day at HH:MM in the scheduler timezone.
func (s *Service) AddDaily(name, atHHMM string, timeout time.Duration, opt engine.TaskOptions, job func(ctx context.Context) error) error {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return err
	}
	return s.Add(name, fmt.Sprintf("%d %d * * *", m, h), timeout, opt, job)
}

// Remove unschedules name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removeLocked(strings.TrimSpace(name))
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) removeLocked(name string) bool {
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			continue
		}
		s.defs[n] = d
		n++
	}
	removed := n < len(s.defs)
	clear(s.defs[n:])
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	name, timeout, opt, run := d.name, d.timeout, d.opt, d.job
	job := cron.FuncJob(func() {
		s.noteFired(name)
		if s.engine == nil {
			return
		}
		err := s.engine.Enqueue(engine.Task{Name: name, Timeout: timeout, Opt: opt, Run: run})
		s.reportEnqueueError(name, err)
	})

	if every, ok := strings.CutPrefix(d.spec, "@every "); ok {
		if dur, err := time.ParseDuration(every); err == nil && dur > 0 {
			sched, jitter := intervalWithSpread(dur, time.Now().In(s.loc), name)
			d.spread = jitter
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}
	id, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

func (s *Service) noteFired(name string) {
	s.enqMu.Lock()
	s.fired[name]++
	s.enqMu.Unlock()
}

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	// The previous pass is still running; the engine already logged the skip.
	if errors.Is(err, engine.ErrOverlapSkip) {
		return
	}
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()
	s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
}

// NextRuns previews the next n trigger times of a schedule string in loc.
func NextRuns(schedule string, loc *time.Location, from time.Time, n int) ([]time.Time, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}
	var sched cron.Schedule
	if ps.Kind == SpecInterval {
		sched = cron.Every(ps.Every)
	} else if sched, err = specParser.Parse(ps.Cron); err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := from.In(loc)
	for range n {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}
