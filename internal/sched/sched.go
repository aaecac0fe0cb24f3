// Package sched decides when backup runs fire. Weekly day/time slots are
// computed in the configured timezone; a plain minute interval covers the
// rest. Timers live on a TaskHandler so the firing machinery stays out of
// the occurrence math.
package sched

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"backrun/internal/config"
	"backrun/internal/core"
)

// driftInterval is how often every slot is re-registered from scratch.
// Long-running periodic timers accumulate skew; re-deriving the delays
// from the wall clock resets it.
const driftInterval = 24 * time.Hour

const (
	intervalTaskID = "interval"
	driftTaskID    = "drift-correction"
)

// slot is one weekly fire point.
type slot struct {
	day  time.Weekday
	hour int
	min  int
}

func (s slot) taskID() string {
	return fmt.Sprintf("weekly-%s-%02d-%02d", s.day, s.hour, s.min)
}

// nextOccurrence returns the first time at or after now that lands on the
// slot's weekday and wall-clock time, in now's location.
func nextOccurrence(now time.Time, s slot) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), s.hour, s.min, 0, 0, now.Location())
	candidate = candidate.AddDate(0, 0, int((s.day-now.Weekday()+7)%7))
	if candidate.Before(now) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate
}

// previousOccurrence is the slot occurrence one period before next.
func previousOccurrence(next time.Time) time.Time {
	return next.AddDate(0, 0, -7)
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// parseEntry expands one config entry into its slots.
func parseEntry(e config.ScheduleEntryConfig) ([]slot, error) {
	t, err := time.Parse("15:04", e.Time)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q: %w", e.Time, err)
	}
	if len(e.Days) == 0 {
		return nil, fmt.Errorf("entry has no days")
	}

	var slots []slot
	for _, name := range e.Days {
		day, ok := weekdays[name]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", name)
		}
		slots = append(slots, slot{day: day, hour: t.Hour(), min: t.Minute()})
	}
	return slots, nil
}

// Scheduler registers run triggers on a TaskHandler from the schedule
// config. Weekly entries take precedence over the interval.
type Scheduler struct {
	handler core.TaskHandler
	clock   core.Clock
	fire    func()
	logger  core.Logger

	mu      sync.Mutex
	cfg     config.ScheduleConfig
	loc     *time.Location
	taskIDs []string
}

// NewScheduler wires the scheduler. fire is invoked on the TaskHandler's
// goroutine for every slot firing.
func NewScheduler(handler core.TaskHandler, clock core.Clock, fire func(), logger core.Logger) *Scheduler {
	return &Scheduler{
		handler: handler,
		clock:   clock,
		fire:    fire,
		logger:  logger,
	}
}

// Configure replaces the active schedule. Existing slot timers are
// cancelled and recreated, never mutated in place. Invalid weekly entries
// are skipped with a diagnostic.
func (s *Scheduler) Configure(cfg config.ScheduleConfig, loc *time.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.loc = loc
	s.register()
}

// register derives all tasks from the held config. Caller holds s.mu.
func (s *Scheduler) register() {
	for _, id := range s.taskIDs {
		s.handler.Cancel(id)
	}
	s.taskIDs = nil

	now := s.clock.Now().In(s.loc)

	var slots []slot
	for i, entry := range s.cfg.Entries {
		parsed, err := parseEntry(entry)
		if err != nil {
			s.logger.Warn("skipping invalid schedule entry", "index", i, "error", err)
			continue
		}
		slots = append(slots, parsed...)
	}

	switch {
	case len(slots) > 0:
		for _, sl := range slots {
			next := nextOccurrence(now, sl)
			period := next.Sub(previousOccurrence(next))
			delay := next.Sub(now)
			if delay <= 0 {
				delay += 7 * 24 * time.Hour
			}
			id := sl.taskID()
			if err := s.handler.Schedule(id, delay, period, s.fire); err != nil {
				s.logger.Error("scheduling slot failed", "task", id, "error", err)
				continue
			}
			s.taskIDs = append(s.taskIDs, id)
			s.logger.Debug("weekly slot registered", "task", id, "next", next)
		}
	case s.cfg.IntervalMinutes > 0:
		d := time.Duration(s.cfg.IntervalMinutes) * time.Minute
		if err := s.handler.Schedule(intervalTaskID, d, d, s.fire); err != nil {
			s.logger.Error("scheduling interval failed", "error", err)
			break
		}
		s.taskIDs = append(s.taskIDs, intervalTaskID)
		s.logger.Debug("interval registered", "minutes", s.cfg.IntervalMinutes)
	default:
		s.logger.Info("no schedule configured, automatic backups disabled")
	}

	if len(s.taskIDs) > 0 {
		if err := s.handler.Schedule(driftTaskID, driftInterval, driftInterval, s.reregister); err != nil {
			s.logger.Error("scheduling drift correction failed", "error", err)
			return
		}
		s.taskIDs = append(s.taskIDs, driftTaskID)
	}
}

func (s *Scheduler) reregister() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.register()
}

// NextRuns returns the upcoming fire times, soonest first. The drift
// correction task is not a run and is excluded.
func (s *Scheduler) NextRuns() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []time.Time
	for _, id := range s.taskIDs {
		if id == driftTaskID {
			continue
		}
		if t, ok := s.handler.NextRun(id); ok {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Start starts the underlying TaskHandler.
func (s *Scheduler) Start() { s.handler.Start() }

// Stop cancels all timers and stops the TaskHandler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for _, id := range s.taskIDs {
		s.handler.Cancel(id)
	}
	s.taskIDs = nil
	s.mu.Unlock()
	s.handler.Stop()
}
