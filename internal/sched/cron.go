package sched

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"backrun/internal/core"
)

// CronTaskHandler is the production core.TaskHandler, backed by a cron
// runner. Tasks use a fixed delay-then-period schedule rather than cron
// expressions, so the scheduler's occurrence math stays the single source
// of fire times.
type CronTaskHandler struct {
	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

var _ core.TaskHandler = (*CronTaskHandler)(nil)

func NewCronTaskHandler() *CronTaskHandler {
	return &CronTaskHandler{
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

func (h *CronTaskHandler) Schedule(id string, initialDelay, period time.Duration, fn func()) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.entries[id]; ok {
		h.cron.Remove(old)
	}
	h.entries[id] = h.cron.Schedule(&delayedPeriodic{
		first:  time.Now().Add(initialDelay),
		period: period,
	}, cron.FuncJob(fn))
	return nil
}

func (h *CronTaskHandler) Cancel(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if eid, ok := h.entries[id]; ok {
		h.cron.Remove(eid)
		delete(h.entries, id)
	}
}

func (h *CronTaskHandler) CancelAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, eid := range h.entries {
		h.cron.Remove(eid)
		delete(h.entries, id)
	}
}

func (h *CronTaskHandler) NextRun(id string) (time.Time, bool) {
	h.mu.Lock()
	eid, ok := h.entries[id]
	h.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	next := h.cron.Entry(eid).Next
	if next.IsZero() {
		// The runner has not started yet; derive it from the schedule.
		if e := h.cron.Entry(eid); e.Schedule != nil {
			return e.Schedule.Next(time.Now()), true
		}
		return time.Time{}, false
	}
	return next, true
}

func (h *CronTaskHandler) Start() { h.cron.Start() }

func (h *CronTaskHandler) Stop() {
	ctx := h.cron.Stop()
	<-ctx.Done()
}

// delayedPeriodic is a cron.Schedule firing at first, then every period.
type delayedPeriodic struct {
	first  time.Time
	period time.Duration
}

var _ cron.Schedule = (*delayedPeriodic)(nil)

func (s *delayedPeriodic) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	elapsed := t.Sub(s.first)
	return s.first.Add((elapsed/s.period + 1) * s.period)
}
