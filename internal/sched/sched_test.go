package sched

import (
	"sort"
	"testing"
	"time"

	"backrun/internal/config"
	"backrun/internal/core"
	"backrun/internal/testutil"
)

// monday 2024-01-15 10:30 UTC
var testNow = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func TestNextOccurrence(t *testing.T) {
	tests := []struct {
		name string
		slot slot
		want time.Time
	}{
		{
			name: "later today",
			slot: slot{day: time.Monday, hour: 14, min: 0},
			want: time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC),
		},
		{
			name: "earlier today wraps a week",
			slot: slot{day: time.Monday, hour: 9, min: 0},
			want: time.Date(2024, 1, 22, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "exactly now fires now",
			slot: slot{day: time.Monday, hour: 10, min: 30},
			want: testNow,
		},
		{
			name: "later this week",
			slot: slot{day: time.Thursday, hour: 3, min: 15},
			want: time.Date(2024, 1, 18, 3, 15, 0, 0, time.UTC),
		},
		{
			name: "day already passed",
			slot: slot{day: time.Sunday, hour: 12, min: 0},
			want: time.Date(2024, 1, 21, 12, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := nextOccurrence(testNow, tt.slot)
			if !got.Equal(tt.want) {
				t.Errorf("nextOccurrence() = %v, want %v", got, tt.want)
			}
			if prev := previousOccurrence(got); got.Sub(prev) != 7*24*time.Hour {
				t.Errorf("period = %v, want one week", got.Sub(prev))
			}
		})
	}
}

func TestParseEntry(t *testing.T) {
	tests := []struct {
		name      string
		entry     config.ScheduleEntryConfig
		wantSlots int
		wantErr   bool
	}{
		{
			name:      "single day",
			entry:     config.ScheduleEntryConfig{Days: []string{"monday"}, Time: "14:30"},
			wantSlots: 1,
		},
		{
			name:      "multiple days share the time",
			entry:     config.ScheduleEntryConfig{Days: []string{"monday", "thursday", "saturday"}, Time: "03:00"},
			wantSlots: 3,
		},
		{
			name:    "bad time",
			entry:   config.ScheduleEntryConfig{Days: []string{"monday"}, Time: "25:00"},
			wantErr: true,
		},
		{
			name:    "bad weekday",
			entry:   config.ScheduleEntryConfig{Days: []string{"moonday"}, Time: "14:30"},
			wantErr: true,
		},
		{
			name:    "no days",
			entry:   config.ScheduleEntryConfig{Time: "14:30"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slots, err := parseEntry(tt.entry)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseEntry() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(slots) != tt.wantSlots {
				t.Errorf("parseEntry() returned %d slots, want %d", len(slots), tt.wantSlots)
			}
		})
	}
}

func newTestScheduler(fired *int) (*Scheduler, *testutil.ManualTaskHandler) {
	handler := testutil.NewManualTaskHandler()
	clock := testutil.NewStubClock(testNow)
	s := NewScheduler(handler, clock, func() { *fired++ }, core.NewNopLogger())
	return s, handler
}

func TestSchedulerConfigure(t *testing.T) {
	t.Run("weekly slots register with slot delays", func(t *testing.T) {
		var fired int
		s, handler := newTestScheduler(&fired)
		s.Configure(config.ScheduleConfig{
			IntervalMinutes: 60,
			Entries: []config.ScheduleEntryConfig{
				{Days: []string{"monday", "thursday"}, Time: "14:00"},
			},
		}, time.UTC)

		ids := handler.TaskIDs()
		sort.Strings(ids)
		want := []string{"drift-correction", "weekly-Monday-14-00", "weekly-Thursday-14-00"}
		if len(ids) != len(want) {
			t.Fatalf("tasks = %v, want %v", ids, want)
		}
		for i := range want {
			if ids[i] != want[i] {
				t.Fatalf("tasks = %v, want %v", ids, want)
			}
		}

		delay, period, _ := handler.Delay("weekly-Monday-14-00")
		if delay != 3*time.Hour+30*time.Minute {
			t.Errorf("monday delay = %v, want 3h30m", delay)
		}
		if period != 7*24*time.Hour {
			t.Errorf("monday period = %v, want one week", period)
		}

		if !handler.Fire("weekly-Thursday-14-00") || fired != 1 {
			t.Errorf("firing a slot did not trigger a run (fired = %d)", fired)
		}
	})

	t.Run("interval mode without weekly entries", func(t *testing.T) {
		var fired int
		s, handler := newTestScheduler(&fired)
		s.Configure(config.ScheduleConfig{IntervalMinutes: 90}, time.UTC)

		delay, period, ok := handler.Delay(intervalTaskID)
		if !ok {
			t.Fatalf("interval task not registered, tasks = %v", handler.TaskIDs())
		}
		if delay != 90*time.Minute || period != 90*time.Minute {
			t.Errorf("interval = (%v, %v), want (90m, 90m)", delay, period)
		}
	})

	t.Run("invalid entries are skipped", func(t *testing.T) {
		var fired int
		s, handler := newTestScheduler(&fired)
		s.Configure(config.ScheduleConfig{
			Entries: []config.ScheduleEntryConfig{
				{Days: []string{"funday"}, Time: "14:00"},
				{Days: []string{"friday"}, Time: "06:00"},
			},
		}, time.UTC)

		if _, _, ok := handler.Delay("weekly-Friday-06-00"); !ok {
			t.Errorf("valid entry lost, tasks = %v", handler.TaskIDs())
		}
		if len(handler.TaskIDs()) != 2 {
			t.Errorf("tasks = %v, want the valid slot plus drift correction", handler.TaskIDs())
		}
	})

	t.Run("reconfigure replaces old slots", func(t *testing.T) {
		var fired int
		s, handler := newTestScheduler(&fired)
		s.Configure(config.ScheduleConfig{
			Entries: []config.ScheduleEntryConfig{{Days: []string{"monday"}, Time: "14:00"}},
		}, time.UTC)
		s.Configure(config.ScheduleConfig{IntervalMinutes: 30}, time.UTC)

		if _, _, ok := handler.Delay("weekly-Monday-14-00"); ok {
			t.Error("old weekly slot survived reconfiguration")
		}
		if _, _, ok := handler.Delay(intervalTaskID); !ok {
			t.Error("interval task missing after reconfiguration")
		}
	})

	t.Run("empty schedule registers nothing", func(t *testing.T) {
		var fired int
		s, handler := newTestScheduler(&fired)
		s.Configure(config.ScheduleConfig{}, time.UTC)
		if len(handler.TaskIDs()) != 0 {
			t.Errorf("tasks = %v, want none", handler.TaskIDs())
		}
	})
}

func TestSchedulerNextRuns(t *testing.T) {
	var fired int
	s, handler := newTestScheduler(&fired)
	s.Configure(config.ScheduleConfig{
		Entries: []config.ScheduleEntryConfig{
			{Days: []string{"monday", "tuesday"}, Time: "14:00"},
		},
	}, time.UTC)

	runs := s.NextRuns()
	if len(runs) != 2 {
		t.Fatalf("NextRuns() returned %d times, want 2 (drift excluded), tasks = %v", len(runs), handler.TaskIDs())
	}
	if !sort.SliceIsSorted(runs, func(i, j int) bool { return runs[i].Before(runs[j]) }) {
		t.Errorf("NextRuns() = %v, want sorted ascending", runs)
	}
}

func TestDriftCorrectionReregisters(t *testing.T) {
	var fired int
	s, handler := newTestScheduler(&fired)
	s.Configure(config.ScheduleConfig{
		Entries: []config.ScheduleEntryConfig{{Days: []string{"monday"}, Time: "14:00"}},
	}, time.UTC)

	if !handler.Fire(driftTaskID) {
		t.Fatal("drift correction task not registered")
	}
	if _, _, ok := handler.Delay("weekly-Monday-14-00"); !ok {
		t.Errorf("slot missing after drift correction, tasks = %v", handler.TaskIDs())
	}
	if fired != 0 {
		t.Errorf("drift correction triggered %d runs, want 0", fired)
	}
}

func TestDelayedPeriodicNext(t *testing.T) {
	first := time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)
	s := &delayedPeriodic{first: first, period: time.Hour}

	tests := []struct {
		now  time.Time
		want time.Time
	}{
		{first.Add(-time.Minute), first},
		{first, first.Add(time.Hour)},
		{first.Add(30 * time.Minute), first.Add(time.Hour)},
		{first.Add(2*time.Hour + time.Minute), first.Add(3 * time.Hour)},
	}
	for _, tt := range tests {
		if got := s.Next(tt.now); !got.Equal(tt.want) {
			t.Errorf("Next(%v) = %v, want %v", tt.now, got, tt.want)
		}
	}
}
