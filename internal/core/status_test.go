package core

import (
	"errors"
	"sync"
	"testing"
)

func TestStatusTracker_Begin(t *testing.T) {
	tr := NewStatusTracker()

	if err := tr.Begin(); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if got := tr.Current(); got != StatusStarting {
		t.Errorf("Current() = %v, want starting", got)
	}

	if err := tr.Begin(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Begin() error = %v, want ErrAlreadyRunning", err)
	}

	tr.Finish()
	if got := tr.Current(); got != StatusIdle {
		t.Errorf("Current() after Finish = %v, want idle", got)
	}
	if err := tr.Begin(); err != nil {
		t.Errorf("Begin() after Finish error = %v", err)
	}
}

func TestStatusTracker_Transitions(t *testing.T) {
	tr := NewStatusTracker()
	if err := tr.Begin(); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	for _, s := range []RunStatus{StatusSnapshotting, StatusUploading, StatusPruning} {
		tr.Transition(s)
		if got := tr.Current(); got != s {
			t.Errorf("Current() = %v, want %v", got, s)
		}
	}
}

func TestStatusTracker_ActiveSet(t *testing.T) {
	tr := NewStatusTracker()
	if got := tr.ActiveSet(); got != -1 {
		t.Errorf("ActiveSet() before any run = %d, want -1", got)
	}

	if err := tr.Begin(); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if got := tr.ActiveSet(); got != -1 {
		t.Errorf("ActiveSet() after Begin = %d, want -1", got)
	}

	tr.Transition(StatusSnapshotting)
	tr.Advance(2)
	if got := tr.ActiveSet(); got != 2 {
		t.Errorf("ActiveSet() = %d, want 2", got)
	}

	// A phase change means the index no longer refers to anything.
	tr.Transition(StatusUploading)
	if got := tr.ActiveSet(); got != -1 {
		t.Errorf("ActiveSet() after Transition = %d, want -1", got)
	}

	tr.Advance(0)
	tr.Finish()
	if got := tr.ActiveSet(); got != -1 {
		t.Errorf("ActiveSet() after Finish = %d, want -1", got)
	}
}

func TestStatusTracker_ConcurrentBegin(t *testing.T) {
	tr := NewStatusTracker()

	const n = 32
	var wg sync.WaitGroup
	wins := make(chan struct{}, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.Begin() == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Errorf("%d goroutines won Begin(), want exactly 1", count)
	}
}

func TestRunStatus_String(t *testing.T) {
	tests := map[RunStatus]string{
		StatusIdle:         "idle",
		StatusStarting:     "starting",
		StatusSnapshotting: "snapshotting",
		StatusUploading:    "uploading",
		StatusPruning:      "pruning",
		RunStatus(99):      "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", s, got, want)
		}
	}
}
