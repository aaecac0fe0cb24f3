package core

import (
	"errors"
	"sync/atomic"
)

// RunStatus is the engine's run state. At most one run is in flight; all
// non-idle states belong to it.
type RunStatus int32

const (
	StatusIdle RunStatus = iota
	StatusStarting
	StatusSnapshotting
	StatusUploading
	StatusPruning
)

func (s RunStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusStarting:
		return "starting"
	case StatusSnapshotting:
		return "snapshotting"
	case StatusUploading:
		return "uploading"
	case StatusPruning:
		return "pruning"
	default:
		return "unknown"
	}
}

// ErrAlreadyRunning is returned by StatusTracker.Begin while a run holds
// the tracker.
var ErrAlreadyRunning = errors.New("a backup run is already in progress")

// noActiveSet is the active-set index outside per-set phases.
const noActiveSet = -1

// StatusTracker serializes runs. Begin is the only entry point: it moves
// idle to starting atomically, so two concurrent triggers cannot both win.
// Alongside the phase it tracks which backup set the run is working on,
// for status display.
type StatusTracker struct {
	v   atomic.Int32
	set atomic.Int32
}

func NewStatusTracker() *StatusTracker {
	t := &StatusTracker{}
	t.set.Store(noActiveSet)
	return t
}

// Begin claims the tracker for a new run.
func (t *StatusTracker) Begin() error {
	if !t.v.CompareAndSwap(int32(StatusIdle), int32(StatusStarting)) {
		return ErrAlreadyRunning
	}
	t.set.Store(noActiveSet)
	return nil
}

// Transition moves the in-flight run to s and clears the active set. Only
// the goroutine that won Begin may call it.
func (t *StatusTracker) Transition(s RunStatus) {
	t.set.Store(noActiveSet)
	t.v.Store(int32(s))
}

// Advance marks the i'th backup set as the one in progress.
func (t *StatusTracker) Advance(i int) {
	t.set.Store(int32(i))
}

// Finish releases the tracker.
func (t *StatusTracker) Finish() {
	t.set.Store(noActiveSet)
	t.v.Store(int32(StatusIdle))
}

// Current returns the current status.
func (t *StatusTracker) Current() RunStatus {
	return RunStatus(t.v.Load())
}

// ActiveSet returns the index of the set in progress, or -1 when the
// current phase is not per-set.
func (t *StatusTracker) ActiveSet() int {
	return int(t.set.Load())
}
