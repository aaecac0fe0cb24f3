package core

import "time"

// TaskHandler runs recurring tasks. The scheduler talks to it through this
// interface so tests can fire tasks by hand.
type TaskHandler interface {
	// Schedule registers fn to first run after initialDelay and then
	// every period. Re-scheduling an existing id replaces it.
	Schedule(id string, initialDelay, period time.Duration, fn func()) error
	Cancel(id string)
	CancelAll()
	// NextRun returns the next fire time for id, if scheduled.
	NextRun(id string) (time.Time, bool)
	Start()
	Stop()
}
