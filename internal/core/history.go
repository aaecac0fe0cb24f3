package core

import "time"

// RunRecord is one completed or in-flight run as kept by the history store.
type RunRecord struct {
	ID         string
	Initiator  string
	StartedAt  time.Time
	FinishedAt time.Time // zero while in flight
	Status     string    // "running", "success", "failed"
}

// AdapterResult is the per-destination outcome of one run.
type AdapterResult struct {
	AdapterID string
	Kind      string
	Err       error
	Duration  time.Duration
	Bytes     int64
}

// Throughput returns bytes per second over the adapter's wall time, or 0
// when no time was measured.
func (r AdapterResult) Throughput() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Bytes) / r.Duration.Seconds()
}

// HistoryStore persists run outcomes. History is advisory: store failures
// are logged and never fail a run.
type HistoryStore interface {
	CreateRun(id, initiator string, startedAt time.Time) error
	FinishRun(id string, finishedAt time.Time, status string) error
	RecordAdapterResult(runID string, r AdapterResult) error
	ListRuns(limit int) ([]*RunRecord, error)
	ListAdapterResults(runID string) ([]*AdapterRecord, error)
	Close() error
}

// AdapterRecord is a stored AdapterResult.
type AdapterRecord struct {
	RunID     string
	AdapterID string
	Kind      string
	Error     string // empty on success
	Duration  time.Duration
	Bytes     int64
}
