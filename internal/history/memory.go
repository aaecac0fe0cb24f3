package history

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"backrun/internal/core"
)

// MemoryStore is an in-memory core.HistoryStore. Used for the "memory"
// config type and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	runs    map[string]*core.RunRecord
	order   []string
	results map[string][]*core.AdapterRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    map[string]*core.RunRecord{},
		results: map[string][]*core.AdapterRecord{},
	}
}

var _ core.HistoryStore = (*MemoryStore)(nil)

func (s *MemoryStore) CreateRun(id, initiator string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[id]; exists {
		return fmt.Errorf("run %s already recorded", id)
	}
	s.runs[id] = &core.RunRecord{
		ID:        id,
		Initiator: initiator,
		StartedAt: startedAt,
		Status:    "running",
	}
	s.order = append(s.order, id)
	return nil
}

func (s *MemoryStore) FinishRun(id string, finishedAt time.Time, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s not found", id)
	}
	run.FinishedAt = finishedAt
	run.Status = status
	return nil
}

func (s *MemoryStore) RecordAdapterResult(runID string, r core.AdapterResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	rec := &core.AdapterRecord{
		RunID:     runID,
		AdapterID: r.AdapterID,
		Kind:      r.Kind,
		Duration:  r.Duration,
		Bytes:     r.Bytes,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	s.results[runID] = append(s.results[runID], rec)
	return nil
}

func (s *MemoryStore) ListRuns(limit int) ([]*core.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, len(s.order))
	copy(ids, s.order)
	// Most recent first.
	sort.SliceStable(ids, func(i, j int) bool {
		return s.runs[ids[i]].StartedAt.After(s.runs[ids[j]].StartedAt)
	})

	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	out := make([]*core.RunRecord, len(ids))
	for i, id := range ids {
		r := *s.runs[id]
		out[i] = &r
	}
	return out, nil
}

func (s *MemoryStore) ListAdapterResults(runID string) ([]*core.AdapterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.results[runID]
	out := make([]*core.AdapterRecord, len(recs))
	for i, r := range recs {
		c := *r
		out[i] = &c
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
