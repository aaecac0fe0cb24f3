package testutil

import (
	"sync"
	"time"

	"backrun/internal/core"
)

// ManualTaskHandler is a core.TaskHandler that never fires on its own.
// Tests trigger tasks with Fire.
type ManualTaskHandler struct {
	mu      sync.Mutex
	tasks   map[string]*manualTask
	started bool
}

type manualTask struct {
	initialDelay time.Duration
	period       time.Duration
	fn           func()
	registeredAt time.Time
}

func NewManualTaskHandler() *ManualTaskHandler {
	return &ManualTaskHandler{tasks: map[string]*manualTask{}}
}

var _ core.TaskHandler = (*ManualTaskHandler)(nil)

func (h *ManualTaskHandler) Schedule(id string, initialDelay, period time.Duration, fn func()) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tasks[id] = &manualTask{
		initialDelay: initialDelay,
		period:       period,
		fn:           fn,
		registeredAt: time.Now(),
	}
	return nil
}

func (h *ManualTaskHandler) Cancel(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.tasks, id)
}

func (h *ManualTaskHandler) CancelAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tasks = map[string]*manualTask{}
}

func (h *ManualTaskHandler) NextRun(id string) (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tasks[id]
	if !ok {
		return time.Time{}, false
	}
	return t.registeredAt.Add(t.initialDelay), true
}

func (h *ManualTaskHandler) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = true
}

func (h *ManualTaskHandler) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = false
}

// Fire runs the task registered under id, if any.
func (h *ManualTaskHandler) Fire(id string) bool {
	h.mu.Lock()
	t, ok := h.tasks[id]
	h.mu.Unlock()
	if !ok {
		return false
	}
	t.fn()
	return true
}

// TaskIDs returns the registered task ids.
func (h *ManualTaskHandler) TaskIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.tasks))
	for id := range h.tasks {
		ids = append(ids, id)
	}
	return ids
}

// Delay returns the registered initial delay and period for id.
func (h *ManualTaskHandler) Delay(id string) (initialDelay, period time.Duration, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, found := h.tasks[id]
	if !found {
		return 0, 0, false
	}
	return t.initialDelay, t.period, true
}
