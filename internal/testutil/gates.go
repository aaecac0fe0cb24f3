package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"backrun/internal/core"
)

// StubGate is an ActivityGate with a settable answer.
type StubGate struct {
	mu     sync.Mutex
	active bool
}

func NewStubGate(active bool) *StubGate { return &StubGate{active: active} }

var _ core.ActivityGate = (*StubGate)(nil)

func (g *StubGate) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

func (g *StubGate) Set(active bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = active
}

// RecordingAutosave is an AutosaveController that records call order.
type RecordingAutosave struct {
	mu      sync.Mutex
	Enabled bool
	Calls   []string
}

func NewRecordingAutosave() *RecordingAutosave {
	return &RecordingAutosave{Enabled: true}
}

var _ core.AutosaveController = (*RecordingAutosave)(nil)

func (a *RecordingAutosave) Disable() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls = append(a.Calls, "disable")
	was := a.Enabled
	a.Enabled = false
	return was, nil
}

func (a *RecordingAutosave) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls = append(a.Calls, "enable")
	a.Enabled = true
	return nil
}

// TempIngester is a core.Ingester over a temp directory. It stages nothing
// by default but tracks Cleanup calls and whether the directory survives.
type TempIngester struct {
	Root     string
	Sets     []core.BackupSet
	Err      error
	Cleanups int
}

var _ core.Ingester = (*TempIngester)(nil)

func (i *TempIngester) Ingest(_ context.Context) ([]core.BackupSet, error) {
	if i.Err != nil {
		return nil, i.Err
	}
	if i.Root != "" {
		os.MkdirAll(filepath.Join(i.Root, "external-backups"), 0755)
	}
	return i.Sets, nil
}

func (i *TempIngester) Cleanup() error {
	i.Cleanups++
	if i.Root != "" {
		return os.RemoveAll(filepath.Join(i.Root, "external-backups"))
	}
	return nil
}
