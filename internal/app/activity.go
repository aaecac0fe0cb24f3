package app

import (
	"os"
	"sync"
	"time"

	"backrun/internal/core"
)

// FileGate implements core.ActivityGate over a touch file. The workload
// being backed up (a game server hook, a deploy script) touches the file
// on activity; scheduled backups pause while it stays untouched.
type FileGate struct {
	path  string
	clock core.Clock

	mu sync.Mutex
	// lastPass is when the gate last let a run through. Activity older
	// than that has already been backed up.
	lastPass time.Time
}

var _ core.ActivityGate = (*FileGate)(nil)

func NewFileGate(path string, clock core.Clock) *FileGate {
	return &FileGate{path: path, clock: clock}
}

// Active reports whether the activity file was touched since the last run
// this gate admitted. A missing file means no activity.
func (g *FileGate) Active() bool {
	fi, err := os.Stat(g.path)
	if err != nil {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if fi.ModTime().After(g.lastPass) {
		g.lastPass = g.clock.Now()
		return true
	}
	return false
}
