// Package app is the application layer between the CLI and the run
// engine. It constructs every collaborator from config and owns their
// lifecycle.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"backrun/internal/config"
	"backrun/internal/core"
	"backrun/internal/creds"
	"backrun/internal/encryption"
	"backrun/internal/external"
	"backrun/internal/history"
	"backrun/internal/remote"
	"backrun/internal/sched"
	"backrun/internal/snapshot"
)

// stagingDirName is where external sources stage under the backups dir.
// It sits inside BackupsDir so set archiving never walks into it.
const stagingDirName = "external-backups"

// App wires the whole engine from a config. The caller must call Close
// when done.
type App struct {
	cfg     *config.Config
	snap    *config.Snapshot
	logger  core.Logger
	logFile *os.File

	history   core.HistoryStore
	creds     *creds.FileStore
	uploaders []core.Uploader
	runner    *core.Runner
	scheduler *sched.Scheduler

	baseDir string
}

// New creates a fully wired App. operation identifies the CLI command
// being run (e.g. "Run", "Daemon") and tags every log line.
func New(cfg *config.Config, baseDir, operation string) (*App, error) {
	logDir := cfg.General.LogDir
	if logDir == "" {
		logDir = filepath.Join(baseDir, "log")
	}
	slogger, logFile, err := newLogger(logDir, operation)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	a := &App{cfg: cfg, logger: logger, logFile: logFile, baseDir: baseDir}
	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	snap, err := a.cfg.Resolve(a.logger)
	if err != nil {
		return fmt.Errorf("resolving config: %w", err)
	}
	a.snap = snap

	histCfg := a.cfg.History
	if histCfg.DataDir == "" {
		histCfg.DataDir = a.baseDir
	}
	a.history, err = history.NewStoreFromConfig(histCfg)
	if err != nil {
		return fmt.Errorf("creating history store: %w", err)
	}

	a.creds = creds.NewFileStore(filepath.Join(a.baseDir, "credentials"))

	keepRemoteFor := map[string]int{}
	for _, rcfg := range snap.Remotes {
		u, err := remote.NewUploaderFromConfig(context.Background(), rcfg, a.creds, a.logger)
		if err != nil {
			return fmt.Errorf("creating remote %s: %w", rcfg.ID, err)
		}
		a.uploaders = append(a.uploaders, u)
		if rcfg.KeepRemote != 0 {
			keepRemoteFor[rcfg.ID] = rcfg.KeepRemote
		}
	}

	builder := snapshot.NewBuilder(snap.RootDir, snap.BackupsDir, a.cfg.General.ZipCompression, a.logger)

	var ingester core.Ingester
	if len(snap.ExternalSources) > 0 {
		stagingRoot := filepath.Join(snap.BackupsDir, stagingDirName)
		in, err := external.NewIngesterFromConfig(snap.ExternalSources, snap.RootDir, stagingRoot, snap.Location, a.logger)
		if err != nil {
			return fmt.Errorf("creating external source ingester: %w", err)
		}
		ingester = in
	}

	var gate core.ActivityGate
	if a.cfg.General.RequireActivity && a.cfg.General.ActivityFile != "" {
		gate = NewFileGate(a.cfg.General.ActivityFile, core.RealClock{})
	}

	a.runner = core.NewRunner(core.RunnerParams{
		Sets:          snap.Sets,
		Uploaders:     a.uploaders,
		Builder:       builder,
		Ingester:      ingester,
		Encryptor:     encryption.NewAgeEncryptor(a.cfg.Encryption),
		History:       a.history,
		Gate:          gate,
		Logger:        a.logger,
		Clock:         core.RealClock{},
		IDGen:         core.UUIDGenerator{},
		KeepLocal:     snap.KeepLocal,
		KeepRemote:    snap.KeepRemote,
		KeepRemoteFor: keepRemoteFor,
	})

	a.scheduler = sched.NewScheduler(sched.NewCronTaskHandler(), core.RealClock{}, func() {
		a.runner.RunScheduled(context.Background())
	}, a.logger)
	a.scheduler.Configure(snap.Schedule, snap.Location)
	return nil
}

// Run performs one manual backup run.
func (a *App) Run(ctx context.Context) (*core.RunOutcome, error) {
	return a.runner.Run(ctx, core.InitiatorManual)
}

// Daemon starts the scheduler and blocks until ctx is cancelled.
func (a *App) Daemon(ctx context.Context) {
	a.scheduler.Start()
	a.logger.Info("scheduler started", "nextRuns", len(a.scheduler.NextRuns()))
	<-ctx.Done()
	a.scheduler.Stop()
}

// Status returns the engine's current run status.
func (a *App) Status() core.RunStatus { return a.runner.Status() }

// ActiveSet returns the index of the backup set the in-flight run is
// working on, or -1 outside per-set phases.
func (a *App) ActiveSet() int { return a.runner.ActiveSet() }

// NextRuns returns the upcoming scheduled fire times, soonest first.
func (a *App) NextRuns() []time.Time { return a.scheduler.NextRuns() }

// RemoteStatus describes one configured destination for display.
type RemoteStatus struct {
	ID     string
	Kind   string
	Linked bool
}

// Remotes lists the configured destinations and their link state.
func (a *App) Remotes() []RemoteStatus {
	out := make([]RemoteStatus, 0, len(a.uploaders))
	for _, u := range a.uploaders {
		out = append(out, RemoteStatus{ID: u.ID(), Kind: u.Kind(), Linked: u.Linked()})
	}
	return out
}

// TestRemote uploads and deletes a probe file on the named destination.
func (a *App) TestRemote(ctx context.Context, id string) error {
	for _, u := range a.uploaders {
		if u.ID() == id {
			if !u.Linked() {
				return fmt.Errorf("remote %s is not linked", id)
			}
			return u.Test(ctx)
		}
	}
	return fmt.Errorf("unknown remote: %s", id)
}

// History returns the most recent runs, newest first.
func (a *App) History(limit int) ([]*core.RunRecord, error) {
	return a.history.ListRuns(limit)
}

// AdapterResults returns the per-destination outcomes of one run.
func (a *App) AdapterResults(runID string) ([]*core.AdapterRecord, error) {
	return a.history.ListAdapterResults(runID)
}

// SetCredential stores a refresh token for a cloud drive remote.
func (a *App) SetCredential(id, refreshToken string) error {
	return a.creds.Store(id, &core.Credential{RefreshToken: refreshToken})
}

// InitKey generates the archive encryption key pair at the configured
// paths, defaulting under the data directory.
func (a *App) InitKey() (recipientPath, identityPath string, err error) {
	recipientPath = a.cfg.Encryption.RecipientPath
	if recipientPath == "" {
		recipientPath = filepath.Join(a.baseDir, "keys", "backup.pub")
	}
	identityPath = a.cfg.Encryption.IdentityPath
	if identityPath == "" {
		identityPath = filepath.Join(a.baseDir, "keys", "backup.key")
	}
	if err := encryption.GenerateKey(recipientPath, identityPath); err != nil {
		return "", "", err
	}
	return recipientPath, identityPath, nil
}

// Snapshot exposes the resolved config view for display commands.
func (a *App) Snapshot() *config.Snapshot { return a.snap }

// Close releases every resource the App owns. Safe on a partially wired
// App.
func (a *App) Close() error {
	var firstErr error

	for _, u := range a.uploaders {
		if err := u.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing remote %s: %w", u.ID(), err)
		}
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing history store: %w", err)
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
