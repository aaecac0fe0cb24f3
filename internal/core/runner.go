package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Initiator records what triggered a run.
type Initiator string

const (
	InitiatorManual    Initiator = "manual"
	InitiatorScheduled Initiator = "scheduled"
)

// RunOutcome summarizes one run.
type RunOutcome struct {
	RunID      string
	Initiator  Initiator
	StartedAt  time.Time
	FinishedAt time.Time
	// BuildErrors counts sets whose archive could not be produced.
	BuildErrors int
	Adapters    []AdapterResult
}

// Success reports whether every set built and every adapter finished clean.
func (o *RunOutcome) Success() bool {
	if o.BuildErrors > 0 {
		return false
	}
	for _, a := range o.Adapters {
		if a.Err != nil {
			return false
		}
	}
	return true
}

// Runner is the orchestration layer that drives one backup run end to end:
// stage external sources, archive every set, ship the archives to each
// destination, and prune old backups locally and remotely.
type Runner struct {
	sets      []BackupSet
	uploaders []Uploader
	builder   Builder
	ingester  Ingester
	encryptor ArchiveEncryptor
	history   HistoryStore
	gate      ActivityGate
	autosave  AutosaveController
	tracker   *StatusTracker
	logger    Logger
	clock     Clock
	idgen     IDGenerator

	keepLocal  int
	keepRemote int
	// keepRemoteFor overrides keepRemote per adapter ID.
	keepRemoteFor map[string]int

	// idleNotified suppresses repeated skip notices while the activity
	// gate stays closed. Only touched by scheduled runs, which the
	// tracker already serializes.
	idleNotified bool
}

// RunnerParams collects the Runner's dependencies.
type RunnerParams struct {
	Sets       []BackupSet
	Uploaders  []Uploader
	Builder    Builder
	Ingester   Ingester
	Encryptor  ArchiveEncryptor
	History    HistoryStore
	Gate       ActivityGate
	Autosave   AutosaveController
	Tracker    *StatusTracker
	Logger     Logger
	Clock      Clock
	IDGen      IDGenerator
	KeepLocal  int
	KeepRemote int
	// KeepRemoteFor overrides KeepRemote for the listed adapter IDs.
	KeepRemoteFor map[string]int
}

// NewRunner creates a Runner. Nil Gate, Autosave, Encryptor and Ingester
// default to inert implementations.
func NewRunner(p RunnerParams) *Runner {
	if p.Gate == nil {
		p.Gate = AlwaysActive{}
	}
	if p.Autosave == nil {
		p.Autosave = NopAutosave{}
	}
	if p.Tracker == nil {
		p.Tracker = NewStatusTracker()
	}
	return &Runner{
		sets:          p.Sets,
		uploaders:     p.Uploaders,
		builder:       p.Builder,
		ingester:      p.Ingester,
		encryptor:     p.Encryptor,
		history:       p.History,
		gate:          p.Gate,
		autosave:      p.Autosave,
		tracker:       p.Tracker,
		logger:        p.Logger,
		clock:         p.Clock,
		idgen:         p.IDGen,
		keepLocal:     p.KeepLocal,
		keepRemote:    p.KeepRemote,
		keepRemoteFor: p.KeepRemoteFor,
	}
}

// Status returns the current run status.
func (r *Runner) Status() RunStatus { return r.tracker.Current() }

// ActiveSet returns the index of the backup set the in-flight run is
// working on, or -1 when no per-set work is in progress.
func (r *Runner) ActiveSet() int { return r.tracker.ActiveSet() }

// RunScheduled performs a run on behalf of the scheduler. A run already in
// progress or a closed activity gate skips quietly: neither is an error for
// an automatic trigger.
func (r *Runner) RunScheduled(ctx context.Context) {
	if !r.gate.Active() {
		if !r.idleNotified {
			r.logger.Broadcast("no activity since the last backup, scheduled backups paused")
			r.idleNotified = true
		}
		return
	}
	r.idleNotified = false

	if _, err := r.Run(ctx, InitiatorScheduled); err != nil {
		if err == ErrAlreadyRunning {
			r.logger.Info("scheduled backup skipped, run already in progress")
			return
		}
		r.logger.Error("scheduled backup failed to start", "error", err)
	}
}

// Run performs one backup run. It returns ErrAlreadyRunning when another
// run holds the tracker. Failures inside the run (a set that does not
// build, an adapter that errors out) do not fail the run; they are logged,
// recorded in the outcome, and reflected in the final status.
func (r *Runner) Run(ctx context.Context, initiator Initiator) (*RunOutcome, error) {
	if err := r.tracker.Begin(); err != nil {
		return nil, err
	}
	defer r.tracker.Finish()

	outcome := &RunOutcome{
		RunID:     r.idgen.New(),
		Initiator: initiator,
		StartedAt: r.clock.Now(),
	}
	r.logger.Broadcast("backup started", "run", outcome.RunID, "initiator", string(initiator))
	r.recordStart(outcome)

	if r.ingester != nil {
		// Stale staging from a crashed run must not leak into this one.
		if err := r.ingester.Cleanup(); err != nil {
			r.logger.Warn("removing stale staging area", "error", err)
		}
		defer func() {
			if err := r.ingester.Cleanup(); err != nil {
				r.logger.Warn("removing staging area", "error", err)
			}
		}()
	}

	items := r.snapshotPhase(ctx, outcome)
	r.uploadPhase(ctx, outcome, items)
	r.prunePhase(ctx, outcome, items)

	outcome.FinishedAt = r.clock.Now()
	r.finish(outcome)
	return outcome, nil
}

// runItem pairs an archive with the set it came from, so later phases keep
// access to the set's pattern and flags.
type runItem struct {
	set     BackupSet
	archive Archive
}

// snapshotPhase resolves the full set list and builds every archive while
// autosave is paused.
func (r *Runner) snapshotPhase(ctx context.Context, outcome *RunOutcome) []runItem {
	r.tracker.Transition(StatusSnapshotting)

	wasEnabled, err := r.autosave.Disable()
	if err != nil {
		r.logger.Warn("disabling autosave", "error", err)
	}
	defer func() {
		if wasEnabled {
			if err := r.autosave.Enable(); err != nil {
				r.logger.Error("re-enabling autosave", "error", err)
			}
		}
	}()

	sets := r.builder.Resolve(r.sets)
	if r.ingester != nil {
		staged, err := r.ingester.Ingest(ctx)
		if err != nil {
			r.logger.Error("ingesting external sources", "error", err)
			outcome.BuildErrors++
		}
		sets = append(sets, staged...)
	}

	var items []runItem
	for i, set := range sets {
		r.tracker.Advance(i)
		a, err := r.buildOne(ctx, set, outcome.StartedAt)
		if err != nil {
			r.logger.Error("building backup", "set", set.Key, "error", err)
			outcome.BuildErrors++
			continue
		}
		items = append(items, runItem{set: set, archive: a})
	}
	return items
}

func (r *Runner) buildOne(ctx context.Context, set BackupSet, now time.Time) (Archive, error) {
	if !set.CreateArchive {
		return r.builder.MostRecent(set)
	}

	a, err := r.builder.Build(ctx, set, now)
	if err != nil {
		return Archive{}, err
	}
	r.logger.Info("backup created", "set", set.Key, "name", a.Name, "bytes", a.Size)

	if r.encryptor != nil && r.encryptor.Enabled() {
		path, err := r.encryptor.EncryptArchive(a.LocalPath)
		if err != nil {
			return Archive{}, fmt.Errorf("encrypting archive: %w", err)
		}
		a.LocalPath = path
		a.Name = filepath.Base(path)
		if fi, err := os.Stat(path); err == nil {
			a.Size = fi.Size()
		}
	}
	return a, nil
}

// uploadPhase ships every archive to every linked, non-erroneous adapter.
func (r *Runner) uploadPhase(ctx context.Context, outcome *RunOutcome, items []runItem) {
	r.tracker.Transition(StatusUploading)

	active := r.linkedUploaders()
	results := make(map[string]*AdapterResult, len(active))
	for _, u := range active {
		// Error flags are per run; a destination that failed last time
		// gets a fresh chance.
		if resetter, ok := u.(interface{ ResetError() }); ok {
			resetter.ResetError()
		}
		results[u.ID()] = &AdapterResult{AdapterID: u.ID(), Kind: u.Kind()}
	}

	for i, it := range items {
		r.tracker.Advance(i)
		a := it.archive
		for _, u := range active {
			res := results[u.ID()]
			if u.Erroneous() {
				continue
			}
			start := r.clock.Now()
			err := u.Upload(ctx, a)
			res.Duration += r.clock.Now().Sub(start)
			if err != nil {
				res.Err = err
				r.logger.Error("upload failed", "adapter", u.ID(), "set", a.SetKey, "error", err)
				continue
			}
			res.Bytes += a.Size
			r.logger.Info("uploaded", "adapter", u.ID(), "set", a.SetKey, "name", a.Name)
		}
	}

	for _, u := range active {
		outcome.Adapters = append(outcome.Adapters, *results[u.ID()])
	}
}

// linkedUploaders drops adapters without credentials, with a warning, so a
// half-configured destination does not poison the run.
func (r *Runner) linkedUploaders() []Uploader {
	active := make([]Uploader, 0, len(r.uploaders))
	for _, u := range r.uploaders {
		if !u.Linked() {
			r.logger.Warn("destination not linked, skipping", "adapter", u.ID(), "kind", u.Kind())
			continue
		}
		active = append(active, u)
	}
	return active
}

// prunePhase enforces retention locally and on every healthy adapter.
func (r *Runner) prunePhase(ctx context.Context, outcome *RunOutcome, items []runItem) {
	r.tracker.Transition(StatusPruning)

	for _, it := range items {
		if it.set.CreateArchive {
			r.pruneLocal(it.set)
		}
	}

	for i := range outcome.Adapters {
		res := &outcome.Adapters[i]
		u := r.uploaderByID(res.AdapterID)
		if u == nil || u.Erroneous() {
			continue
		}
		keep := r.keepRemote
		if v, ok := r.keepRemoteFor[res.AdapterID]; ok {
			keep = v
		}
		for _, it := range items {
			err := u.Prune(ctx, it.set.Key, it.set.Pattern, keep)
			if err != nil {
				if res.Err == nil {
					res.Err = err
				}
				r.logger.Error("remote prune failed", "adapter", u.ID(), "set", it.set.Key, "error", err)
			}
		}
	}
}

func (r *Runner) pruneLocal(set BackupSet) {
	deleted, err := r.builder.PruneLocal(set, r.keepLocal)
	if err != nil {
		r.logger.Error("local prune failed", "set", set.Key, "error", err)
		return
	}
	for _, name := range deleted {
		r.logger.Info("old local backup removed", "set", set.Key, "name", name)
	}
}

func (r *Runner) uploaderByID(id string) Uploader {
	for _, u := range r.uploaders {
		if u.ID() == id {
			return u
		}
	}
	return nil
}

func (r *Runner) recordStart(outcome *RunOutcome) {
	if r.history == nil {
		return
	}
	if err := r.history.CreateRun(outcome.RunID, string(outcome.Initiator), outcome.StartedAt); err != nil {
		r.logger.Warn("recording run start", "error", err)
	}
}

func (r *Runner) finish(outcome *RunOutcome) {
	status := "success"
	if !outcome.Success() {
		status = "failed"
	}

	if r.history != nil {
		for _, res := range outcome.Adapters {
			if err := r.history.RecordAdapterResult(outcome.RunID, res); err != nil {
				r.logger.Warn("recording adapter result", "error", err)
			}
		}
		if err := r.history.FinishRun(outcome.RunID, outcome.FinishedAt, status); err != nil {
			r.logger.Warn("recording run finish", "error", err)
		}
	}

	elapsed := outcome.FinishedAt.Sub(outcome.StartedAt).Truncate(time.Second)
	if outcome.Success() {
		r.logger.Broadcast("backup complete", "run", outcome.RunID, "elapsed", elapsed.String())
	} else {
		r.logger.Broadcast("backup finished with errors", "run", outcome.RunID,
			"elapsed", elapsed.String(), "buildErrors", outcome.BuildErrors)
	}
}
