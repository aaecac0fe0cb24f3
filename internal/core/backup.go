package core

import (
	"context"
	"time"

	"backrun/internal/namer"
)

// RootKey is the set key reserved for the working root itself.
const RootKey = "root"

// BackupSet is one resolved backup location: a source directory to archive
// (or to pick pre-made backups from) and the naming rules for its backups.
type BackupSet struct {
	// Key identifies the location. It names the subdirectory under the
	// local backups root and the folder chain on every remote. RootKey
	// stands in when the source is the working root itself.
	Key string
	// SourceDir is the source path relative to the working root.
	// "." means the root.
	SourceDir string
	// Pattern names new archives and recovers timestamps from old ones.
	Pattern namer.Pattern
	// CreateArchive selects between archiving SourceDir on each run and
	// shipping the most recent pre-made file already sitting in it.
	CreateArchive bool
	// Blacklist holds glob patterns, relative to SourceDir, for files to
	// leave out of the archive. Order is preserved for reporting.
	Blacklist []string
}

// Archive is one file ready for upload.
type Archive struct {
	SetKey    string
	LocalPath string
	Name      string
	Size      int64
}

// Builder produces archives from backup sets and manages the local copies.
type Builder interface {
	// Resolve expands glob entries into concrete per-directory sets.
	// Entries that match nothing resolve to themselves so the failure
	// surfaces at build time.
	Resolve(sets []BackupSet) []BackupSet
	// Build archives the set's source directory as of now.
	Build(ctx context.Context, set BackupSet, now time.Time) (Archive, error)
	// MostRecent returns the newest existing file for a set that does
	// not create its own archives.
	MostRecent(set BackupSet) (Archive, error)
	// PruneLocal deletes local backups of the set in excess of keep and
	// returns the deleted names.
	PruneLocal(set BackupSet, keep int) ([]string, error)
}

// Ingester pulls external sources into the staging area before a run and
// hands back synthetic backup sets covering the staged trees.
type Ingester interface {
	Ingest(ctx context.Context) ([]BackupSet, error)
	// Cleanup removes the staging root. It runs before a run picks up
	// (stale state from a crash) and unconditionally after.
	Cleanup() error
}

// Uploader ships archives to one remote destination and prunes old backups
// there. Implementations keep a sticky error flag: after the first failed
// operation in a run they report Erroneous and are skipped for the rest of
// the run.
type Uploader interface {
	ID() string
	Kind() string
	// Linked reports whether the destination has usable credentials.
	// Unlinked uploaders are dropped from a run before any upload.
	Linked() bool
	// Test uploads a small probe file, waits out the backend's
	// consistency delay, and deletes it.
	Test(ctx context.Context) error
	Upload(ctx context.Context, a Archive) error
	Prune(ctx context.Context, setKey string, pat namer.Pattern, keep int) error
	Erroneous() bool
	Close() error
}

// ArchiveEncryptor optionally seals archives before upload.
type ArchiveEncryptor interface {
	Enabled() bool
	// EncryptArchive encrypts the file at path, removes the plaintext,
	// and returns the path of the encrypted file.
	EncryptArchive(path string) (string, error)
}

// ActivityGate reports whether the backed-up system has seen activity since
// the previous run. Scheduled runs are skipped while the gate is closed.
type ActivityGate interface {
	Active() bool
}

// AlwaysActive is an ActivityGate that never blocks runs.
type AlwaysActive struct{}

func (AlwaysActive) Active() bool { return true }

// AutosaveController pauses the source system's own background writes while
// a snapshot is taken.
type AutosaveController interface {
	// Disable turns autosave off and reports whether it was on.
	Disable() (wasEnabled bool, err error)
	Enable() error
}

// NopAutosave is an AutosaveController for sources without autosave.
type NopAutosave struct{}

func (NopAutosave) Disable() (bool, error) { return false, nil }
func (NopAutosave) Enable() error          { return nil }
