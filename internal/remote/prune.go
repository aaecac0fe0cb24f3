package remote

import (
	"context"
	"fmt"
	"strings"
	"time"

	"backrun/internal/core"
	"backrun/internal/namer"
	"backrun/internal/retention"
)

// Archive extensions a location may hold; everything else at a location is
// left alone by pruning.
const (
	archiveExt   = ".zip"
	encryptedExt = ".zip.age"
)

// testDelay is how long Test waits between uploading and deleting the
// probe, giving eventually-consistent backends time to surface the file.
const defaultTestDelay = 5 * time.Second

// remoteFile is one file at a remote location.
type remoteFile struct {
	// id is how the destination addresses the file for deletion. For
	// path-based destinations it equals name.
	id      string
	name    string
	modTime time.Time
}

// locationOps is the minimal per-adapter surface pruning needs.
type locationOps interface {
	listLocation(ctx context.Context, setKey string) ([]remoteFile, error)
	deleteFile(ctx context.Context, setKey string, f remoteFile) error
}

// pruneLocation deletes the oldest archives at a set's location in excess
// of keep. Timestamps come from the set's name pattern; files the pattern
// cannot explain fall back to the remote modification time and go first.
// Non-archive files are never touched.
func pruneLocation(ctx context.Context, ops locationOps, setKey string, pat namer.Pattern, keep int, logger core.Logger) error {
	if keep < 0 {
		return nil
	}

	files, err := ops.listLocation(ctx, setKey)
	if err != nil {
		return fmt.Errorf("listing %s: %w", setKey, err)
	}

	byID := make(map[string]remoteFile, len(files))
	var candidates []retention.Candidate
	for _, f := range files {
		base, ok := stripArchiveExt(f.name)
		if !ok {
			continue
		}
		c := retention.Candidate{ID: f.id}
		if ts, err := pat.Timestamp(base); err == nil {
			c.Timestamp = ts
		} else {
			c.Timestamp = f.modTime
			c.Unparsed = true
		}
		byID[f.id] = f
		candidates = append(candidates, c)
	}

	for _, id := range retention.SelectForDeletion(candidates, keep) {
		f := byID[id]
		if err := ops.deleteFile(ctx, setKey, f); err != nil {
			return fmt.Errorf("deleting %s: %w", f.name, err)
		}
		logger.Info("old remote backup removed", "set", setKey, "name", f.name)
	}
	return nil
}

func stripArchiveExt(name string) (string, bool) {
	if strings.HasSuffix(name, encryptedExt) {
		return name[:len(name)-len(encryptedExt)], true
	}
	if strings.HasSuffix(name, archiveExt) {
		return name[:len(name)-len(archiveExt)], true
	}
	return "", false
}

// probeName names the file Test uploads.
func probeName(now time.Time) string {
	return "backrun-probe-" + now.UTC().Format("20060102T150405Z") + ".txt"
}

// probeBody is what Test uploads. A kilobyte so throughput is nonzero on
// fast links.
func probeBody() []byte {
	return []byte(strings.Repeat("backrun connectivity probe\n", 38))
}
