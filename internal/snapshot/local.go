package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"backrun/internal/core"
	"backrun/internal/retention"
)

// ListLocal returns the retention candidates in the set's local archive
// directory. Names not explained by the set's pattern are kept as
// candidates with their modification time and marked unparsed, so pruning
// takes them first.
func (b *Builder) ListLocal(set core.BackupSet) ([]retention.Candidate, error) {
	dir := b.setDir(set.Key)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing backups for %s: %w", set.Key, err)
	}

	var out []retention.Candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		base, ok := stripArchiveExt(name)
		if !ok {
			continue
		}

		c := retention.Candidate{ID: name}
		if ts, err := set.Pattern.Timestamp(base); err == nil {
			c.Timestamp = ts
		} else {
			info, err := e.Info()
			if err != nil {
				continue
			}
			c.Timestamp = info.ModTime()
			c.Unparsed = true
		}
		out = append(out, c)
	}
	return out, nil
}

// MostRecent returns the newest file in the set's source directory. Used
// for sets that ship pre-made backups instead of archiving.
func (b *Builder) MostRecent(set core.BackupSet) (core.Archive, error) {
	dir := filepath.Join(b.rootDir, filepath.FromSlash(set.SourceDir))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return core.Archive{}, fmt.Errorf("listing %s: %w", set.Key, err)
	}

	var best string
	var bestTime int64 = -1
	var bestSize int64
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), lockSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if mt := info.ModTime().UnixNano(); mt > bestTime {
			best = e.Name()
			bestTime = mt
			bestSize = info.Size()
		}
	}
	if best == "" {
		return core.Archive{}, fmt.Errorf("backup set %s: no files to upload", set.Key)
	}
	return core.Archive{
		SetKey:    set.Key,
		LocalPath: filepath.Join(dir, best),
		Name:      best,
		Size:      bestSize,
	}, nil
}

// PruneLocal deletes local archives of the set in excess of keep. Files
// that vanished between listing and deletion are not an error.
func (b *Builder) PruneLocal(set core.BackupSet, keep int) ([]string, error) {
	candidates, err := b.ListLocal(set)
	if err != nil {
		return nil, err
	}

	var deleted []string
	for _, name := range retention.SelectForDeletion(candidates, keep) {
		path := filepath.Join(b.setDir(set.Key), name)
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return deleted, fmt.Errorf("deleting %s: %w", path, err)
		}
		deleted = append(deleted, name)
	}
	return deleted, nil
}

// stripArchiveExt removes the archive extension, sealed or plain. The
// second return is false for non-archive files.
func stripArchiveExt(name string) (string, bool) {
	if strings.HasSuffix(name, encryptedExt) {
		return name[:len(name)-len(encryptedExt)], true
	}
	if strings.HasSuffix(name, archiveExt) {
		return name[:len(name)-len(archiveExt)], true
	}
	return "", false
}
