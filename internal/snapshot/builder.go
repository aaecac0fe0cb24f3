// Package snapshot turns backup set sources into zip archives under the
// local backups root, and manages the archives already there.
package snapshot

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"backrun/internal/core"
)

// lockSuffix marks files another process holds open. They are skipped
// without a warning.
const lockSuffix = ".lock"

// archiveExt is the extension of archives the builder writes. Sealed
// archives additionally carry encryptedExt.
const (
	archiveExt   = ".zip"
	encryptedExt = ".zip.age"
)

// Builder implements core.Builder over the local filesystem.
type Builder struct {
	// rootDir is the working root all set sources are relative to.
	rootDir string
	// outRoot is where archives land, one subdirectory per set key.
	outRoot string
	// level is the deflate level for new archives.
	level  int
	logger core.Logger
}

var _ core.Builder = (*Builder)(nil)

// NewBuilder creates a Builder. outRoot may live inside rootDir; the walk
// recognizes it and never archives its own output.
func NewBuilder(rootDir, outRoot string, compressionLevel int, logger core.Logger) *Builder {
	if compressionLevel < flate.HuffmanOnly || compressionLevel > flate.BestCompression {
		compressionLevel = flate.DefaultCompression
	}
	return &Builder{
		rootDir: rootDir,
		outRoot: outRoot,
		level:   compressionLevel,
		logger:  logger,
	}
}

// Resolve expands sets whose source contains glob metacharacters into one
// set per matching directory. Non-glob sets pass through unchanged, as do
// globs with no matches, so the miss is reported at build time.
func (b *Builder) Resolve(sets []core.BackupSet) []core.BackupSet {
	var out []core.BackupSet
	for _, set := range sets {
		if !strings.ContainsAny(set.SourceDir, "*?[{") {
			out = append(out, set)
			continue
		}

		matches, err := doublestar.Glob(os.DirFS(b.rootDir), filepath.ToSlash(set.SourceDir))
		if err != nil {
			b.logger.Warn("bad glob in backup set", "pattern", set.SourceDir, "error", err)
			out = append(out, set)
			continue
		}

		expanded := 0
		for _, m := range matches {
			fi, err := os.Stat(filepath.Join(b.rootDir, filepath.FromSlash(m)))
			if err != nil || !fi.IsDir() {
				continue
			}
			sub := set
			sub.Key = m
			sub.SourceDir = m
			sub.Pattern = set.Pattern.WithName(filepath.Base(m))
			out = append(out, sub)
			expanded++
		}
		if expanded == 0 {
			b.logger.Warn("glob matched no directories", "pattern", set.SourceDir)
			out = append(out, set)
		}
	}
	return out
}

// Build archives the set's source directory into the set's output
// directory, named by the set's pattern for now.
func (b *Builder) Build(ctx context.Context, set core.BackupSet, now time.Time) (core.Archive, error) {
	if filepath.IsAbs(set.SourceDir) {
		return core.Archive{}, fmt.Errorf("backup set %s: absolute source paths are not allowed", set.Key)
	}

	srcDir := b.rootDir
	if set.SourceDir != "." && set.SourceDir != "" {
		srcDir = filepath.Join(b.rootDir, filepath.FromSlash(set.SourceDir))
	}
	if fi, err := os.Stat(srcDir); err != nil {
		return core.Archive{}, fmt.Errorf("backup set %s: %w", set.Key, err)
	} else if !fi.IsDir() {
		return core.Archive{}, fmt.Errorf("backup set %s: source is not a directory", set.Key)
	}

	pat := set.Pattern.WithName(filepath.Base(srcDir))
	name := pat.Format(now) + archiveExt

	outDir := b.setDir(set.Key)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return core.Archive{}, fmt.Errorf("creating backup directory: %w", err)
	}

	// Entries sit under a top-level folder named after the source, with
	// the reserved root key standing in for the working root itself.
	entryRoot := filepath.Base(srcDir)
	if srcDir == b.rootDir {
		entryRoot = core.RootKey
	}

	outPath := filepath.Join(outDir, name)
	size, err := b.writeArchive(ctx, srcDir, entryRoot, outPath, set.Blacklist)
	if err != nil {
		os.Remove(outPath)
		return core.Archive{}, err
	}

	return core.Archive{SetKey: set.Key, LocalPath: outPath, Name: name, Size: size}, nil
}

// writeArchive walks srcDir into a zip at outPath via a temp file, so a
// half-written archive never carries a valid backup name.
func (b *Builder) writeArchive(ctx context.Context, srcDir, entryRoot, outPath string, blacklist []string) (int64, error) {
	tmpPath := outPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("creating archive: %w", err)
	}
	defer os.Remove(tmpPath)

	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, b.level)
	})

	excluded := make([]int, len(blacklist))
	guard := b.newSelfGuard(srcDir)

	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			b.logger.Warn("unreadable entry skipped", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if d.IsDir() {
			if guard.excludes(path) {
				return fs.SkipDir
			}
			return nil
		}
		// Symlinks can smuggle the output root back into the walk.
		if d.Type()&fs.ModeSymlink != 0 && guard.excludes(path) {
			return nil
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return fmt.Errorf("relative path for %s: %w", path, err)
		}
		rel = filepath.ToSlash(rel)

		if strings.HasSuffix(rel, lockSuffix) {
			return nil
		}
		for i, glob := range blacklist {
			match, err := doublestar.Match(glob, rel)
			if err != nil {
				return fmt.Errorf("blacklist glob %q: %w", glob, err)
			}
			if match {
				excluded[i]++
				return nil
			}
		}

		return b.addFile(zw, path, entryRoot+"/"+rel, d)
	})
	if walkErr != nil {
		zw.Close()
		f.Close()
		return 0, fmt.Errorf("archiving %s: %w", srcDir, walkErr)
	}

	if err := zw.Close(); err != nil {
		f.Close()
		return 0, fmt.Errorf("finalizing archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("closing archive: %w", err)
	}

	for i, glob := range blacklist {
		if excluded[i] > 0 {
			b.logger.Info("blacklist excluded files", "glob", glob, "count", excluded[i])
		}
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		return 0, fmt.Errorf("moving archive into place: %w", err)
	}
	fi, err := os.Stat(outPath)
	if err != nil {
		return 0, fmt.Errorf("stat archive: %w", err)
	}
	return fi.Size(), nil
}

// addFile streams one file into the archive. Files that disappear or turn
// unreadable mid-walk are skipped with a warning.
func (b *Builder) addFile(zw *zip.Writer, path, rel string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		b.logger.Warn("unreadable file skipped", "path", path, "error", err)
		return nil
	}

	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("archive header for %s: %w", rel, err)
	}
	hdr.Name = rel
	hdr.Method = zip.Deflate

	src, err := os.Open(path)
	if err != nil {
		b.logger.Warn("unreadable file skipped", "path", path, "error", err)
		return nil
	}
	defer src.Close()

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("adding %s to archive: %w", rel, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("writing %s to archive: %w", rel, err)
	}
	return nil
}

// selfGuard recognizes walk entries whose canonical path lands under the
// output root, so a build never archives its own output, even through a
// symlink or an alternate spelling of the path.
//
// A walk may itself be rooted inside the output root (staged external
// sources are). Its own subtree stays admissible; only entries resolving
// elsewhere under the output root are excluded.
type selfGuard struct {
	outRoots []string
	allow    string
}

func (b *Builder) newSelfGuard(srcDir string) selfGuard {
	g := selfGuard{outRoots: []string{b.outRoot}}
	if resolved, err := filepath.EvalSymlinks(b.outRoot); err == nil && resolved != b.outRoot {
		g.outRoots = append(g.outRoots, resolved)
	}

	src := srcDir
	if resolved, err := filepath.EvalSymlinks(srcDir); err == nil {
		src = resolved
	}
	for _, root := range g.outRoots {
		if underDir(src, root) {
			g.allow = src
		}
	}
	return g
}

func (g selfGuard) excludes(path string) bool {
	candidates := []string{path}
	if resolved, err := filepath.EvalSymlinks(path); err == nil && resolved != path {
		candidates = append(candidates, resolved)
	}
	for _, c := range candidates {
		if g.allow != "" && underDir(c, g.allow) {
			continue
		}
		for _, root := range g.outRoots {
			if underDir(c, root) {
				return true
			}
		}
	}
	return false
}

// underDir reports whether path equals dir or sits below it.
func underDir(path, dir string) bool {
	return path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))
}

// setDir returns the local archive directory for a set key.
func (b *Builder) setDir(key string) string {
	return filepath.Join(b.outRoot, filepath.FromSlash(key))
}
