package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"backrun/internal/core"
	"backrun/internal/namer"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func archiveNames(t *testing.T, path string) []string {
	t.Helper()
	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("opening archive %s: %v", path, err)
	}
	defer r.Close()

	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

func testBuilder(t *testing.T) (*Builder, string, string) {
	t.Helper()
	root := t.TempDir()
	out := filepath.Join(root, "backups")
	return NewBuilder(root, out, -1, core.NewNopLogger()), root, out
}

func worldSet(t *testing.T) core.BackupSet {
	t.Helper()
	return core.BackupSet{
		Key:           "world",
		SourceDir:     "world",
		Pattern:       namer.MustParse("backup-{format}", time.UTC),
		CreateArchive: true,
	}
}

func TestBuilder_Build(t *testing.T) {
	b, root, out := testBuilder(t)
	writeFile(t, filepath.Join(root, "world", "level.dat"), "level")
	writeFile(t, filepath.Join(root, "world", "region", "r.0.0.mca"), "region")

	now := time.Date(2024, 3, 7, 9, 5, 0, 0, time.UTC)
	a, err := b.Build(context.Background(), worldSet(t), now)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if a.Name != "backup-2024-3-7--09-05.zip" {
		t.Errorf("Name = %q", a.Name)
	}
	wantPath := filepath.Join(out, "world", a.Name)
	if a.LocalPath != wantPath {
		t.Errorf("LocalPath = %q, want %q", a.LocalPath, wantPath)
	}
	if a.Size <= 0 {
		t.Errorf("Size = %d, want > 0", a.Size)
	}

	got := archiveNames(t, a.LocalPath)
	want := []string{"world/level.dat", "world/region/r.0.0.mca"}
	if len(got) != len(want) {
		t.Fatalf("archive contents = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("archive contents = %v, want %v", got, want)
		}
	}
}

func TestBuilder_Build_Blacklist(t *testing.T) {
	b, root, _ := testBuilder(t)
	writeFile(t, filepath.Join(root, "world", "level.dat"), "level")
	writeFile(t, filepath.Join(root, "world", "session.lock"), "lock")
	writeFile(t, filepath.Join(root, "world", "cache", "big.bin"), "cache")
	writeFile(t, filepath.Join(root, "world", "debug.log"), "log")

	set := worldSet(t)
	set.Blacklist = []string{"cache/**", "*.log"}

	a, err := b.Build(context.Background(), set, time.Now())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	got := archiveNames(t, a.LocalPath)
	if len(got) != 1 || got[0] != "world/level.dat" {
		t.Errorf("archive contents = %v, want [world/level.dat]", got)
	}
}

func TestBuilder_Build_SkipsOwnOutput(t *testing.T) {
	b, root, out := testBuilder(t)
	writeFile(t, filepath.Join(root, "data.txt"), "data")
	// A previous run's archive inside the output root.
	writeFile(t, filepath.Join(out, "root", "backup-2024-1-1--00-00.zip"), "old")

	set := core.BackupSet{
		Key:           core.RootKey,
		SourceDir:     ".",
		Pattern:       namer.MustParse("backup-{format}", time.UTC),
		CreateArchive: true,
	}
	a, err := b.Build(context.Background(), set, time.Date(2024, 3, 7, 9, 5, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	got := archiveNames(t, a.LocalPath)
	if len(got) != 1 || got[0] != "root/data.txt" {
		t.Errorf("archive contents = %v, want [root/data.txt]", got)
	}
}

func TestBuilder_Build_SkipsSymlinkIntoOutput(t *testing.T) {
	b, root, out := testBuilder(t)
	writeFile(t, filepath.Join(root, "world", "level.dat"), "level")
	writeFile(t, filepath.Join(out, "world", "backup-2024-1-1--00-00.zip"), "old")

	// A symlink inside the source pointing at a previous archive must not
	// end up in the new archive.
	link := filepath.Join(root, "world", "latest.zip")
	if err := os.Symlink(filepath.Join(out, "world", "backup-2024-1-1--00-00.zip"), link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	a, err := b.Build(context.Background(), worldSet(t), time.Date(2024, 3, 7, 9, 5, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	got := archiveNames(t, a.LocalPath)
	if len(got) != 1 || got[0] != "world/level.dat" {
		t.Errorf("archive contents = %v, want [world/level.dat]", got)
	}
}

func TestBuilder_Build_StagedSourceInsideOutput(t *testing.T) {
	// Staged external sources live under the output root and must still
	// archive their own files.
	b, root, out := testBuilder(t)
	staged := filepath.Join(out, "external-backups", "db")
	writeFile(t, filepath.Join(staged, "dump.sql"), "sql")

	rel, err := filepath.Rel(root, staged)
	if err != nil {
		t.Fatalf("rel: %v", err)
	}
	set := core.BackupSet{
		Key:           "db",
		SourceDir:     filepath.ToSlash(rel),
		Pattern:       namer.MustParse("backup-{format}", time.UTC),
		CreateArchive: true,
	}

	a, err := b.Build(context.Background(), set, time.Date(2024, 3, 7, 9, 5, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	got := archiveNames(t, a.LocalPath)
	if len(got) != 1 || got[0] != "db/dump.sql" {
		t.Errorf("archive contents = %v, want [db/dump.sql]", got)
	}
}

func TestBuilder_Build_RejectsAbsoluteSource(t *testing.T) {
	b, _, _ := testBuilder(t)
	set := worldSet(t)
	set.SourceDir = "/etc"

	if _, err := b.Build(context.Background(), set, time.Now()); err == nil {
		t.Errorf("Build() with absolute source: expected error")
	}
}

func TestBuilder_Build_MissingSource(t *testing.T) {
	b, _, _ := testBuilder(t)

	if _, err := b.Build(context.Background(), worldSet(t), time.Now()); err == nil {
		t.Errorf("Build() with missing source: expected error")
	}
}

func TestBuilder_Resolve(t *testing.T) {
	b, root, _ := testBuilder(t)
	for _, d := range []string{"world", "world_nether", "world_the_end"} {
		writeFile(t, filepath.Join(root, d, "level.dat"), "x")
	}
	writeFile(t, filepath.Join(root, "world_notes.txt"), "not a dir")

	sets := []core.BackupSet{{
		Key:           "world*",
		SourceDir:     "world*",
		Pattern:       namer.MustParse("%NAME-{format}", time.UTC),
		CreateArchive: true,
	}}

	resolved := b.Resolve(sets)
	if len(resolved) != 3 {
		t.Fatalf("Resolve() produced %d sets, want 3: %+v", len(resolved), resolved)
	}

	keys := map[string]bool{}
	for _, s := range resolved {
		keys[s.Key] = true
	}
	for _, want := range []string{"world", "world_nether", "world_the_end"} {
		if !keys[want] {
			t.Errorf("Resolve() missing set %q", want)
		}
	}

	// %NAME is bound to each directory's base name.
	for _, s := range resolved {
		name := s.Pattern.Format(time.Date(2024, 1, 2, 3, 4, 0, 0, time.UTC))
		want := s.Key + "-2024-1-2--03-04"
		if name != want {
			t.Errorf("pattern for %s renders %q, want %q", s.Key, name, want)
		}
	}
}

func TestBuilder_Resolve_PassThrough(t *testing.T) {
	b, _, _ := testBuilder(t)
	sets := []core.BackupSet{{Key: "world", SourceDir: "world"}}

	resolved := b.Resolve(sets)
	if len(resolved) != 1 || resolved[0].Key != "world" {
		t.Errorf("Resolve() = %+v, want pass-through", resolved)
	}
}

func TestBuilder_MostRecent(t *testing.T) {
	b, root, _ := testBuilder(t)
	dir := filepath.Join(root, "premade")
	writeFile(t, filepath.Join(dir, "old.zip"), "old")
	writeFile(t, filepath.Join(dir, "new.zip"), "newer")
	writeFile(t, filepath.Join(dir, "busy.lock"), "lock")

	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(dir, "old.zip"), old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	set := core.BackupSet{Key: "premade", SourceDir: "premade"}
	a, err := b.MostRecent(set)
	if err != nil {
		t.Fatalf("MostRecent() error = %v", err)
	}
	if a.Name != "new.zip" {
		t.Errorf("MostRecent() = %q, want new.zip", a.Name)
	}
}

func TestBuilder_PruneLocal(t *testing.T) {
	b, _, out := testBuilder(t)
	set := worldSet(t)
	dir := filepath.Join(out, "world")

	names := []string{
		"backup-2024-1-1--10-00.zip",
		"backup-2024-1-2--10-00.zip.age",
		"backup-2024-1-3--10-00.zip",
		"stray-file.zip", // unparsable, pruned first
	}
	for _, n := range names {
		writeFile(t, filepath.Join(dir, n), "x")
	}

	deleted, err := b.PruneLocal(set, 2)
	if err != nil {
		t.Fatalf("PruneLocal() error = %v", err)
	}
	want := map[string]bool{"stray-file.zip": true, "backup-2024-1-1--10-00.zip": true}
	if len(deleted) != 2 {
		t.Fatalf("deleted = %v, want 2 entries", deleted)
	}
	for _, n := range deleted {
		if !want[n] {
			t.Errorf("deleted unexpected file %q", n)
		}
	}

	remaining, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(remaining) != 2 {
		t.Errorf("%d files remain, want 2", len(remaining))
	}
}

func TestBuilder_PruneLocal_Unlimited(t *testing.T) {
	b, _, out := testBuilder(t)
	set := worldSet(t)
	writeFile(t, filepath.Join(out, "world", "backup-2024-1-1--10-00.zip"), "x")

	deleted, err := b.PruneLocal(set, -1)
	if err != nil {
		t.Fatalf("PruneLocal() error = %v", err)
	}
	if len(deleted) != 0 {
		t.Errorf("deleted = %v, want none with unlimited keep", deleted)
	}
}
