package testutil

import (
	"context"
	"fmt"
	"time"

	"backrun/internal/core"
)

// FakeBuilder is an in-memory core.Builder producing synthetic archives.
type FakeBuilder struct {
	// FailSets lists set keys whose Build/MostRecent calls fail.
	FailSets map[string]bool

	Built       []string
	PruneLocals []string
	// LocalDeleted is returned from every PruneLocal call.
	LocalDeleted []string
}

func NewFakeBuilder() *FakeBuilder {
	return &FakeBuilder{FailSets: map[string]bool{}}
}

var _ core.Builder = (*FakeBuilder)(nil)

func (f *FakeBuilder) Resolve(sets []core.BackupSet) []core.BackupSet { return sets }

func (f *FakeBuilder) Build(ctx context.Context, set core.BackupSet, now time.Time) (core.Archive, error) {
	if f.FailSets[set.Key] {
		return core.Archive{}, fmt.Errorf("build failed for %s", set.Key)
	}
	f.Built = append(f.Built, set.Key)
	name := set.Pattern.Format(now) + ".zip"
	return core.Archive{
		SetKey:    set.Key,
		LocalPath: "/tmp/" + name,
		Name:      name,
		Size:      1024,
	}, nil
}

func (f *FakeBuilder) MostRecent(set core.BackupSet) (core.Archive, error) {
	if f.FailSets[set.Key] {
		return core.Archive{}, fmt.Errorf("no backups for %s", set.Key)
	}
	return core.Archive{SetKey: set.Key, LocalPath: "/tmp/existing.zip", Name: "existing.zip", Size: 512}, nil
}

func (f *FakeBuilder) PruneLocal(set core.BackupSet, keep int) ([]string, error) {
	f.PruneLocals = append(f.PruneLocals, set.Key)
	return f.LocalDeleted, nil
}
