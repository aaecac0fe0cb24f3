package testutil

import (
	"context"
	"sync"

	"backrun/internal/core"
	"backrun/internal/namer"
)

// FakeUploader is an in-memory core.Uploader. Uploads are recorded by set
// key; errors can be injected per operation.
type FakeUploader struct {
	mu sync.Mutex

	AdapterID string
	AdapterKind string
	// NotLinked makes Linked return false.
	NotLinked bool
	// UploadErr fails every Upload and flips the sticky error flag, as
	// real adapters do.
	UploadErr error
	PruneErr  error
	TestErr   error

	Uploaded   []core.Archive
	PruneCalls []PruneCall
	erroneous  bool
	closed     bool
}

// PruneCall records the arguments of one Prune invocation.
type PruneCall struct {
	SetKey string
	Keep   int
}

func NewFakeUploader(id string) *FakeUploader {
	return &FakeUploader{AdapterID: id, AdapterKind: "fake"}
}

var _ core.Uploader = (*FakeUploader)(nil)

func (f *FakeUploader) ID() string   { return f.AdapterID }
func (f *FakeUploader) Kind() string { return f.AdapterKind }

func (f *FakeUploader) Linked() bool { return !f.NotLinked }

func (f *FakeUploader) Test(ctx context.Context) error { return f.TestErr }

func (f *FakeUploader) Upload(ctx context.Context, a core.Archive) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UploadErr != nil {
		f.erroneous = true
		return f.UploadErr
	}
	f.Uploaded = append(f.Uploaded, a)
	return nil
}

func (f *FakeUploader) Prune(ctx context.Context, setKey string, pat namer.Pattern, keep int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PruneErr != nil {
		f.erroneous = true
		return f.PruneErr
	}
	f.PruneCalls = append(f.PruneCalls, PruneCall{SetKey: setKey, Keep: keep})
	return nil
}

func (f *FakeUploader) Erroneous() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.erroneous
}

func (f *FakeUploader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *FakeUploader) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
