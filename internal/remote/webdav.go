package remote

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/studio-b12/gowebdav"

	"backrun/internal/config"
	"backrun/internal/core"
	"backrun/internal/namer"
)

// WebDAVUploader uploads archives to a WebDAV share.
type WebDAVUploader struct {
	errState

	id      string
	baseDir string
	client  *gowebdav.Client
	logger  core.Logger

	testDelay time.Duration
}

var _ core.Uploader = (*WebDAVUploader)(nil)

// NewWebDAVUploader builds the adapter from config. The URL points at the
// share root; BaseDir nests the backups below it.
func NewWebDAVUploader(cfg config.RemoteConfig, logger core.Logger) *WebDAVUploader {
	client := gowebdav.NewClient(cfg.URL, cfg.Username, cfg.Password)
	return &WebDAVUploader{
		id:        cfg.ID,
		baseDir:   cfg.BaseDir,
		client:    client,
		logger:    logger,
		testDelay: defaultTestDelay,
	}
}

func (u *WebDAVUploader) ID() string   { return u.id }
func (u *WebDAVUploader) Kind() string { return "webdav" }

// Linked is always true: credentials live in the config.
func (u *WebDAVUploader) Linked() bool { return true }

func (u *WebDAVUploader) Upload(ctx context.Context, a core.Archive) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := path.Join(u.baseDir, a.SetKey)
	if err := u.client.MkdirAll(dir, 0o755); err != nil {
		return u.fail(classify(fmt.Errorf("creating %s: %w", dir, err)))
	}
	f, err := os.Open(a.LocalPath)
	if err != nil {
		return u.fail(fmt.Errorf("opening archive: %w", err))
	}
	defer f.Close()

	if err := u.client.WriteStream(path.Join(dir, a.Name), f, 0o644); err != nil {
		return u.fail(classify(fmt.Errorf("uploading %s: %w", a.Name, err)))
	}
	return nil
}

func (u *WebDAVUploader) Test(ctx context.Context) error {
	if err := u.client.MkdirAll(u.baseDir, 0o755); err != nil {
		return u.fail(classify(fmt.Errorf("creating %s: %w", u.baseDir, err)))
	}
	name := path.Join(u.baseDir, probeName(time.Now()))
	if err := u.client.Write(name, probeBody(), 0o644); err != nil {
		return u.fail(classify(fmt.Errorf("writing probe: %w", err)))
	}

	select {
	case <-time.After(u.testDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := u.client.Remove(name); err != nil {
		return u.fail(classify(fmt.Errorf("deleting probe: %w", err)))
	}
	return nil
}

func (u *WebDAVUploader) Prune(ctx context.Context, setKey string, pat namer.Pattern, keep int) error {
	return u.fail(pruneLocation(ctx, u, setKey, pat, keep, u.logger))
}

func (u *WebDAVUploader) Close() error { return nil }

func (u *WebDAVUploader) listLocation(ctx context.Context, setKey string) ([]remoteFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := path.Join(u.baseDir, setKey)
	entries, err := u.client.ReadDir(dir)
	if err != nil {
		if gowebdav.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, classify(err)
	}
	var out []remoteFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		out = append(out, remoteFile{
			id:      path.Join(dir, e.Name()),
			name:    e.Name(),
			modTime: e.ModTime(),
		})
	}
	return out, nil
}

func (u *WebDAVUploader) deleteFile(_ context.Context, _ string, f remoteFile) error {
	return classify(u.client.Remove(f.id))
}
