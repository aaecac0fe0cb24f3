package external

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"backrun/internal/config"
	"backrun/internal/core"
	"backrun/internal/remote"
)

// fileSource mirrors configured paths from an FTP or SFTP server into the
// staging directory, preserving the remote tree layout.
type fileSource struct {
	label  string
	items  []config.ExternalItemConfig
	client remote.TransferClient
	logger core.Logger
}

var _ source = (*fileSource)(nil)

func newFileSource(cfg config.ExternalSourceConfig, logger core.Logger) *fileSource {
	var client remote.TransferClient
	switch cfg.Type {
	case "sftp":
		client = remote.NewSFTPClient(cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.KeyPath, cfg.BaseDir)
	default:
		client = remote.NewFTPClient(cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.BaseDir)
	}
	return &fileSource{
		label:  cfg.Label,
		items:  cfg.Items,
		client: client,
		logger: logger,
	}
}

func (s *fileSource) Label() string { return s.label }

// Pull downloads every configured item. Unreadable files are skipped with
// a warning; only a connection-level failure aborts the pull.
func (s *fileSource) Pull(ctx context.Context, destDir string) error {
	if err := s.client.Connect(ctx); err != nil {
		return err
	}
	defer s.client.Close()

	for _, item := range s.items {
		excluded := make([]int, len(item.Blacklist))
		dest := filepath.Join(destDir, filepath.FromSlash(path.Clean("/"+item.Path)))
		if err := s.pullTree(ctx, item.Path, "", dest, item.Blacklist, excluded); err != nil {
			return fmt.Errorf("pulling %s: %w", item.Path, err)
		}
		for i, glob := range item.Blacklist {
			if excluded[i] > 0 {
				s.logger.Info("blacklist excluded files", "source", s.label, "glob", glob, "count", excluded[i])
			}
		}
	}
	return nil
}

// pullTree mirrors one remote directory. rel tracks the path relative to
// the item root, which is what blacklist globs match against.
func (s *fileSource) pullTree(ctx context.Context, root, rel, destDir string, blacklist []string, excluded []int) error {
	entries, err := s.client.List(path.Join(root, rel))
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		entryRel := path.Join(rel, e.Name)
		if e.IsDir {
			if err := s.pullTree(ctx, root, entryRel, destDir, blacklist, excluded); err != nil {
				return err
			}
			continue
		}

		skip := false
		for i, glob := range blacklist {
			match, err := doublestar.Match(glob, entryRel)
			if err != nil {
				return fmt.Errorf("blacklist glob %q: %w", glob, err)
			}
			if match {
				excluded[i]++
				skip = true
				break
			}
		}
		if skip {
			continue
		}

		if err := s.download(path.Join(root, entryRel), filepath.Join(destDir, filepath.FromSlash(entryRel))); err != nil {
			s.logger.Warn("unreadable remote file skipped", "source", s.label, "path", entryRel, "error", err)
		}
	}
	return nil
}

func (s *fileSource) download(remotePath, localPath string) error {
	r, err := s.client.Retrieve(remotePath)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return err
	}
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(localPath)
		return err
	}
	return f.Close()
}
