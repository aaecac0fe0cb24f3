// Package creds persists OAuth credentials for cloud drive remotes. Each
// remote id gets one JSON file so linking and unlinking accounts never
// touches the main config.
package creds

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"backrun/internal/core"
)

// FileStore implements core.CredentialStore over a directory of JSON
// files, one per remote id.
type FileStore struct {
	dir string
}

var _ core.CredentialStore = (*FileStore)(nil)

// NewFileStore creates the store rooted at dir. The directory is created
// on first Store.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Credential returns the stored credential for id, or nil when the remote
// has never been linked.
func (s *FileStore) Credential(id string) (*core.Credential, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading credential for %s: %w", id, err)
	}

	var cred core.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("decoding credential for %s: %w", id, err)
	}
	return &cred, nil
}

// Store writes the credential for id, replacing any existing one. Files
// are written via a temp file so a crash never leaves a truncated token.
func (s *FileStore) Store(id string, cred *core.Credential) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("creating credential directory: %w", err)
	}

	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credential for %s: %w", id, err)
	}

	path := s.path(id)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("writing credential for %s: %w", id, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("storing credential for %s: %w", id, err)
	}
	return nil
}

// path maps a remote id to its file, flattening separators so an id can
// never escape the store directory.
func (s *FileStore) path(id string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(id)
	return filepath.Join(s.dir, safe+".json")
}
