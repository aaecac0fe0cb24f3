// Package encryption seals built archives with age before upload. Only the
// recipient file is needed at backup time; the identity stays offline with
// whoever will restore.
package encryption

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"

	"backrun/internal/config"
	"backrun/internal/core"
)

// encryptedSuffix is appended to the archive name after sealing.
const encryptedSuffix = ".age"

// AgeEncryptor implements core.ArchiveEncryptor with X25519 recipients.
type AgeEncryptor struct {
	enabled       bool
	recipientPath string
}

var _ core.ArchiveEncryptor = (*AgeEncryptor)(nil)

// NewAgeEncryptor creates the encryptor from configuration. The recipient
// file is read per archive, so a rotated key applies without a restart.
func NewAgeEncryptor(cfg config.EncryptionConfig) *AgeEncryptor {
	return &AgeEncryptor{
		enabled:       cfg.Enabled,
		recipientPath: cfg.RecipientPath,
	}
}

func (e *AgeEncryptor) Enabled() bool { return e.enabled }

// EncryptArchive seals the archive at path, removes the plaintext and
// returns the sealed path. The sealed file is written alongside the
// plaintext and only replaces it after a complete write.
func (e *AgeEncryptor) EncryptArchive(path string) (string, error) {
	recipients, err := e.loadRecipients()
	if err != nil {
		return "", err
	}

	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening archive: %w", err)
	}
	defer src.Close()

	outPath := path + encryptedSuffix
	tmpPath := outPath + ".tmp"
	dst, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("creating sealed archive: %w", err)
	}
	defer os.Remove(tmpPath)

	w, err := age.Encrypt(dst, recipients...)
	if err != nil {
		dst.Close()
		return "", fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.Copy(w, src); err != nil {
		dst.Close()
		return "", fmt.Errorf("encrypting archive: %w", err)
	}
	if err := w.Close(); err != nil {
		dst.Close()
		return "", fmt.Errorf("finalizing encryption: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("closing sealed archive: %w", err)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		return "", fmt.Errorf("moving sealed archive into place: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("removing plaintext archive: %w", err)
	}
	return outPath, nil
}

func (e *AgeEncryptor) loadRecipients() ([]age.Recipient, error) {
	data, err := os.ReadFile(e.recipientPath)
	if err != nil {
		return nil, fmt.Errorf("reading recipient file: %w", err)
	}
	recipients, err := age.ParseRecipients(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing recipient file: %w", err)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipients in %s", e.recipientPath)
	}
	return recipients, nil
}

// GenerateKey creates a fresh X25519 key pair, writing the recipient to
// recipientPath and the identity to identityPath. It refuses to overwrite
// an existing identity.
func GenerateKey(recipientPath, identityPath string) error {
	if _, err := os.Stat(identityPath); err == nil {
		return fmt.Errorf("identity file %s already exists", identityPath)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}

	for _, dir := range []string{filepath.Dir(recipientPath), filepath.Dir(identityPath)} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating key directory: %w", err)
		}
	}

	if err := os.WriteFile(recipientPath, []byte(identity.Recipient().String()+"\n"), 0644); err != nil {
		return fmt.Errorf("writing recipient file: %w", err)
	}
	if err := os.WriteFile(identityPath, []byte(identity.String()+"\n"), 0600); err != nil {
		return fmt.Errorf("writing identity file: %w", err)
	}
	return nil
}
