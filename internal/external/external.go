// Package external stages remote data (file-transfer trees, database
// dumps) into a local directory before a run, so it flows through the same
// snapshot and upload pipeline as native backup sets.
package external

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"backrun/internal/config"
	"backrun/internal/core"
	"backrun/internal/namer"
)

// defaultFormat names external archives when the source does not set one.
const defaultFormat = "backup-{format}"

// source pulls one configured external source into a staging directory.
type source interface {
	Label() string
	Pull(ctx context.Context, destDir string) error
}

// Ingester implements core.Ingester over the configured external sources.
// All staged data lives under stagingRoot, which is removed on Cleanup.
type Ingester struct {
	// rootDir is what synthetic set source paths are made relative to.
	rootDir     string
	stagingRoot string
	sources     []source
	patterns    map[string]namer.Pattern
	logger      core.Logger
}

var _ core.Ingester = (*Ingester)(nil)

// NewIngesterFromConfig builds the ingester for the resolved external
// source entries. Entries are pre-validated by config resolution.
func NewIngesterFromConfig(cfgs []config.ExternalSourceConfig, rootDir, stagingRoot string, loc *time.Location, logger core.Logger) (*Ingester, error) {
	in := &Ingester{
		rootDir:     rootDir,
		stagingRoot: stagingRoot,
		patterns:    make(map[string]namer.Pattern, len(cfgs)),
		logger:      logger,
	}
	for _, cfg := range cfgs {
		format := cfg.Format
		if format == "" {
			format = defaultFormat
		}
		pat, err := namer.Parse(format, loc)
		if err != nil {
			return nil, fmt.Errorf("external source %s: %w", cfg.Label, err)
		}
		in.patterns[cfg.Label] = pat.WithName(cfg.Label)

		switch cfg.Type {
		case "ftp", "sftp":
			in.sources = append(in.sources, newFileSource(cfg, logger))
		case "mysql":
			in.sources = append(in.sources, newMySQLSource(cfg, logger))
		default:
			return nil, fmt.Errorf("external source %s: unknown type %q", cfg.Label, cfg.Type)
		}
	}
	return in, nil
}

// Ingest pulls every source and returns one synthetic backup set per
// source that completed. A source that cannot be reached at all is skipped
// with a diagnostic; sources tolerate per-file errors internally.
func (in *Ingester) Ingest(ctx context.Context) ([]core.BackupSet, error) {
	if len(in.sources) == 0 {
		return nil, nil
	}

	var sets []core.BackupSet
	for _, src := range in.sources {
		if err := ctx.Err(); err != nil {
			return sets, err
		}

		destDir := filepath.Join(in.stagingRoot, src.Label())
		if err := os.MkdirAll(destDir, 0755); err != nil {
			return sets, fmt.Errorf("creating staging directory: %w", err)
		}

		if err := src.Pull(ctx, destDir); err != nil {
			in.logger.Error("external source failed", "label", src.Label(), "error", err)
			continue
		}

		rel, err := filepath.Rel(in.rootDir, destDir)
		if err != nil {
			return sets, fmt.Errorf("staging path for %s: %w", src.Label(), err)
		}
		sets = append(sets, core.BackupSet{
			Key:           src.Label(),
			SourceDir:     filepath.ToSlash(rel),
			Pattern:       in.patterns[src.Label()],
			CreateArchive: true,
		})
		in.logger.Info("external source staged", "label", src.Label())
	}
	return sets, nil
}

// Cleanup removes the staging root. Called before a run starts, so a
// crashed run cannot leak staged data into the next one, and again when
// the run ends.
func (in *Ingester) Cleanup() error {
	if len(in.sources) == 0 {
		return nil
	}
	if err := os.RemoveAll(in.stagingRoot); err != nil {
		return fmt.Errorf("removing staging root: %w", err)
	}
	return nil
}
