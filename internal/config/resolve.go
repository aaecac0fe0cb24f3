package config

import (
	"fmt"
	"path"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"backrun/internal/core"
	"backrun/internal/namer"
)

// Snapshot is the validated, immutable view of a Config that a run works
// from. Invalid entries are dropped during Resolve, not at run time.
type Snapshot struct {
	Sets            []core.BackupSet
	Remotes         []RemoteConfig
	ExternalSources []ExternalSourceConfig
	Schedule        ScheduleConfig
	Location        *time.Location

	RootDir    string
	BackupsDir string
	KeepLocal  int
	KeepRemote int
}

// Resolve validates the config and converts it into a Snapshot. A broken
// entry (backup set, remote, external source) is skipped with a warning so
// one typo does not take the whole engine down; only config-wide problems
// (a root dir that is missing, an unknown timezone) are errors.
func (c *Config) Resolve(logger core.Logger) (*Snapshot, error) {
	if c.General.RootDir == "" {
		return nil, fmt.Errorf("general.root_dir is required")
	}

	loc := time.Local
	if c.General.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(c.General.Timezone)
		if err != nil {
			return nil, fmt.Errorf("loading timezone %q: %w", c.General.Timezone, err)
		}
	}

	backupsDir := c.General.BackupsDir
	if backupsDir == "" {
		backupsDir = filepath.Join(c.General.RootDir, "backups")
	}

	s := &Snapshot{
		Schedule:   c.Schedule,
		Location:   loc,
		RootDir:    c.General.RootDir,
		BackupsDir: backupsDir,
		KeepLocal:  c.General.KeepLocal,
		KeepRemote: c.General.KeepRemote,
	}

	if c.General.ThreadPriority != 0 {
		logger.Info("thread_priority is accepted but has no effect", "value", c.General.ThreadPriority)
	}

	for i, set := range c.BackupSets {
		resolved, err := resolveSet(set, loc)
		if err != nil {
			logger.Warn("skipping invalid backup set", "index", i, "path", set.Path, "error", err)
			continue
		}
		resolved.Blacklist = validGlobs(resolved.Blacklist, resolved.Key, logger)
		s.Sets = append(s.Sets, resolved)
	}

	for i, r := range c.Remotes {
		if !r.Enabled {
			logger.Debug("remote disabled", "id", r.ID)
			continue
		}
		if err := validateRemote(r); err != nil {
			logger.Warn("skipping invalid remote", "index", i, "id", r.ID, "error", err)
			continue
		}
		s.Remotes = append(s.Remotes, r)
	}

	for i, e := range c.ExternalSources {
		if err := validateExternalSource(e, loc); err != nil {
			logger.Warn("skipping invalid external source", "index", i, "label", e.Label, "error", err)
			continue
		}
		if len(e.Items) > 0 {
			items := make([]ExternalItemConfig, len(e.Items))
			copy(items, e.Items)
			for j := range items {
				items[j].Blacklist = validGlobs(items[j].Blacklist, e.Label, logger)
			}
			e.Items = items
		}
		s.ExternalSources = append(s.ExternalSources, e)
	}

	return s, nil
}

func resolveSet(set BackupSetConfig, loc *time.Location) (core.BackupSet, error) {
	if set.Path == "" {
		return core.BackupSet{}, fmt.Errorf("path is required")
	}
	if filepath.IsAbs(set.Path) {
		return core.BackupSet{}, fmt.Errorf("path must be relative to root_dir")
	}

	format := set.Format
	if format == "" {
		format = "backup-{format}"
	}
	pat, err := namer.Parse(format, loc)
	if err != nil {
		return core.BackupSet{}, fmt.Errorf("invalid format: %w", err)
	}

	clean := path.Clean(filepath.ToSlash(set.Path))
	if clean == ".." || len(clean) > 2 && clean[:3] == "../" {
		return core.BackupSet{}, fmt.Errorf("path escapes root_dir")
	}

	key := clean
	if clean == "." {
		key = core.RootKey
	}

	return core.BackupSet{
		Key:           key,
		SourceDir:     clean,
		Pattern:       pat,
		CreateArchive: set.Create,
		Blacklist:     set.Blacklist,
	}, nil
}

// validGlobs drops blacklist patterns doublestar cannot compile, so a typo
// surfaces here instead of failing the whole build at run time.
func validGlobs(globs []string, scope string, logger core.Logger) []string {
	out := make([]string, 0, len(globs))
	for _, g := range globs {
		if !doublestar.ValidatePattern(g) {
			logger.Warn("skipping invalid blacklist glob", "scope", scope, "glob", g)
			continue
		}
		out = append(out, g)
	}
	return out
}

func validateRemote(r RemoteConfig) error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	switch r.Type {
	case "clouddrive":
		if r.ClientID == "" || r.ClientSecret == "" {
			return fmt.Errorf("clouddrive remotes need client_id and client_secret")
		}
	case "objectstore":
		if r.Bucket == "" {
			return fmt.Errorf("objectstore remotes need a bucket")
		}
		if r.AccessKeyID == "" || r.SecretAccessKey == "" {
			return fmt.Errorf("objectstore remotes need access_key_id and secret_access_key")
		}
	case "filetransfer":
		if r.Host == "" {
			return fmt.Errorf("filetransfer remotes need a host")
		}
		switch r.Protocol {
		case "ftp", "sftp":
		default:
			return fmt.Errorf("unknown filetransfer protocol: %q", r.Protocol)
		}
		if r.Protocol == "sftp" && r.Password == "" && r.KeyPath == "" {
			return fmt.Errorf("sftp remotes need a password or key_path")
		}
	case "webdav":
		if r.URL == "" {
			return fmt.Errorf("webdav remotes need a url")
		}
	default:
		return fmt.Errorf("unknown remote type: %q", r.Type)
	}
	return nil
}

func validateExternalSource(e ExternalSourceConfig, loc *time.Location) error {
	if e.Label == "" {
		return fmt.Errorf("label is required")
	}
	if e.Format != "" {
		if _, err := namer.Parse(e.Format, loc); err != nil {
			return fmt.Errorf("invalid format: %w", err)
		}
	}
	switch e.Type {
	case "ftp", "sftp":
		if e.Host == "" {
			return fmt.Errorf("file sources need a host")
		}
		if len(e.Items) == 0 {
			return fmt.Errorf("file sources need at least one item")
		}
		if e.Type == "sftp" && e.Password == "" && e.KeyPath == "" {
			return fmt.Errorf("sftp sources need a password or key_path")
		}
	case "mysql":
		if e.Host == "" {
			return fmt.Errorf("database sources need a host")
		}
		if len(e.Databases) == 0 {
			return fmt.Errorf("database sources need at least one database")
		}
	default:
		return fmt.Errorf("unknown external source type: %q", e.Type)
	}
	return nil
}
