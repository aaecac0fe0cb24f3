package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for backrun.
type Config struct {
	General         GeneralConfig          `toml:"general"`
	BackupSets      []BackupSetConfig      `toml:"backup_set"`
	Remotes         []RemoteConfig         `toml:"remote"`
	ExternalSources []ExternalSourceConfig `toml:"external_source"`
	Schedule        ScheduleConfig         `toml:"schedule"`
	Encryption      EncryptionConfig       `toml:"encryption"`
	History         HistoryConfig          `toml:"history"`
}

// GeneralConfig holds engine-wide settings.
type GeneralConfig struct {
	// RootDir is the working root all backup set sources are relative to.
	RootDir string `toml:"root_dir"`
	// BackupsDir is where local archives land. Defaults to
	// <root_dir>/backups. It may live inside RootDir; the archiver
	// never archives its own output.
	BackupsDir string `toml:"backups_dir"`
	LogDir     string `toml:"log_dir"`
	// KeepLocal and KeepRemote are per-location retention counts.
	// -1 keeps everything.
	KeepLocal  int `toml:"keep_local"`
	KeepRemote int `toml:"keep_remote"`
	// Timezone names the zone backup names and schedules are read in.
	// Empty means the system zone.
	Timezone string `toml:"timezone"`
	// RequireActivity pauses scheduled backups while the activity file
	// has not been touched since the previous run.
	RequireActivity bool   `toml:"require_activity"`
	ActivityFile    string `toml:"activity_file,omitempty"`
	// ZipCompression is the deflate level for new archives, -2..9.
	ZipCompression int `toml:"zip_compression"`
	// ThreadPriority is accepted for compatibility with older configs
	// and logged; the engine does not adjust scheduling priorities.
	ThreadPriority int `toml:"thread_priority,omitempty"`
}

// BackupSetConfig declares one backup location.
type BackupSetConfig struct {
	// Path is relative to root_dir. "." backs up the root itself.
	// Glob metacharacters expand to one set per matching directory.
	Path string `toml:"path"`
	// Format is the name pattern; it must contain {format} exactly once
	// and may contain %NAME.
	Format string `toml:"format"`
	// Create selects between archiving the path on each run (true) and
	// uploading the most recent pre-made file found in it (false).
	Create    bool     `toml:"create"`
	Blacklist []string `toml:"blacklist,omitempty"`
}

// RemoteConfig represents one upload destination.
// This uses a tagged union pattern - the Type field determines which other
// fields are relevant.
type RemoteConfig struct {
	ID      string `toml:"id"`
	Type    string `toml:"type"` // "clouddrive", "objectstore", "filetransfer", or "webdav"
	Enabled bool   `toml:"enabled"`
	// KeepRemote overrides general keep_remote for this destination.
	// 0 falls back to the global count, -1 keeps everything.
	KeepRemote int `toml:"keep_remote,omitempty"`

	// clouddrive-specific fields
	ClientID     string `toml:"client_id,omitempty"`
	ClientSecret string `toml:"client_secret,omitempty"`
	TokenURL     string `toml:"token_url,omitempty"`
	APIBase      string `toml:"api_base,omitempty"`
	UploadBase   string `toml:"upload_base,omitempty"`
	RootFolder   string `toml:"root_folder,omitempty"`
	SharedDrive  string `toml:"shared_drive,omitempty"`

	// objectstore-specific fields
	Bucket          string `toml:"bucket,omitempty"`
	Prefix          string `toml:"prefix,omitempty"`
	Region          string `toml:"region,omitempty"`
	Endpoint        string `toml:"endpoint,omitempty"`
	AccessKeyID     string `toml:"access_key_id,omitempty"`
	SecretAccessKey string `toml:"secret_access_key,omitempty"`

	// filetransfer fields; webdav shares username, password and base_dir
	Protocol string `toml:"protocol,omitempty"` // "ftp" or "sftp"
	Host     string `toml:"host,omitempty"`
	Port     int    `toml:"port,omitempty"`
	Username string `toml:"username,omitempty"`
	Password string `toml:"password,omitempty"`
	KeyPath  string `toml:"key_path,omitempty"`
	BaseDir  string `toml:"base_dir,omitempty"`

	// webdav-specific fields
	URL string `toml:"url,omitempty"`
}

// ExternalSourceConfig pulls a remote tree or database dump into the
// staging area before each run.
// This uses a tagged union pattern - the Type field determines which other
// fields are relevant.
type ExternalSourceConfig struct {
	// Label names the staging subdirectory and the resulting backup set.
	Label  string `toml:"label"`
	Type   string `toml:"type"` // "ftp", "sftp", or "mysql"
	Format string `toml:"format"`

	Host     string `toml:"host,omitempty"`
	Port     int    `toml:"port,omitempty"`
	Username string `toml:"username,omitempty"`
	Password string `toml:"password,omitempty"`
	KeyPath  string `toml:"key_path,omitempty"`

	// File source fields (ftp/sftp)
	BaseDir string               `toml:"base_dir,omitempty"`
	Items   []ExternalItemConfig `toml:"items,omitempty"`

	// Database source fields (mysql)
	Databases []ExternalDatabaseConfig `toml:"databases,omitempty"`
}

// ExternalItemConfig is one path pulled from a file source.
type ExternalItemConfig struct {
	Path      string   `toml:"path"`
	Blacklist []string `toml:"blacklist,omitempty"`
}

// ExternalDatabaseConfig is one database dumped from a database source.
type ExternalDatabaseConfig struct {
	Name         string   `toml:"name"`
	IgnoreTables []string `toml:"ignore_tables,omitempty"`
}

// ScheduleConfig selects between interval and weekly scheduling. Weekly
// entries win when both are present.
type ScheduleConfig struct {
	// IntervalMinutes runs a backup every N minutes when no weekly
	// entries are configured. 0 disables interval mode.
	IntervalMinutes int                   `toml:"interval_minutes"`
	Entries         []ScheduleEntryConfig `toml:"entries,omitempty"`
}

// ScheduleEntryConfig is one weekly slot: the same wall-clock time on one
// or more weekdays.
type ScheduleEntryConfig struct {
	// Days holds lowercase English weekday names.
	Days []string `toml:"days"`
	// Time is the wall-clock fire time, "15:04".
	Time string `toml:"time"`
}

// EncryptionConfig seals archives before upload when enabled.
type EncryptionConfig struct {
	Enabled bool `toml:"enabled"`
	// RecipientPath holds the age recipients the archives are sealed to.
	RecipientPath string `toml:"recipient_path"`
	// IdentityPath receives the generated identity on key init.
	IdentityPath string `toml:"identity_path"`
}

// HistoryConfig represents configuration for the run-history store.
// This uses a tagged union pattern - the Type field determines which other
// fields are relevant.
type HistoryConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// NewConfig creates a new Config with the provided root and sensible
// defaults: a daily interval schedule, archive-the-root backup set, local
// sqlite history.
func NewConfig(rootDir, baseDir string) *Config {
	return &Config{
		General: GeneralConfig{
			RootDir:        rootDir,
			BackupsDir:     filepath.Join(rootDir, "backups"),
			LogDir:         filepath.Join(baseDir, "log"),
			KeepLocal:      5,
			KeepRemote:     10,
			ZipCompression: -1,
		},
		BackupSets: []BackupSetConfig{
			{Path: ".", Format: "backup-{format}", Create: true},
		},
		Schedule: ScheduleConfig{IntervalMinutes: 24 * 60},
		Encryption: EncryptionConfig{
			RecipientPath: filepath.Join(baseDir, "keys", "backrun.pub"),
			IdentityPath:  filepath.Join(baseDir, "keys", "backrun.key"),
		},
		History: HistoryConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "data")},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
