package config

import (
	"strings"
	"testing"

	"backrun/internal/core"
)

const sampleConfig = `
[general]
root_dir = "/srv/server"
keep_local = 3
keep_remote = 7
timezone = "UTC"

[[backup_set]]
path = "world"
format = "world-{format}"
create = true
blacklist = ["cache/**"]

[[backup_set]]
path = "plugins/backups"
format = "plugins-{format}"
create = false

[[remote]]
id = "drive"
type = "clouddrive"
enabled = true
client_id = "cid"
client_secret = "secret"

[[remote]]
id = "bucket"
type = "objectstore"
enabled = true
bucket = "my-backups"
access_key_id = "ak"
secret_access_key = "sk"

[schedule]
interval_minutes = 120

[[schedule.entries]]
days = ["sunday", "wednesday"]
time = "02:30"
`

func TestManager_Read(t *testing.T) {
	m := &Manager{}
	cfg, err := m.Read(strings.NewReader(sampleConfig))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if cfg.General.RootDir != "/srv/server" {
		t.Errorf("RootDir = %q", cfg.General.RootDir)
	}
	if len(cfg.BackupSets) != 2 {
		t.Fatalf("got %d backup sets, want 2", len(cfg.BackupSets))
	}
	if !cfg.BackupSets[0].Create || cfg.BackupSets[1].Create {
		t.Errorf("create flags = %v/%v, want true/false",
			cfg.BackupSets[0].Create, cfg.BackupSets[1].Create)
	}
	if len(cfg.Remotes) != 2 {
		t.Fatalf("got %d remotes, want 2", len(cfg.Remotes))
	}
	if cfg.Schedule.IntervalMinutes != 120 {
		t.Errorf("IntervalMinutes = %d", cfg.Schedule.IntervalMinutes)
	}
	if len(cfg.Schedule.Entries) != 1 || cfg.Schedule.Entries[0].Time != "02:30" {
		t.Errorf("schedule entries = %+v", cfg.Schedule.Entries)
	}
}

func TestManager_ReadWriteRoundTrip(t *testing.T) {
	m := &Manager{}
	cfg, err := m.Read(strings.NewReader(sampleConfig))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	var buf strings.Builder
	if err := m.Write(&buf, cfg); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	again, err := m.Read(strings.NewReader(buf.String()))
	if err != nil {
		t.Fatalf("re-Read() error = %v", err)
	}
	if len(again.BackupSets) != len(cfg.BackupSets) || len(again.Remotes) != len(cfg.Remotes) {
		t.Errorf("round trip lost entries")
	}
}

func TestConfig_Resolve(t *testing.T) {
	m := &Manager{}
	cfg, err := m.Read(strings.NewReader(sampleConfig))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	s, err := cfg.Resolve(core.NewNopLogger())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if len(s.Sets) != 2 {
		t.Fatalf("got %d sets, want 2", len(s.Sets))
	}
	if s.Sets[0].Key != "world" || s.Sets[1].Key != "plugins/backups" {
		t.Errorf("set keys = %q, %q", s.Sets[0].Key, s.Sets[1].Key)
	}
	if s.KeepLocal != 3 || s.KeepRemote != 7 {
		t.Errorf("keep = %d/%d, want 3/7", s.KeepLocal, s.KeepRemote)
	}
	if s.BackupsDir != "/srv/server/backups" {
		t.Errorf("BackupsDir = %q", s.BackupsDir)
	}
}

func TestConfig_Resolve_RootSentinel(t *testing.T) {
	cfg := &Config{
		General:    GeneralConfig{RootDir: "/srv/server"},
		BackupSets: []BackupSetConfig{{Path: ".", Format: "backup-{format}", Create: true}},
	}

	s, err := cfg.Resolve(core.NewNopLogger())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(s.Sets) != 1 || s.Sets[0].Key != core.RootKey {
		t.Errorf("sets = %+v, want one set keyed %q", s.Sets, core.RootKey)
	}
}

func TestConfig_Resolve_SkipsInvalidEntries(t *testing.T) {
	cfg := &Config{
		General: GeneralConfig{RootDir: "/srv/server"},
		BackupSets: []BackupSetConfig{
			{Path: "good", Format: "g-{format}", Create: true},
			{Path: "bad", Format: "no-token"},         // invalid pattern
			{Path: "../escape", Format: "e-{format}"}, // escapes root
			{Path: "/absolute", Format: "a-{format}"}, // absolute
		},
		Remotes: []RemoteConfig{
			{ID: "ok", Type: "webdav", Enabled: true, URL: "https://dav.example.com"},
			{ID: "broken", Type: "clouddrive", Enabled: true}, // missing client creds
			{ID: "off", Type: "webdav", Enabled: false, URL: "https://dav.example.com"},
			{ID: "odd", Type: "carrier-pigeon", Enabled: true},
		},
		ExternalSources: []ExternalSourceConfig{
			{Label: "db", Type: "mysql", Host: "db.example.com",
				Databases: []ExternalDatabaseConfig{{Name: "app"}}},
			{Label: "nohost", Type: "mysql"},
		},
	}

	s, err := cfg.Resolve(core.NewNopLogger())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(s.Sets) != 1 || s.Sets[0].Key != "good" {
		t.Errorf("sets = %+v, want only the good one", s.Sets)
	}
	if len(s.Remotes) != 1 || s.Remotes[0].ID != "ok" {
		t.Errorf("remotes = %+v, want only ok", s.Remotes)
	}
	if len(s.ExternalSources) != 1 || s.ExternalSources[0].Label != "db" {
		t.Errorf("external sources = %+v, want only db", s.ExternalSources)
	}
}

func TestConfig_Resolve_DropsInvalidGlobs(t *testing.T) {
	// A malformed blacklist glob is a configuration problem and must not
	// survive into the snapshot, where it would fail the build at run time.
	cfg := &Config{
		General: GeneralConfig{RootDir: "/srv/server"},
		BackupSets: []BackupSetConfig{{
			Path:      "world",
			Format:    "backup-{format}",
			Create:    true,
			Blacklist: []string{"cache/**", "[oops", "*.log"},
		}},
		ExternalSources: []ExternalSourceConfig{{
			Label: "files", Type: "sftp", Host: "files.example.com", Password: "pw",
			Items: []ExternalItemConfig{{Path: "data", Blacklist: []string{"[bad", "tmp/**"}}},
		}},
	}

	s, err := cfg.Resolve(core.NewNopLogger())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if len(s.Sets) != 1 {
		t.Fatalf("got %d sets, want 1", len(s.Sets))
	}
	want := []string{"cache/**", "*.log"}
	if got := s.Sets[0].Blacklist; len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("set blacklist = %v, want %v", got, want)
	}

	if len(s.ExternalSources) != 1 {
		t.Fatalf("got %d external sources, want 1", len(s.ExternalSources))
	}
	itemGlobs := s.ExternalSources[0].Items[0].Blacklist
	if len(itemGlobs) != 1 || itemGlobs[0] != "tmp/**" {
		t.Errorf("item blacklist = %v, want [tmp/**]", itemGlobs)
	}
	// The original config is left alone.
	if got := cfg.ExternalSources[0].Items[0].Blacklist; len(got) != 2 {
		t.Errorf("source config mutated: %v", got)
	}
}

func TestConfig_Resolve_Errors(t *testing.T) {
	t.Run("missing root dir", func(t *testing.T) {
		cfg := &Config{}
		if _, err := cfg.Resolve(core.NewNopLogger()); err == nil {
			t.Errorf("Resolve() without root_dir: expected error")
		}
	})

	t.Run("bad timezone", func(t *testing.T) {
		cfg := &Config{General: GeneralConfig{RootDir: "/x", Timezone: "Mars/Olympus"}}
		if _, err := cfg.Resolve(core.NewNopLogger()); err == nil {
			t.Errorf("Resolve() with bad timezone: expected error")
		}
	})
}

func TestNewConfig_Defaults(t *testing.T) {
	cfg := NewConfig("/srv/server", "/home/u/.local/share/backrun")

	if cfg.General.BackupsDir != "/srv/server/backups" {
		t.Errorf("BackupsDir = %q", cfg.General.BackupsDir)
	}
	if len(cfg.BackupSets) != 1 || cfg.BackupSets[0].Path != "." {
		t.Errorf("default backup sets = %+v", cfg.BackupSets)
	}
	if cfg.Schedule.IntervalMinutes != 1440 {
		t.Errorf("IntervalMinutes = %d, want 1440", cfg.Schedule.IntervalMinutes)
	}

	if _, err := cfg.Resolve(core.NewNopLogger()); err != nil {
		t.Errorf("default config does not resolve: %v", err)
	}
}
