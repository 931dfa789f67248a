package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"reelcoral/config"
)

func TestLoadCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "settings.json")
	m := config.NewManager(path)

	s, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if s.Server.Port != 8799 {
		t.Fatalf("default port = %d, want 8799", s.Server.Port)
	}
	if s.Transcoding.SegmentDuration != 4 || s.Transcoding.MaxSessions != 4 {
		t.Fatalf("unexpected transcoding defaults: %+v", s.Transcoding)
	}
	if len(s.Transcoding.Profiles) != 4 || s.Transcoding.Profiles[0].Name != "original" {
		t.Fatalf("unexpected default profiles: %+v", s.Transcoding.Profiles)
	}

	// the defaults file must now exist on disk
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("settings file not created: %v", err)
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	m := config.NewManager(path)

	s, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	s.Media.Root = "/srv/media"
	s.Transcoding.Hardware = "vaapi"
	s.Auth.Users = []config.UserConfig{{Username: "alice", PasswordHash: "$2a$10$x"}}
	if err := m.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := m.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Media.Root != "/srv/media" || got.Transcoding.Hardware != "vaapi" {
		t.Fatalf("settings did not round-trip: %+v", got)
	}
	if len(got.Auth.Users) != 1 || got.Auth.Users[0].Username != "alice" {
		t.Fatalf("users did not round-trip: %+v", got.Auth.Users)
	}
}

func TestLoadBackfillsOlderConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	// a minimal config written by an older version
	old := `{"server": {"port": 9000}, "media": {"root": "/data"}}`
	if err := os.WriteFile(path, []byte(old), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	s, err := config.NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if s.Server.Port != 9000 {
		t.Fatalf("explicit port must be kept, got %d", s.Server.Port)
	}
	if s.Media.Root != "/data" {
		t.Fatalf("explicit root must be kept, got %q", s.Media.Root)
	}
	if s.Transcoding.FFmpegPath != "ffmpeg" || s.Transcoding.IdleTimeoutSeconds != 300 {
		t.Fatalf("missing fields must be backfilled: %+v", s.Transcoding)
	}
	if len(s.Transcoding.Profiles) == 0 {
		t.Fatalf("profiles must be backfilled")
	}
	if s.Log.MaxSize != 50 {
		t.Fatalf("log rotation defaults must be backfilled: %+v", s.Log)
	}
}
