package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Settings represents the application configuration persisted to disk.
type Settings struct {
	Server      ServerSettings      `json:"server"`
	Media       MediaSettings       `json:"media"`
	Transcoding TranscodingSettings `json:"transcoding"`
	Defaults    DefaultsSettings    `json:"defaults"`
	Auth        AuthSettings        `json:"auth"`
	Database    DatabaseSettings    `json:"database"`
	Log         LogConfig           `json:"log"`
}

type ServerSettings struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// MediaSettings locates the library on disk.
type MediaSettings struct {
	Root string `json:"root"`
}

// ProfileConfig describes one transcode rendition offered to clients.
type ProfileConfig struct {
	Name         string `json:"name"`
	Original     bool   `json:"original"` // stream copy instead of re-encode
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	VideoBitrate string `json:"videoBitrate,omitempty"` // e.g. "8M"
	AudioBitrate string `json:"audioBitrate,omitempty"` // e.g. "192k"
	Codec        string `json:"codec,omitempty"`
}

// TranscodingSettings controls the ffmpeg session pool.
type TranscodingSettings struct {
	FFmpegPath              string          `json:"ffmpegPath"`
	FFprobePath             string          `json:"ffprobePath"`
	Hardware                string          `json:"hardware"` // none | vaapi | qsv
	VAAPIDevice             string          `json:"vaapiDevice"`
	TempDir                 string          `json:"tempDir"` // HLS segment storage
	SegmentDuration         int             `json:"segmentDuration"`
	MaxSessions             int             `json:"maxSessions"`
	StartupGraceSeconds     int             `json:"startupGraceSeconds"`
	ReplaceGraceSeconds     int             `json:"replaceGraceSeconds"`
	IdleTimeoutSeconds      int             `json:"idleTimeoutSeconds"`
	StoppedRetentionSeconds int             `json:"stoppedRetentionSeconds"`
	ReapIntervalSeconds     int             `json:"reapIntervalSeconds"`
	Profiles                []ProfileConfig `json:"profiles,omitempty"`
}

// DefaultsSettings carries client-facing playback preferences.
type DefaultsSettings struct {
	PreferredAudioLanguage string `json:"preferredAudioLanguage"`
}

// UserConfig is a single login account. PasswordHash is a bcrypt hash;
// the legacy plaintext Password field is migrated on load.
type UserConfig struct {
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash,omitempty"`
	Password     string `json:"password,omitempty"`
}

type AuthSettings struct {
	Users []UserConfig `json:"users"`
}

type DatabaseSettings struct {
	Path string `json:"path"`
}

// LogConfig represents logging configuration.
type LogConfig struct {
	File       string `json:"file"`
	Level      string `json:"level"`
	MaxSize    int    `json:"maxSize"`
	MaxAge     int    `json:"maxAge"`
	MaxBackups int    `json:"maxBackups"`
	Compress   bool   `json:"compress"`
}

// DefaultProfiles returns the built-in rendition ladder.
func DefaultProfiles() []ProfileConfig {
	return []ProfileConfig{
		{Name: "original", Original: true},
		{Name: "1080p", Width: 1920, Height: 1080, VideoBitrate: "8M", AudioBitrate: "192k", Codec: "h264"},
		{Name: "720p", Width: 1280, Height: 720, VideoBitrate: "4M", AudioBitrate: "160k", Codec: "h264"},
		{Name: "480p", Width: 854, Height: 480, VideoBitrate: "1500k", AudioBitrate: "128k", Codec: "h264"},
	}
}

// DefaultSettings returns sane defaults for a fresh install.
func DefaultSettings() Settings {
	return Settings{
		Server: ServerSettings{Host: "0.0.0.0", Port: 8799},
		Media:  MediaSettings{Root: "media"},
		Transcoding: TranscodingSettings{
			FFmpegPath:              "ffmpeg",
			FFprobePath:             "ffprobe",
			Hardware:                "none",
			VAAPIDevice:             "/dev/dri/renderD128",
			TempDir:                 "/tmp/reelcoral-hls",
			SegmentDuration:         4,
			MaxSessions:             4,
			StartupGraceSeconds:     15,
			ReplaceGraceSeconds:     15,
			IdleTimeoutSeconds:      300,
			StoppedRetentionSeconds: 60,
			ReapIntervalSeconds:     30,
			Profiles:                DefaultProfiles(),
		},
		Defaults: DefaultsSettings{PreferredAudioLanguage: "en"},
		Auth:     AuthSettings{Users: []UserConfig{}},
		Database: DatabaseSettings{Path: "cache/reelcoral.db"},
		Log: LogConfig{
			File:       "cache/logs/backend.log",
			Level:      "info",
			MaxSize:    50,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
	}
}

// Manager loads and persists settings to a JSON file.
type Manager struct {
	path string
}

func NewManager(configPath string) *Manager {
	return &Manager{path: configPath}
}

// EnsureDir ensures parent directory exists.
func (m *Manager) EnsureDir() error {
	dir := filepath.Dir(m.path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Load reads settings.json from disk or creates defaults if missing.
func (m *Manager) Load() (Settings, error) {
	if m.path == "" {
		return Settings{}, errors.New("config path not set")
	}
	if _, err := os.Stat(m.path); errors.Is(err, fs.ErrNotExist) {
		// create with defaults
		defaults := DefaultSettings()
		if err := m.Save(defaults); err != nil {
			return Settings{}, err
		}
		return defaults, nil
	}
	f, err := os.Open(m.path)
	if err != nil {
		return Settings{}, err
	}
	defer f.Close()

	var s Settings
	if err := json.NewDecoder(f).Decode(&s); err != nil {
		return Settings{}, err
	}

	// Backfill defaults for newly introduced settings when config predates them
	if strings.TrimSpace(s.Server.Host) == "" {
		s.Server.Host = "0.0.0.0"
	}
	if s.Server.Port == 0 {
		s.Server.Port = 8799
	}

	if strings.TrimSpace(s.Transcoding.FFmpegPath) == "" {
		s.Transcoding.FFmpegPath = "ffmpeg"
	}
	if strings.TrimSpace(s.Transcoding.FFprobePath) == "" {
		s.Transcoding.FFprobePath = "ffprobe"
	}
	if strings.TrimSpace(s.Transcoding.Hardware) == "" {
		s.Transcoding.Hardware = "none"
	}
	if strings.TrimSpace(s.Transcoding.VAAPIDevice) == "" {
		s.Transcoding.VAAPIDevice = "/dev/dri/renderD128"
	}
	if strings.TrimSpace(s.Transcoding.TempDir) == "" {
		s.Transcoding.TempDir = "/tmp/reelcoral-hls"
	}
	if s.Transcoding.SegmentDuration == 0 {
		s.Transcoding.SegmentDuration = 4
	}
	if s.Transcoding.MaxSessions == 0 {
		s.Transcoding.MaxSessions = 4
	}
	if s.Transcoding.StartupGraceSeconds == 0 {
		s.Transcoding.StartupGraceSeconds = 15
	}
	if s.Transcoding.ReplaceGraceSeconds == 0 {
		s.Transcoding.ReplaceGraceSeconds = 15
	}
	if s.Transcoding.IdleTimeoutSeconds == 0 {
		s.Transcoding.IdleTimeoutSeconds = 300
	}
	if s.Transcoding.StoppedRetentionSeconds == 0 {
		s.Transcoding.StoppedRetentionSeconds = 60
	}
	if s.Transcoding.ReapIntervalSeconds == 0 {
		s.Transcoding.ReapIntervalSeconds = 30
	}
	if len(s.Transcoding.Profiles) == 0 {
		s.Transcoding.Profiles = DefaultProfiles()
	}

	if strings.TrimSpace(s.Defaults.PreferredAudioLanguage) == "" {
		s.Defaults.PreferredAudioLanguage = "en"
	}

	if strings.TrimSpace(s.Database.Path) == "" {
		s.Database.Path = "cache/reelcoral.db"
	}

	if strings.TrimSpace(s.Log.File) == "" {
		s.Log.File = "cache/logs/backend.log"
	}
	if s.Log.MaxSize == 0 {
		s.Log.MaxSize = 50
	}
	if s.Log.MaxBackups == 0 {
		s.Log.MaxBackups = 3
	}
	if s.Log.MaxAge == 0 {
		s.Log.MaxAge = 7
	}

	return s, nil
}

// Save writes the provided settings to disk atomically.
func (m *Manager) Save(s Settings) error {
	if m.path == "" {
		return errors.New("config path not set")
	}
	if err := m.EnsureDir(); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, m.path)
}
