package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Config is the validated configuration handed to the capture core. The
// pipeline reads it once at startup and never mutates it.
type Config struct {
	Recording RecordingConfig `json:"recording"`
	Session   SessionConfig   `json:"session"`
	Storage   StorageConfig   `json:"storage"`
	Device    DeviceConfig    `json:"device"`
	LogLevel  string          `json:"log_level"`
}

type RecordingConfig struct {
	ChunkDuration    Duration `json:"chunk_duration"`
	SampleRate       int      `json:"sample_rate"`
	Channels         int      `json:"channels"`
	SilenceThreshold float64  `json:"silence_threshold"` // RMS floor below which a chunk counts as silent
}

type SessionConfig struct {
	SilenceGap         Duration `json:"silence_gap"`          // consecutive silence that closes a session
	MinSessionDuration Duration `json:"min_session_duration"` // shorter sessions are discarded as noise
}

type StorageConfig struct {
	DataDir       string `json:"data_dir"`
	RetentionDays int    `json:"retention_days"`
	AutoCleanup   bool   `json:"auto_cleanup"`
}

type DeviceConfig struct {
	AutoDetect      bool     `json:"auto_detect"`
	PreferredDevice string   `json:"preferred_device"`
	Blacklist       []string `json:"blacklist"` // name substrings never opened for probing
	ProbeDuration   Duration `json:"probe_duration"`
	ProbeFloor      float64  `json:"probe_floor"` // minimum probe RMS that counts as signal
}

// Duration marshals as a Go duration string ("30s") in the config file.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Recording: RecordingConfig{
			ChunkDuration:    Duration(30 * time.Second),
			SampleRate:       16000,
			Channels:         1,
			SilenceThreshold: 0.001,
		},
		Session: SessionConfig{
			SilenceGap:         Duration(60 * time.Second),
			MinSessionDuration: Duration(30 * time.Second),
		},
		Storage: StorageConfig{
			DataDir:       defaultDataDir(),
			RetentionDays: 30,
			AutoCleanup:   true,
		},
		Device: DeviceConfig{
			AutoDetect:    true,
			Blacklist:     []string{"microphone", "mic", "webcam"},
			ProbeDuration: Duration(500 * time.Millisecond),
			ProbeFloor:    0.0005,
		},
		LogLevel: "info",
	}
}

// Load reads the config from disk, layered over defaults.
func Load() (*Config, error) {
	cfg := Default()

	if data, err := os.ReadFile(configPath()); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	path := configPath()

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Recording.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.Recording.SampleRate)
	}
	if c.Recording.Channels < 1 || c.Recording.Channels > 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", c.Recording.Channels)
	}
	if c.Recording.ChunkDuration.Std() < time.Second {
		return fmt.Errorf("chunk_duration must be at least 1s, got %s", c.Recording.ChunkDuration.Std())
	}
	if c.Recording.SilenceThreshold < 0 {
		return fmt.Errorf("silence_threshold must not be negative")
	}
	if c.Session.SilenceGap.Std() < c.Recording.ChunkDuration.Std() {
		return fmt.Errorf("silence_gap %s is shorter than one chunk (%s)",
			c.Session.SilenceGap.Std(), c.Recording.ChunkDuration.Std())
	}
	if c.Session.MinSessionDuration.Std() < 0 {
		return fmt.Errorf("min_session_duration must not be negative")
	}
	if c.Storage.RetentionDays < 1 {
		return fmt.Errorf("retention_days must be at least 1, got %d", c.Storage.RetentionDays)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	return nil
}

// configPath returns the platform-specific config file path
func configPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "voicelink", "config.json")
}

// defaultDataDir returns the platform-specific chunk/session data directory.
func defaultDataDir() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("LOCALAPPDATA")
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.local/share"
		}
	}

	return filepath.Join(base, "voicelink", "data")
}
