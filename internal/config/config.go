// Package config loads the service configuration: TOML file first, then
// MEETCAP_* environment overrides.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Port          string
	AuthToken     string
	RecordingsDir string
	ProfileDir    string
	Headless      bool
	CDPURL        string
	BotName       string

	ChunkEvery      time.Duration // recorder timeslice
	HealthEvery     time.Duration // worker health snapshot cadence
	SettleDelay     time.Duration // wait for worker listener after create
	TokenTimeout    time.Duration // token acquisition bound
	EndCheckEvery   time.Duration // meeting-end poll cadence
	TabCleanupEvery time.Duration
}

type fileConfig struct {
	Port          string `toml:"port"`
	AuthToken     string `toml:"auth_token"`
	RecordingsDir string `toml:"recordings_dir"`
	ProfileDir    string `toml:"profile_dir"`
	Headless      bool   `toml:"headless"`
	CDPURL        string `toml:"cdp_url"`
	BotName       string `toml:"bot_name"`

	ChunkEveryMs    int `toml:"chunk_every_ms"`
	HealthEverySec  int `toml:"health_every_sec"`
	SettleDelayMs   int `toml:"settle_delay_ms"`
	TokenTimeoutSec int `toml:"token_timeout_sec"`
	EndCheckSec     int `toml:"end_check_sec"`
}

func Load() (*Config, error) {
	cfg := defaults()

	if path := configFilePath(); path != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(path, &fc); err == nil {
			applyFile(cfg, &fc)
		}
	}

	applyEnvOverrides(cfg)

	if err := os.MkdirAll(cfg.RecordingsDir, 0o755); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:            "18900",
		RecordingsDir:   defaultDir("recordings"),
		ProfileDir:      defaultDir("chrome-profile"),
		BotName:         "Notetaker",
		ChunkEvery:      3 * time.Second,
		HealthEvery:     20 * time.Second,
		SettleDelay:     500 * time.Millisecond,
		TokenTimeout:    10 * time.Second,
		EndCheckEvery:   3 * time.Second,
		TabCleanupEvery: time.Minute,
	}
}

func applyFile(cfg *Config, fc *fileConfig) {
	if fc.Port != "" {
		cfg.Port = fc.Port
	}
	cfg.AuthToken = fc.AuthToken
	if fc.RecordingsDir != "" {
		cfg.RecordingsDir = expandTilde(fc.RecordingsDir)
	}
	if fc.ProfileDir != "" {
		cfg.ProfileDir = expandTilde(fc.ProfileDir)
	}
	cfg.Headless = fc.Headless
	cfg.CDPURL = fc.CDPURL
	if fc.BotName != "" {
		cfg.BotName = fc.BotName
	}
	if fc.ChunkEveryMs > 0 {
		cfg.ChunkEvery = time.Duration(fc.ChunkEveryMs) * time.Millisecond
	}
	if fc.HealthEverySec > 0 {
		cfg.HealthEvery = time.Duration(fc.HealthEverySec) * time.Second
	}
	if fc.SettleDelayMs > 0 {
		cfg.SettleDelay = time.Duration(fc.SettleDelayMs) * time.Millisecond
	}
	if fc.TokenTimeoutSec > 0 {
		cfg.TokenTimeout = time.Duration(fc.TokenTimeoutSec) * time.Second
	}
	if fc.EndCheckSec > 0 {
		cfg.EndCheckEvery = time.Duration(fc.EndCheckSec) * time.Second
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MEETCAP_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("MEETCAP_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("MEETCAP_RECORDINGS_DIR"); v != "" {
		cfg.RecordingsDir = expandTilde(v)
	}
	if v := os.Getenv("MEETCAP_PROFILE"); v != "" {
		cfg.ProfileDir = expandTilde(v)
	}
	if v := os.Getenv("MEETCAP_HEADLESS"); v != "" {
		cfg.Headless = v == "true"
	}
	if v := os.Getenv("MEETCAP_CDP_URL"); v != "" {
		cfg.CDPURL = v
	}
	if v := os.Getenv("MEETCAP_BOT_NAME"); v != "" {
		cfg.BotName = v
	}
}

func configFilePath() string {
	var configDir string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		configDir = filepath.Join(xdg, "meetcap")
	} else if home, err := os.UserHomeDir(); err == nil {
		configDir = filepath.Join(home, ".config", "meetcap")
	} else {
		return ""
	}

	path := filepath.Join(configDir, "config.toml")
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
}

func defaultDir(name string) string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".meetcap", name)
	}
	return filepath.Join(".", name)
}

func expandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
