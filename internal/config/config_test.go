package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()
	if cfg.Port != "18900" {
		t.Errorf("port = %q", cfg.Port)
	}
	if cfg.ChunkEvery != 3*time.Second {
		t.Errorf("chunkEvery = %v, want 3s", cfg.ChunkEvery)
	}
	if cfg.HealthEvery != 20*time.Second {
		t.Errorf("healthEvery = %v, want 20s", cfg.HealthEvery)
	}
	if cfg.SettleDelay != 500*time.Millisecond {
		t.Errorf("settleDelay = %v, want 500ms", cfg.SettleDelay)
	}
}

func TestApplyFile(t *testing.T) {
	cfg := defaults()
	applyFile(cfg, &fileConfig{
		Port:           "9999",
		BotName:        "Scribe",
		ChunkEveryMs:   1500,
		HealthEverySec: 5,
		Headless:       true,
	})
	if cfg.Port != "9999" {
		t.Errorf("port = %q", cfg.Port)
	}
	if cfg.BotName != "Scribe" {
		t.Errorf("botName = %q", cfg.BotName)
	}
	if cfg.ChunkEvery != 1500*time.Millisecond {
		t.Errorf("chunkEvery = %v", cfg.ChunkEvery)
	}
	if cfg.HealthEvery != 5*time.Second {
		t.Errorf("healthEvery = %v", cfg.HealthEvery)
	}
	if !cfg.Headless {
		t.Error("headless not applied")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MEETCAP_PORT", "7777")
	t.Setenv("MEETCAP_BOT_NAME", "Minutes Bot")
	t.Setenv("MEETCAP_HEADLESS", "true")

	cfg := defaults()
	applyEnvOverrides(cfg)
	if cfg.Port != "7777" {
		t.Errorf("port = %q", cfg.Port)
	}
	if cfg.BotName != "Minutes Bot" {
		t.Errorf("botName = %q", cfg.BotName)
	}
	if !cfg.Headless {
		t.Error("headless not applied from env")
	}
}

func TestLoadFromTOMLFile(t *testing.T) {
	dir := t.TempDir()
	confDir := filepath.Join(dir, "meetcap")
	if err := os.MkdirAll(confDir, 0o755); err != nil {
		t.Fatal(err)
	}
	toml := "port = \"8123\"\nbot_name = \"Recorder\"\nrecordings_dir = \"" + filepath.Join(dir, "rec") + "\"\n"
	if err := os.WriteFile(filepath.Join(confDir, "config.toml"), []byte(toml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8123" {
		t.Errorf("port = %q", cfg.Port)
	}
	if cfg.BotName != "Recorder" {
		t.Errorf("botName = %q", cfg.BotName)
	}
	if _, err := os.Stat(cfg.RecordingsDir); err != nil {
		t.Errorf("recordings dir not created: %v", err)
	}
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := expandTilde("~/x"); got != filepath.Join(home, "x") {
		t.Errorf("expandTilde = %q", got)
	}
	if got := expandTilde("/abs/x"); got != "/abs/x" {
		t.Errorf("absolute path rewritten: %q", got)
	}
}
