package config

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	t.Run("RequiresToken", func(t *testing.T) {
		t.Setenv("DISCORD_TOKEN", "")
		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected an error without DISCORD_TOKEN")
		}
	})

	t.Run("Defaults", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "data")
		t.Setenv("DISCORD_TOKEN", "tok")
		t.Setenv("DATA_DIR", dir)

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig: %v", err)
		}
		if cfg.DefaultLanguage != "en" {
			t.Fatalf("DefaultLanguage = %q, want en", cfg.DefaultLanguage)
		}
		if cfg.PlayTimeout != 30*time.Second {
			t.Fatalf("PlayTimeout = %v, want 30s", cfg.PlayTimeout)
		}
		if cfg.HardRecover {
			t.Fatal("HardRecover should default to false")
		}
	})

	t.Run("CreatesDataDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "data")
		t.Setenv("DISCORD_TOKEN", "tok")
		t.Setenv("DATA_DIR", dir)

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig: %v", err)
		}
		if cfg.DataDir != dir {
			t.Fatalf("DataDir = %q, want %q", cfg.DataDir, dir)
		}
	})
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"bananas": slog.LevelInfo,
	}
	for in, want := range cases {
		c := &Config{LogLevel: in}
		if got := c.SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
