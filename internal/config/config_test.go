package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("expected DATABASE_URL error, got %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/green")
	t.Setenv("AUTO_REPLY_INTERVAL", "6")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GreenPathPrefix != "waInstance" {
		t.Fatalf("unexpected path prefix %q", cfg.GreenPathPrefix)
	}
	if cfg.AutoReplyInterval != 6*time.Hour {
		t.Fatalf("unexpected auto reply interval %v", cfg.AutoReplyInterval)
	}
	if cfg.GreenRateLimits["sendMessage"] != 10 {
		t.Fatalf("expected default sendMessage rps, got %v", cfg.GreenRateLimits["sendMessage"])
	}
}

func TestLoadRateLimitOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	body := "default_rps: 2\nendpoints:\n  sendMessage: 1\n  getChatHistory: 0.25\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DATABASE_URL", "postgres://localhost/green")
	t.Setenv("GREEN_RATE_LIMITS_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GreenDefaultRPS != 2 {
		t.Fatalf("default rps = %v", cfg.GreenDefaultRPS)
	}
	if cfg.GreenRateLimits["sendMessage"] != 1 || cfg.GreenRateLimits["getChatHistory"] != 0.25 {
		t.Fatalf("overrides not applied: %v", cfg.GreenRateLimits)
	}
	if cfg.GreenRateLimits["downloadFile"] != 10 {
		t.Fatalf("untouched endpoint lost its default: %v", cfg.GreenRateLimits)
	}
}

func TestLoadRateLimitsRejectsNonPositive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	if err := os.WriteFile(path, []byte("endpoints:\n  qr: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRateLimits(path); err == nil {
		t.Fatal("expected error for zero rps")
	}
}
