package config

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SYNC_INTERVAL", "")
	t.Setenv("LOCAL_BACKEND", "")
	t.Setenv("OFFLINE_GRACE", "")
	cfg := Load()
	if cfg.SyncInterval != time.Minute || cfg.SyncMaxAttempts != 5 {
		t.Fatalf("sync defaults = %s/%d", cfg.SyncInterval, cfg.SyncMaxAttempts)
	}
	if cfg.LocalBackend != "redis" || !cfg.LocalEncryption {
		t.Fatalf("local defaults = %s/%v", cfg.LocalBackend, cfg.LocalEncryption)
	}
	if cfg.RecordRetention != 7*24*time.Hour {
		t.Fatalf("retention = %s", cfg.RecordRetention)
	}
	if cfg.OfflineGrace != 2*time.Hour {
		t.Fatalf("offline grace = %s", cfg.OfflineGrace)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SYNC_INTERVAL", "30s")
	t.Setenv("SYNC_MAX_ATTEMPTS", "9")
	t.Setenv("PURGE_SYNCED", "true")
	t.Setenv("REMOTE_BACKEND", "mongo")
	t.Setenv("SYNC_BACKOFF", "soon")
	t.Setenv("LOCAL_ENCRYPTION", "maybe")
	cfg := Load()
	if cfg.SyncInterval != 30*time.Second || cfg.SyncMaxAttempts != 9 || !cfg.PurgeSynced {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.RemoteBackend != "mongo" {
		t.Fatalf("remote = %s", cfg.RemoteBackend)
	}
	if cfg.SyncBackoff != 30*time.Second {
		t.Fatalf("bad duration should fall back, got %s", cfg.SyncBackoff)
	}
	if !cfg.LocalEncryption {
		t.Fatal("bad bool should fall back to true")
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	App{Env: "prod", LogLevel: "warn"}.Logger(&buf).Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %s", buf.String())
	}
	App{Env: "prod", LogLevel: "warn"}.Logger(&buf).Warn("shown", "k", "v")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("production logger is not JSON: %s", buf.String())
	}

	buf.Reset()
	App{Env: "dev", LogLevel: "nonsense"}.Logger(&buf).Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("dev logger output = %q", buf.String())
	}
	if parseLevel("debug") != slog.LevelDebug {
		t.Fatal("debug level not parsed")
	}
}
