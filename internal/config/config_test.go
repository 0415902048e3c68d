package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CancelMode != CancelModePreserve {
		t.Errorf("cancel mode = %q", cfg.CancelMode)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("perm = %o, want 600", perm)
	}
}

func TestLoadNormalizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "uid_domain: \"@example.org\"\ncancel_mode: REBUILD\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.UIDDomain != "example.org" {
		t.Errorf("uid domain = %q", cfg.UIDDomain)
	}
	if cfg.CancelMode != CancelModeRebuild {
		t.Errorf("cancel mode = %q", cfg.CancelMode)
	}
	if cfg.ProdID != defaultProdID || cfg.SnapshotCron != defaultSnapshotCron {
		t.Errorf("defaults not filled: %+v", cfg)
	}
}

func TestUnknownCancelModeFallsBack(t *testing.T) {
	cfg := &Config{CancelMode: "shred"}
	cfg.Normalize()
	if cfg.CancelMode != CancelModePreserve {
		t.Errorf("cancel mode = %q", cfg.CancelMode)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("CALCODEC_UID_DOMAIN", "corp.example")
	t.Setenv("CALCODEC_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	cfg.ApplyEnv()
	if cfg.UIDDomain != "corp.example" || cfg.LogLevel != "debug" {
		t.Errorf("env not applied: %+v", cfg)
	}
}

func TestNormalizeFeeds(t *testing.T) {
	cfg := &Config{Feeds: []Feed{
		{URL: "  "},
		{URL: " https://calendar.example.com/team.ics "},
		{ID: "ops", URL: "https://calendar.example.com/ops.ics"},
	}}
	cfg.Normalize()
	if len(cfg.Feeds) != 2 {
		t.Fatalf("feeds = %+v", cfg.Feeds)
	}
	if cfg.Feeds[0].ID != "feed-1" || cfg.Feeds[0].URL != "https://calendar.example.com/team.ics" {
		t.Errorf("feed 0 = %+v", cfg.Feeds[0])
	}
	if cfg.Feeds[1].ID != "ops" {
		t.Errorf("feed 1 = %+v", cfg.Feeds[1])
	}
	if cfg.FeedCacheDir != defaultFeedCacheDir {
		t.Errorf("feed cache dir = %q", cfg.FeedCacheDir)
	}
}
