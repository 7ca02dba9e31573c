package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Router.DefaultCapability != "chat" {
		t.Fatalf("default capability should be chat, got %q", cfg.Router.DefaultCapability)
	}
	if cfg.Router.RecentEntries != 20 {
		t.Fatalf("default recent entries should be 20, got %d", cfg.Router.RecentEntries)
	}
	if cfg.Relationship.FriendThreshold >= cfg.Relationship.TrustedThreshold {
		t.Fatalf("friend threshold must be below trusted: %d >= %d",
			cfg.Relationship.FriendThreshold, cfg.Relationship.TrustedThreshold)
	}
	if cfg.Relationship.DeltaSuccess <= 0 || cfg.Relationship.DeltaFailure >= 0 {
		t.Fatalf("unexpected default deltas: %+v", cfg.Relationship)
	}
	if cfg.GetAPIBase() == "" {
		t.Fatalf("API base should default to openrouter")
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Router.Workers != DefaultConfig().Router.Workers {
		t.Fatalf("missing file should yield defaults")
	}
}

func TestLoadConfig_FileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	raw := `{
		"assistant": {"model": "test/model", "log_level": "debug"},
		"router": {"recent_entries": 7},
		"relationship": {"trusted_threshold": 90},
		"channels": {"discord": {"allow_from": ["alice", 123456]}}
	}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Assistant.Model != "test/model" {
		t.Fatalf("model not loaded: %q", cfg.Assistant.Model)
	}
	if cfg.Router.RecentEntries != 7 {
		t.Fatalf("router overlay lost: %d", cfg.Router.RecentEntries)
	}
	if cfg.Relationship.TrustedThreshold != 90 {
		t.Fatalf("relationship overlay lost: %d", cfg.Relationship.TrustedThreshold)
	}
	// untouched fields keep their defaults
	if cfg.Router.Workers != DefaultConfig().Router.Workers {
		t.Fatalf("defaults lost on partial overlay")
	}
	// numeric allowlist entries are coerced to strings
	got := []string(cfg.Channels.Discord.AllowFrom)
	if len(got) != 2 || got[0] != "alice" || got[1] != "123456" {
		t.Fatalf("allow_from coercion failed: %v", got)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"assistant": {"model": "from-file"}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Setenv("COMPANION_ASSISTANT_MODEL", "from-env")
	t.Setenv("COMPANION_ROUTER_CODE_DEADLINE_SECONDS", "42")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Assistant.Model != "from-env" {
		t.Fatalf("env should win over file, got %q", cfg.Assistant.Model)
	}
	if cfg.Router.CodeDeadlineSeconds != 42 {
		t.Fatalf("env int override lost: %d", cfg.Router.CodeDeadlineSeconds)
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	cfg := DefaultConfig()
	cfg.Assistant.Model = "round/trip"
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("saved config is not valid json: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Assistant.Model != "round/trip" {
		t.Fatalf("round trip lost model: %q", loaded.Assistant.Model)
	}
}
