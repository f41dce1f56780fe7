package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidFile(t *testing.T) {
	path := writeConfig(t, `
[remote]
base_url = "https://api.example.com"
feed_url = "wss://feed.example.com"
api_key = "secret"
timeout_ms = 5000

[sync]
page_size = 25
max_attempts = 3

[user]
id = "u1"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Remote.BaseURL != "https://api.example.com" || cfg.Remote.APIKey != "secret" {
		t.Errorf("remote = %+v", cfg.Remote)
	}
	if cfg.Sync.PageSize != 25 || cfg.Sync.MaxAttempts != 3 {
		t.Errorf("sync = %+v", cfg.Sync)
	}
	if cfg.User.ID != "u1" {
		t.Errorf("user = %+v", cfg.User)
	}
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	path := writeConfig(t, `
[remote]
base_url = "https://api.example.com"
`)
	if _, err := Load(path); err == nil {
		t.Error("expected validation error for missing feed_url and user id")
	}
}

func TestLoadRejectsMalformedURL(t *testing.T) {
	path := writeConfig(t, `
[remote]
base_url = "not a url"
feed_url = "wss://feed.example.com"

[user]
id = "u1"
`)
	if _, err := Load(path); err == nil {
		t.Error("expected validation error for malformed base_url")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
[remote]
base_url = "https://file.example.com"
feed_url = "wss://feed.example.com"

[user]
id = "file-user"
`)
	t.Setenv("AUSHILF_REMOTE_URL", "https://env.example.com")
	t.Setenv("AUSHILF_USER_ID", "env-user")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Remote.BaseURL != "https://env.example.com" {
		t.Errorf("base_url = %q, want env override", cfg.Remote.BaseURL)
	}
	if cfg.User.ID != "env-user" {
		t.Errorf("user id = %q, want env override", cfg.User.ID)
	}
	if cfg.Remote.FeedURL != "wss://feed.example.com" {
		t.Errorf("feed_url = %q, want file value kept", cfg.Remote.FeedURL)
	}
}

func TestLoadEnvOnly(t *testing.T) {
	t.Setenv("AUSHILF_REMOTE_URL", "https://env.example.com")
	t.Setenv("AUSHILF_FEED_URL", "wss://env-feed.example.com")
	t.Setenv("AUSHILF_USER_ID", "u1")

	cfg, err := LoadEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Remote.BaseURL != "https://env.example.com" || cfg.User.ID != "u1" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := &Config{}
	cfg.Remote.BaseURL = "https://api.example.com"
	cfg.Remote.FeedURL = "wss://feed.example.com"
	cfg.User.ID = "u1"

	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Remote.BaseURL != cfg.Remote.BaseURL || loaded.User.ID != cfg.User.ID {
		t.Errorf("loaded = %+v", loaded)
	}
}
