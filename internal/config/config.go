// Package config loads the profile configuration: a TOML file layered with
// environment overrides, validated before use.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Remote configures the backend endpoints.
type Remote struct {
	BaseURL   string `toml:"base_url" env:"AUSHILF_REMOTE_URL" validate:"required,url"`
	FeedURL   string `toml:"feed_url" env:"AUSHILF_FEED_URL" validate:"required,url"`
	APIKey    string `toml:"api_key" env:"AUSHILF_API_KEY"`
	TimeoutMS int    `toml:"timeout_ms" env:"AUSHILF_REMOTE_TIMEOUT_MS" validate:"gte=0"`
}

// Sync tunes the pull/push engine.
type Sync struct {
	PageSize        int     `toml:"page_size" validate:"gte=0,lte=500"`
	MaxAttempts     int     `toml:"max_attempts" validate:"gte=0,lte=20"`
	BackoffBaseMS   int     `toml:"backoff_base_ms" validate:"gte=0"`
	BackoffFactor   float64 `toml:"backoff_factor" validate:"gte=0"`
	BackoffCapMS    int     `toml:"backoff_cap_ms" validate:"gte=0"`
	FlushIntervalMS int     `toml:"flush_interval_ms" validate:"gte=0"`
	ProbeIntervalMS int     `toml:"probe_interval_ms" validate:"gte=0"`
}

// User identifies the signed-in account scoping all queries.
type User struct {
	ID string `toml:"id" env:"AUSHILF_USER_ID" validate:"required"`
}

// Config is the full profile configuration.
type Config struct {
	Remote Remote `toml:"remote"`
	Sync   Sync   `toml:"sync"`
	User   User   `toml:"user"`
}

// Load reads the TOML file at path, applies environment overrides, and
// validates the result. A missing file is an error; env-only configuration
// goes through LoadEnv.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return finish(&cfg)
}

// LoadEnv builds a configuration from environment variables alone.
func LoadEnv() (*Config, error) {
	return finish(&Config{})
}

func finish(cfg *Config) (*Config, error) {
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
