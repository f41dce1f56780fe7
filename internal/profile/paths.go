// Package profile lays out the per-profile data directory.
package profile

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.aushilf.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".aushilf")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// DBPath returns the local cache database path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "cache.db")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "syncd.log")
}

// ConfigPath returns the profile config file path.
func ConfigPath(name string) string {
	return filepath.Join(Dir(name), "config.toml")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
