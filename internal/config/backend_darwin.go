//go:build darwin

package config

import (
	"os"
	"path/filepath"
)

const defaultsDomain = "com.studysync.app"

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "studysync")
	}
	return "studysync-data"
}

// FilePath returns the path of the preferences file backing the defaults
// domain.
func FilePath() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Preferences", defaultsDomain+".plist")
	}
	return defaultsDomain + ".plist"
}

func newPlatformBackend() ConfigBackend {
	return &defaultsBackend{domain: defaultsDomain, run: runDefaults}
}
