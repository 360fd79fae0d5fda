// Package paths defines the on-disk layout of an engine data directory.
package paths

import (
	"os"
	"path/filepath"
)

// DefaultDataDir returns ~/.msgsync.
func DefaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".msgsync")
}

// DBPath returns the chat store database path.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, "msgsync.db")
}

// MediaDir returns the media blob directory.
func MediaDir(dataDir string) string {
	return filepath.Join(dataDir, "media")
}

// MediaIndexPath returns the media index database path.
func MediaIndexPath(dataDir string) string {
	return filepath.Join(dataDir, "media", "index.db")
}

// LockPath returns the single-instance lock file path.
func LockPath(dataDir string) string {
	return filepath.Join(dataDir, "LOCK")
}

// LogPath returns the daemon log file path.
func LogPath(dataDir string) string {
	return filepath.Join(dataDir, "logs", "msyncd.log")
}

// ConfigPath returns the config file path.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "msgsync.toml")
}

// EnsureDirs creates the data directory tree with owner-only permissions.
func EnsureDirs(dataDir string) error {
	dirs := []string{
		dataDir,
		MediaDir(dataDir),
		filepath.Join(dataDir, "logs"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
