package util

import (
	"os"
	"path/filepath"
)

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv("GATTLINK_DIR"); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "gattlink")
	}
	return filepath.Join(home, ".gattlink")
}

// GetSessionDebugDir returns the debug trace directory for a session
func GetSessionDebugDir(sessionID string) string {
	return filepath.Join(GetDataDir(), "sessions", sessionID, "debug")
}

// DebugEnabled reports whether packet tracing was requested via GATTLINK_DEBUG
func DebugEnabled() bool {
	v := os.Getenv("GATTLINK_DEBUG")
	return v != "" && v != "0"
}
