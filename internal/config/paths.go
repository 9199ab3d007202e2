package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// File names inside the config directory.
const (
	RosterFile     = "roster.json"
	TokenFile      = "token.json"
	PushCookieFile = "push-cookie.txt"
	StorageFile    = "storage_config.json"
	BackupDir      = "backups"
)

// ConfigDir returns the directory holding crowsnest's persisted state,
// creating it if needed. CROWSNEST_CONFIG_DIR overrides the default
// ~/.config/crowsnest.
func ConfigDir() (string, error) {
	if dir := os.Getenv("CROWSNEST_CONFIG_DIR"); dir != "" {
		return dir, os.MkdirAll(dir, 0o755)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".config", "crowsnest")
	return dir, os.MkdirAll(dir, 0o755)
}

// DefaultStoragePath returns the fallback directory for recordings.
func DefaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, "Downloads", "Streams")
}

// StoragePath resolves the global recording directory: the
// CROWSNEST_STORAGE_DIR variable wins, then storage_config.json, then the
// default under the user's home.
func StoragePath(configDir string) string {
	if dir := os.Getenv("CROWSNEST_STORAGE_DIR"); dir != "" {
		return dir
	}
	raw, err := os.ReadFile(filepath.Join(configDir, StorageFile))
	if err == nil {
		var cfg struct {
			Path string `json:"path"`
		}
		if json.Unmarshal(raw, &cfg) == nil && cfg.Path != "" {
			return cfg.Path
		}
	}
	return DefaultStoragePath()
}

// UpdateStoragePath persists a new global recording directory and ensures
// it exists.
func UpdateStoragePath(configDir, newPath string) error {
	if err := os.MkdirAll(newPath, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(map[string]string{"path": newPath}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(configDir, StorageFile), raw, 0o644)
}

// PushCookie reads the operator-provided auth cookie used by the recorder
// for ad-free capture. Returns "" when no cookie is configured.
func PushCookie(configDir string) string {
	raw, err := os.ReadFile(filepath.Join(configDir, PushCookieFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
