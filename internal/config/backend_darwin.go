//go:build darwin

package config

import (
	"os"
	"path/filepath"
)

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "stmcp")
	}
	return "stmcp-data"
}

func tokenHint() string {
	return " or macOS Keychain (service: stmcp, account: hub_token)"
}
