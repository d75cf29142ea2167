// Package platform resolves per-OS paths and reports host diagnostics.
package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// GetConfigPath returns the platform-specific configuration directory
func GetConfigPath() string {
	if configDir := os.Getenv("OFFGRID_CONFIG_DIR"); configDir != "" {
		return configDir
	}

	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "OffGridEdge")
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "OffGridEdge")
	default: // linux
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, "offgrid-edge")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "offgrid-edge")
	}
}

// GetDataPath returns the platform-specific data directory
func GetDataPath() string {
	if dataDir := os.Getenv("OFFGRID_DATA_DIR"); dataDir != "" {
		return dataDir
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(GetConfigPath(), "Data")
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "OffGridEdge")
	default: // linux
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, "offgrid-edge")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "offgrid-edge")
	}
}

// GetModelsPath returns the default path for storing models
func GetModelsPath() string {
	return filepath.Join(GetDataPath(), "models")
}

// ResolveModelPath returns name unchanged when it exists or contains a
// directory. A bare file name that does not exist in the working directory
// is looked up under GetModelsPath.
func ResolveModelPath(name string) string {
	if name == "" || strings.ContainsRune(name, filepath.Separator) {
		return name
	}
	if _, err := os.Stat(name); err == nil {
		return name
	}
	candidate := filepath.Join(GetModelsPath(), name)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return name
}
