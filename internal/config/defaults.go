package config

import (
	"os"
	"path/filepath"
)

func fallbackDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".geofenced"
	}
	return filepath.Join(home, ".geofenced")
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{
		"toml",
		"json",
		"yaml",
		"yml",
	}
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first found config file, or empty string if none found.
func FindConfigFile() string {
	searchDirs := []string{
		".",
		GeofencedDir(),
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		searchDirs = append(searchDirs, filepath.Join(xdg, "geofenced"))
	}

	for _, dir := range searchDirs {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}

	return ""
}
