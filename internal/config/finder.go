package config

import (
	"os"
	"path/filepath"
)

// configExts are tried in order for every config file name
var configExts = []string{"yml", "yaml", "json", "toml"}

// FindLocalConfig finds local config file by walking up directories
func FindLocalConfig(dir string) string {
	for {
		for _, ext := range configExts {
			path := filepath.Join(dir, ".kiln."+ext)

			if _, err := os.Stat(path); err == nil {
				return path
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}

		dir = parent
	}

	return ""
}

// GlobalConfigDir returns the directory holding the user-wide config file.
// APPDATA wins when set; otherwise the platform user config directory is used.
func GlobalConfigDir() string {
	if appdata := os.Getenv("APPDATA"); appdata != "" {
		return filepath.Join(appdata, "kiln")
	}

	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "kiln")
	}

	return ""
}
