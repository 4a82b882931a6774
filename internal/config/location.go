package config

import (
	"os"
	"path/filepath"
)

// EnvConfigPath overrides the configuration file location.
const EnvConfigPath = "SPATIAL_BRIDGE_CONFIG"

// GetConfigPath returns $SPATIAL_BRIDGE_CONFIG if set, else
// $XDG_CONFIG_HOME/spatial-bridge/config, else ~/.spatial-bridge/config.
func GetConfigPath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "spatial-bridge", "config"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".spatial-bridge", "config"), nil
}
