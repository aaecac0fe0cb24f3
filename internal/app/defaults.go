package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment
// variables first. Environment variables:
//   - BACKRUN_CONFIG_PATH: config file location (default: ~/.config/backrun.toml)
//   - BACKRUN_HOME: base directory for backrun data (default: ~/.local/share/backrun)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// getConfigPath returns the config file path, checking BACKRUN_CONFIG_PATH
// first, then falling back to the default ~/.config/backrun.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("BACKRUN_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "backrun.toml"), nil
}

// getBaseDir returns the base directory for backrun data, checking
// BACKRUN_HOME first, then falling back to the XDG default
// ~/.local/share/backrun.
func getBaseDir() (string, error) {
	if path := os.Getenv("BACKRUN_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "backrun"), nil
}
