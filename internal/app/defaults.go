package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - ZBACKUP_CONFIG_PATH: config file location (default: ~/.config/zbackup.toml)
//   - ZBACKUP_HOME: base directory for zbackup data (default: ~/.local/share/zbackup)
//
// The default bookmark prefix is the short host name.
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	prefix, err := getBookmarkPrefix()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path":     configPath,
		"base_dir":        baseDir,
		"log_dir":         filepath.Join(baseDir, "log"),
		"bookmark_prefix": prefix,
	}, nil
}

// getConfigPath returns the config file path, checking ZBACKUP_CONFIG_PATH env var first,
// then falling back to the default ~/.config/zbackup.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("ZBACKUP_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "zbackup.toml"), nil
}

// getBaseDir returns the base directory for zbackup data, checking ZBACKUP_HOME env var first,
// then falling back to the XDG default ~/.local/share/zbackup.
func getBaseDir() (string, error) {
	if path := os.Getenv("ZBACKUP_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "zbackup"), nil
}

func getBookmarkPrefix() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("cannot determine host name: %w", err)
	}
	short, _, _ := strings.Cut(hostname, ".")
	return short, nil
}
