package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const dirName = ".consolevm"

// DefaultConfigDir returns ~/.consolevm.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, dirName), nil
}

// DefaultConfigPath returns ~/.consolevm/config.yaml.
func DefaultConfigPath() (string, error) {
	return inConfigDir("config.yaml")
}

// DefaultDataPath returns ~/.consolevm/data.db.
func DefaultDataPath() (string, error) {
	return inConfigDir("data.db")
}

// DefaultROMDir returns ~/.consolevm/rom, the conventional host script dir.
func DefaultROMDir() (string, error) {
	return inConfigDir("rom")
}

func inConfigDir(name string) (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// ExpandPath expands environment variables and a leading ~ in path.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	path = os.ExpandEnv(path)

	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}
