// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package xdg provides XDG Base Directory paths for keg.
package xdg

import (
	"fmt"
	"os"
	"path/filepath"
)

const appName = "keg"

// ConfigDir returns the XDG config directory for keg.
// Checks XDG_CONFIG_HOME first, falls back to ~/.config.
func ConfigDir() string {
	return dir("XDG_CONFIG_HOME", ".config")
}

// DataDir returns the XDG data directory for keg.
// Checks XDG_DATA_HOME first, falls back to ~/.local/share.
func DataDir() string {
	return dir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// CacheDir returns the XDG cache directory for keg.
// Checks XDG_CACHE_HOME first, falls back to ~/.cache.
func CacheDir() string {
	return dir("XDG_CACHE_HOME", ".cache")
}

// ConfigFile returns the default config file path.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// PackagesDir returns the default package search root.
func PackagesDir() string {
	return filepath.Join(DataDir(), "packages")
}

// ArchiveCacheDir returns the default extraction cache for archives.
func ArchiveCacheDir() string {
	return filepath.Join(CacheDir(), "archives")
}

func dir(env, fallback string) string {
	base := os.Getenv(env)
	if base == "" {
		base = filepath.Join(os.Getenv("HOME"), fallback)
	}
	return filepath.Join(base, appName)
}

// EnsureDir creates a directory and all parent directories if they don't exist.
// Directories are created with 0700 permissions.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}
