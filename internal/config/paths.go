// Package config provides configuration management for macosvm.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds platform-specific locations used by macosvm.
type Paths struct {
	// ConfigDir holds config.yaml.
	// macOS: ~/Library/Application Support/macosvm
	// Others: ~/.config/macosvm (or XDG_CONFIG_HOME)
	ConfigDir string

	// BundleDir is the default guest bundle, ~/VM.bundle.
	BundleDir string

	// SharedDir is the default folder shared with the guest, ~/VM Shared.
	SharedDir string
}

// GetPaths returns platform-aware paths.
func GetPaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	p := &Paths{
		BundleDir: filepath.Join(home, "VM.bundle"),
		SharedDir: filepath.Join(home, "VM Shared"),
	}

	switch runtime.GOOS {
	case "darwin":
		p.ConfigDir = filepath.Join(home, "Library", "Application Support", "macosvm")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			p.ConfigDir = filepath.Join(xdgConfig, "macosvm")
		} else {
			p.ConfigDir = filepath.Join(home, ".config", "macosvm")
		}
	}
	return p, nil
}
