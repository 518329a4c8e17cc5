// Package xdg resolves the XDG-compliant directories stackbuilder reads and
// writes.
package xdg

import (
	"fmt"
	"os"
	"path/filepath"
)

const appName = "stackbuilder"

// Dirs holds the resolved XDG-compliant directory paths for stackbuilder.
type Dirs struct {
	// Config is ~/.config/stackbuilder  (XDG_CONFIG_HOME)
	Config string
	// Data is ~/.local/share/stackbuilder  (XDG_DATA_HOME)
	Data string
	// State is ~/.local/state/stackbuilder  (XDG_STATE_HOME)
	State string
}

// base returns the XDG base directory, falling back to the given default
// when the environment variable is unset or empty.
func base(envVar, fallback string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fallback
	}
	return filepath.Join(home, fallback)
}

// Default returns the resolved directory set using the current environment
// and home directory.
func Default() Dirs {
	return Dirs{
		Config: filepath.Join(base("XDG_CONFIG_HOME", ".config"), appName),
		Data:   filepath.Join(base("XDG_DATA_HOME", ".local/share"), appName),
		State:  filepath.Join(base("XDG_STATE_HOME", ".local/state"), appName),
	}
}

// ConfigFile returns the path to the tool settings file.
func (d Dirs) ConfigFile() string {
	return filepath.Join(d.Config, "config.yaml")
}

// DefaultsFile returns the path to the stack-builder-wide option defaults.
func (d Dirs) DefaultsFile() string {
	return filepath.Join(d.Config, "defaults.yaml")
}

// StacksDir returns the directory holding one record file per active stack.
func (d Dirs) StacksDir() string {
	return filepath.Join(d.Data, "stacks")
}

// ScriptsDir returns the directory compiled install scripts for stack are
// written to.
func (d Dirs) ScriptsDir(stack string) string {
	return filepath.Join(d.State, "scripts", stack)
}

// LogsDir returns the logs directory.
func (d Dirs) LogsDir() string {
	return filepath.Join(d.State, "logs")
}

// EnsureDirs creates all stackbuilder directories that do not yet exist.
// Directories are created with mode 0700 so that only the owning user can
// read them (stack records reference live hosts and key paths).
func (d Dirs) EnsureDirs() error {
	dirs := []string{
		d.Config,
		d.StacksDir(),
		filepath.Join(d.State, "scripts"),
		d.LogsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
