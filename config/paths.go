package config

import (
	"os"
	"path/filepath"
)

// baseDirOverride lets tests and the emulator relocate the plugin data
// tree without touching the environment.
var baseDirOverride string

// SetBaseDir overrides the shared plugin data directory for this process.
func SetBaseDir(dir string) { baseDirOverride = dir }

// BaseDir returns the shared plugin data directory. Resolution order:
// explicit override, PLUGWIRE_DATA_DIR, PROGRAMDATA (the engine's native
// layout on Windows), then the user config directory.
func BaseDir() string {
	if baseDirOverride != "" {
		return baseDirOverride
	}
	if dir := os.Getenv("PLUGWIRE_DATA_DIR"); dir != "" {
		return dir
	}
	if pd := os.Getenv("PROGRAMDATA"); pd != "" {
		return filepath.Join(pd, "plugwire", "plugins")
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "plugwire", "plugins")
	}
	return filepath.Join(".", "plugins")
}
