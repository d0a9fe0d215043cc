// Package config handles per-plugin configuration files.
//
// Each plugin owns one JSON file under the shared plugin data directory.
// The runtime reads it during initialize; a failed validation is not an
// error but the entry point of the interactive setup wizard, so Load never
// fails just because credentials are missing.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const configFileName = "config.json"

// saveMu serializes concurrent Save calls to prevent file corruption.
var saveMu sync.Mutex

// ErrMissingCredential reports an empty or too-short credential value.
var ErrMissingCredential = errors.New("config: missing credential")

// Store is the on-disk configuration of one plugin.
type Store struct {
	pluginName string
	dir        string
	defaults   map[string]any
}

// NewStore returns the store for pluginName rooted at the shared base
// directory. defaults are merged into every loaded document.
func NewStore(pluginName string, defaults map[string]any) *Store {
	return &Store{
		pluginName: pluginName,
		dir:        filepath.Join(BaseDir(), pluginName),
		defaults:   defaults,
	}
}

// NewStoreAt is NewStore with an explicit directory, for tests and the
// emulator.
func NewStoreAt(pluginName, dir string, defaults map[string]any) *Store {
	return &Store{pluginName: pluginName, dir: dir, defaults: defaults}
}

// Dir returns the plugin's data directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the config file path.
func (s *Store) Path() string { return filepath.Join(s.dir, configFileName) }

// LogPath returns the plugin's log file path, next to the config file.
func (s *Store) LogPath() string {
	return filepath.Join(s.dir, s.pluginName+"-plugin.log")
}

// Load reads the config file, merging defaults over missing keys. A missing
// file is created from the defaults so the setup wizard has a file to point
// the user at.
func (s *Store) Load() (map[string]any, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			cfg := s.cloneDefaults()
			if saveErr := s.Save(cfg); saveErr != nil {
				return cfg, saveErr
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", s.Path(), err)
	}

	var cfg map[string]any
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", s.Path(), err)
	}
	return s.applyDefaults(cfg), nil
}

// Save writes the config file with indentation so users can edit it by
// hand during the setup wizard.
func (s *Store) Save(cfg map[string]any) error {
	saveMu.Lock()
	defer saveMu.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(s.Path(), data, 0600)
}

// Credential fetches a trimmed string value by key.
func Credential(cfg map[string]any, key string) string {
	v, _ := cfg[key].(string)
	return strings.TrimSpace(v)
}

// RequireCredential validates that key holds a value of at least minLen
// characters. The returned error message names the key and the config path
// so it can flow straight into wizard instructions.
func (s *Store) RequireCredential(cfg map[string]any, key string, minLen int) error {
	v := Credential(cfg, key)
	if len(v) < minLen {
		return fmt.Errorf("%w: %q in %s", ErrMissingCredential, key, s.Path())
	}
	return nil
}

func (s *Store) cloneDefaults() map[string]any {
	return mergeMaps(nil, s.defaults)
}

func (s *Store) applyDefaults(cfg map[string]any) map[string]any {
	return mergeMaps(cfg, s.defaults)
}

// mergeMaps fills missing keys of cfg from defaults, recursing into nested
// objects, without overwriting user-set values.
func mergeMaps(cfg, defaults map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	for k, dv := range defaults {
		cv, exists := out[k]
		if !exists {
			out[k] = copyValue(dv)
			continue
		}
		cm, cok := cv.(map[string]any)
		dm, dok := dv.(map[string]any)
		if cok && dok {
			out[k] = mergeMaps(cm, dm)
		}
	}
	return out
}

func copyValue(v any) any {
	if m, ok := v.(map[string]any); ok {
		return mergeMaps(nil, m)
	}
	return v
}
